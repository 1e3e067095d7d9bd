package stability

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcmw "github.com/autopeer-io/updater/internal/pkg/middleware/grpc"
)

// GRPCProber calls grpc.health.v1.Health/Check and requires SERVING.
type GRPCProber struct {
	Addr    string
	Service string
	Timeout time.Duration
}

// NewGRPCProber returns a prober checking service at addr.
func NewGRPCProber(addr, service string, timeout time.Duration) *GRPCProber {
	return &GRPCProber{Addr: addr, Service: service, Timeout: timeout}
}

func (p *GRPCProber) Probe(ctx context.Context) error {
	conn, err := grpc.NewClient(p.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(grpcmw.UnaryTimeoutInterceptor),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.Addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnhealthy, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s reports %s", ErrUnhealthy, p.Addr, resp.GetStatus())
	}
	return nil
}
