package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcmw "github.com/autopeer-io/updater/internal/pkg/middleware/grpc"
	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
	"github.com/autopeer-io/updater/pkg/options"
)

// ServiceName is the health service reported alongside the overall "" entry.
const ServiceName = "updater"

// Server exposes the standard gRPC health protocol. Both entries turn
// NOT_SERVING while the orchestrator waits for an operator.
type Server struct {
	server  *grpc.Server
	health  *health.Server
	options *options.GrpcOptions
	events  <-chan core.Event
}

// NewServer builds the server. events should be a bus subscription; it
// drives the serving status from phase.changed events.
func NewServer(opts *options.GrpcOptions, initial model.Phase, events <-chan core.Event) *Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(grpcmw.UnaryServerTimeout(opts.Timeout)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s) // Enable grpc_cli support

	srv := &Server{
		server:  s,
		health:  hs,
		options: opts,
		events:  events,
	}
	srv.setPhase(initial)
	return srv
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen(s.options.Network, s.options.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

// Serve runs on an existing listener until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	log.Info("Starting gRPC Server", "addr", lis.Addr().String())

	go s.follow(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.server.GracefulStop()
		return nil
	}
}

func (s *Server) follow(ctx context.Context) {
	if s.events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.events:
			if !ok {
				return
			}
			if e.Type == core.EventPhaseChanged {
				s.setPhase(e.Phase)
			}
		}
	}
}

func (s *Server) setPhase(p model.Phase) {
	status := healthpb.HealthCheckResponse_SERVING
	if p.NeedsOperator() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
