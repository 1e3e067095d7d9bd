package options

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HealthOptions)(nil)

// HealthOptions selects the post-install liveness probe.
// GRPCAddr takes precedence over URL when set.
type HealthOptions struct {
	URL         string        `json:"url" mapstructure:"url"`
	GRPCAddr    string        `json:"grpc-addr" mapstructure:"grpc-addr"`
	GRPCService string        `json:"grpc-service" mapstructure:"grpc-service"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

func NewHealthOptions() *HealthOptions {
	return &HealthOptions{
		URL:     "http://127.0.0.1:8080/healthz",
		Timeout: 5 * time.Second,
	}
}

func (o *HealthOptions) Validate() []error {
	var errs []error

	if o.URL == "" && o.GRPCAddr == "" {
		errs = append(errs, fmt.Errorf("one of --health.url or --health.grpc-addr is required"))
	}
	if o.URL != "" {
		if u, err := url.Parse(o.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("--health.url %q is not an absolute URL", o.URL))
		}
	}
	if o.GRPCAddr != "" {
		if err := ValidateAddress(o.GRPCAddr); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("--health.timeout must be positive"))
	}

	return errs
}

func (o *HealthOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.URL, "health.url", o.URL, "HTTP endpoint probed after an install; any 2xx is healthy.")
	fs.StringVar(&o.GRPCAddr, "health.grpc-addr", o.GRPCAddr, "gRPC address probed with grpc.health.v1; takes precedence over --health.url when set.")
	fs.StringVar(&o.GRPCService, "health.grpc-service", o.GRPCService, "Service name sent in the gRPC health check.")
	fs.DurationVar(&o.Timeout, "health.timeout", o.Timeout, "Timeout of a single probe.")
}
