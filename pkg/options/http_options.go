package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HttpOptions)(nil)

// HttpOptions contains configuration items related to the operator HTTP server.
type HttpOptions struct {
	// Network with server network.
	Network string `json:"network" mapstructure:"network"`

	// Address with server address.
	Addr string `json:"addr" mapstructure:"addr"`

	// Timeout bounds reading a request and writing its response.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// DestructiveInterval is the minimum spacing between install, rollback,
	// resolve and configuration writes once the burst is spent.
	DestructiveInterval time.Duration `json:"destructive-interval" mapstructure:"destructive-interval"`
	DestructiveBurst    int           `json:"destructive-burst" mapstructure:"destructive-burst"`

	// ReadRPS limits read-only queries.
	ReadRPS   float64 `json:"read-rps" mapstructure:"read-rps"`
	ReadBurst int     `json:"read-burst" mapstructure:"read-burst"`
}

// NewHttpOptions creates a HttpOptions object with default parameters.
func NewHttpOptions() *HttpOptions {
	return &HttpOptions{
		Network:             "tcp",
		Addr:                "127.0.0.1:8480",
		Timeout:             30 * time.Second,
		DestructiveInterval: 10 * time.Second,
		DestructiveBurst:    3,
		ReadRPS:             20,
		ReadBurst:           40,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *HttpOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if err := ValidateAddress(o.Addr); err != nil {
		errors = append(errors, err)
	}

	if o.DestructiveInterval <= 0 || o.DestructiveBurst < 1 {
		errors = append(errors, fmt.Errorf("--http.destructive-interval and --http.destructive-burst must be positive"))
	}

	if o.ReadRPS <= 0 || o.ReadBurst < 1 {
		errors = append(errors, fmt.Errorf("--http.read-rps and --http.read-burst must be positive"))
	}

	return errors
}

// AddFlags adds flags related to the operator HTTP server to the specified FlagSet.
func (o *HttpOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Network, "http.network", o.Network, "Specify the network for the HTTP server.")
	fs.StringVar(&o.Addr, "http.addr", o.Addr, "Specify the HTTP server bind address and port.")
	fs.DurationVar(&o.Timeout, "http.timeout", o.Timeout, "Timeout for server connections.")
	fs.DurationVar(&o.DestructiveInterval, "http.destructive-interval", o.DestructiveInterval, "Minimum spacing between destructive operator requests.")
	fs.IntVar(&o.DestructiveBurst, "http.destructive-burst", o.DestructiveBurst, "Burst allowance for destructive operator requests.")
	fs.Float64Var(&o.ReadRPS, "http.read-rps", o.ReadRPS, "Sustained rate of read-only operator requests per second.")
	fs.IntVar(&o.ReadBurst, "http.read-burst", o.ReadBurst, "Burst allowance for read-only operator requests.")
}
