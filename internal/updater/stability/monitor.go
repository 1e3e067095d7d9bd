package stability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/pkg/log"
)

// ErrUnhealthy wraps every failed probe.
var ErrUnhealthy = errors.New("service unhealthy")

// Prober performs one liveness check with its own timeout.
type Prober interface {
	Probe(ctx context.Context) error
}

var _ core.StabilityMonitor = (*Monitor)(nil)

// Monitor waits out the grace period, then asks the prober for a verdict.
type Monitor struct {
	prober Prober
	clock  clock.Clock
	log    log.Logger
}

// NewMonitor returns a Monitor driven by clk.
func NewMonitor(p Prober, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Monitor{prober: p, clock: clk, log: log.WithName("stability")}
}

// Await implements core.StabilityMonitor. Cancelling ctx during the grace
// period returns ctx.Err() without probing.
func (m *Monitor) Await(ctx context.Context, grace time.Duration) error {
	if grace > 0 {
		m.log.Info("Waiting for stability grace period", "grace", grace)
		timer := m.clock.NewTimer(grace)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if err := m.prober.Probe(ctx); err != nil {
		m.log.Warn("Liveness probe failed", "error", err)
		if errors.Is(err, ErrUnhealthy) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}

	m.log.Info("Liveness probe passed")
	return nil
}
