// Package scheduler owns the time-based triggers of the orchestrator: the
// periodic version check, the maintenance window entry and the daily
// retention sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
)

// SweepInterval is the period of the retention sweep.
const SweepInterval = 24 * time.Hour

// Target receives the triggers.
type Target interface {
	Check(ctx context.Context) ([]model.UpdateDescriptor, error)
	MaintenanceWindowOpened(ctx context.Context)
	Sweep(ctx context.Context) error
}

var _ core.Rescheduler = (*Scheduler)(nil)

// Scheduler runs at most one trigger set at a time.
type Scheduler struct {
	target Target
	clock  clock.WithTicker
	log    log.Logger

	mu     sync.Mutex
	parent context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an idle scheduler driving target on clk.
func New(target Target, clk clock.WithTicker) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{target: target, clock: clk, log: log.WithName("scheduler")}
}

// Start arms the triggers for cfg. They stop when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context, cfg model.Configuration) error {
	s.mu.Lock()
	s.parent = ctx
	s.mu.Unlock()
	return s.Reschedule(cfg)
}

// Reschedule tears down the running triggers, waits for them to exit and
// arms new ones for cfg. It must not be called while holding a lock the
// target's trigger methods take.
func (s *Scheduler) Reschedule(cfg model.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.parent == nil {
		return errors.New("scheduler not started")
	}
	s.stopLocked()

	if cfg.PollInterval() <= 0 {
		return fmt.Errorf("invalid poll interval %d hours", cfg.PollIntervalHours)
	}
	next, err := cfg.MaintenanceWindow.NextStart(s.clock.Now())
	if err != nil {
		return fmt.Errorf("maintenance window: %w", err)
	}

	ctx, cancel := context.WithCancel(s.parent)
	s.cancel = cancel

	// Timers are armed here rather than in the goroutines so that every
	// trigger exists once Reschedule returns.
	poll := s.clock.NewTicker(cfg.PollInterval())
	sweep := s.clock.NewTicker(SweepInterval)
	window := s.clock.NewTimer(next.Sub(s.clock.Now()))

	s.wg.Add(3)
	go s.runPoll(ctx, poll)
	go s.runSweep(ctx, sweep)
	go s.runWindow(ctx, cfg.MaintenanceWindow, next, window)

	s.log.Info("Triggers scheduled",
		"pollInterval", cfg.PollInterval(),
		"nextWindow", next.Format(time.RFC3339))
	return nil
}

// Stop cancels the triggers and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

func (s *Scheduler) runPoll(ctx context.Context, t clock.Ticker) {
	defer s.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if _, err := s.target.Check(ctx); err != nil {
				s.logTriggerError("check", err)
			}
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context, t clock.Ticker) {
	defer s.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if err := s.target.Sweep(ctx); err != nil {
				s.logTriggerError("sweep", err)
			}
		}
	}
}

func (s *Scheduler) runWindow(ctx context.Context, w model.MaintenanceWindow, next time.Time, t clock.Timer) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C():
			s.log.Info("Maintenance window opened", "start", w.Start, "end", w.End, "timezone", w.Timezone)
			s.target.MaintenanceWindowOpened(ctx)

			// Step from the previous start; missed windows are not replayed.
			var err error
			if next, err = w.NextStart(next); err == nil && next.Before(s.clock.Now()) {
				next, err = w.NextStart(s.clock.Now())
			}
			if err != nil {
				s.log.Error(err, "Cannot compute next maintenance window")
				return
			}
			t = s.clock.NewTimer(next.Sub(s.clock.Now()))
		}
	}
}

func (s *Scheduler) logTriggerError(trigger string, err error) {
	if errors.Is(err, core.ErrBusy) || errors.Is(err, context.Canceled) {
		s.log.Debug("Trigger skipped", "trigger", trigger, "reason", err)
		return
	}
	s.log.Error(err, "Trigger failed", "trigger", trigger)
}
