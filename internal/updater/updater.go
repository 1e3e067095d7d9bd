// Package updater assembles the update orchestrator daemon.
package updater

import (
	"context"

	"github.com/autopeer-io/updater/internal/updater/bus"
	"github.com/autopeer-io/updater/internal/updater/history"
	"github.com/autopeer-io/updater/internal/updater/orchestrator"
	"github.com/autopeer-io/updater/internal/updater/scheduler"
	"github.com/autopeer-io/updater/internal/updater/server"
	"github.com/autopeer-io/updater/pkg/log"
)

// UpdaterServer runs the orchestrator, its triggers and its servers.
type UpdaterServer struct {
	orchestrator  *orchestrator.Orchestrator
	scheduler     *scheduler.Scheduler
	bus           *bus.Bus
	history       *history.Store
	serverManager *server.Manager
	unsubscribe   []func()
}

// Run starts the orchestrator, its triggers and every server, and blocks
// until ctx is done or a server fails. Running pipeline steps are awaited
// before the history store closes.
func (s *UpdaterServer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.shutdown()
	}()

	if err := s.orchestrator.Start(ctx); err != nil {
		return err
	}
	if err := s.scheduler.Start(ctx, s.orchestrator.Configuration()); err != nil {
		return err
	}

	st := s.orchestrator.Status()
	log.Info("Updater started", "version", st.CurrentVersion, "phase", st.Phase)

	return s.serverManager.Start(ctx)
}

func (s *UpdaterServer) shutdown() {
	s.scheduler.Stop()
	s.orchestrator.Wait()
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.bus.Close()
	if err := s.history.Close(); err != nil {
		log.Error(err, "Failed to close history store")
	}
	log.Info("Updater stopped")
}
