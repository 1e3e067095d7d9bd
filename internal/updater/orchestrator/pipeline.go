package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/autopeer-io/updater/internal/pkg/metrics"
	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
)

const triggerAutomatic = "automatic"

// startPipelineLocked enters DOWNLOADING synchronously, so the orchestrator
// is busy by the time the caller gets its answer, and runs the rest in the
// background.
func (o *Orchestrator) startPipelineLocked(d model.UpdateDescriptor, trigger string) error {
	if err := o.machine.fire(EventDownload); err != nil {
		return err
	}
	cfg := o.cfg
	from := o.state.CurrentVersion

	o.log.Info("Update pipeline started", "version", d.Version, "from", from, "trigger", trigger)
	o.goTracked(func(ctx context.Context) {
		o.runPipeline(ctx, d, from, cfg)
	})
	return nil
}

// runPipeline takes the backup, then downloads, verifies, installs and
// waits for the stability verdict. Every step that can fail does so before
// the next one touches anything.
func (o *Orchestrator) runPipeline(ctx context.Context, d model.UpdateDescriptor, from string, cfg model.Configuration) {
	started := o.deps.Clock.Now()
	logger := o.log.WithValues("version", d.Version)

	if cfg.BackupBeforeUpdate {
		snap, err := o.deps.Backups.Snapshot(ctx, from)
		if err != nil {
			o.abort(d, core.EventBackupFailed, err, core.KindBackup)
			return
		}
		o.mu.Lock()
		o.state.RollbackAvailable = true
		o.emit(o.event(core.EventBackupCreated, from, "").With(core.DataSnapshot, snap.ID))
		o.mu.Unlock()
		o.progress(cfg.SilentMode, "Pre-update snapshot created", "snapshot", snap.ID, "paths", len(snap.Paths))
		o.mirror(snap)
	}

	path, err := o.deps.Fetcher.Fetch(ctx, d, func(written, total int64) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.emit(o.event(core.EventDownloadProgress, d.Version, "").
			With(core.DataWritten, written).
			With(core.DataTotal, total))
	})
	if err != nil {
		o.abort(d, core.EventDownloadFailed, err, core.KindNetwork)
		return
	}
	o.mu.Lock()
	o.emit(o.event(core.EventDownloadCompleted, d.Version, ""))
	o.fireLocked(EventVerify)
	o.mu.Unlock()

	policy := core.VerifyPolicy{Enabled: cfg.VerifyIntegrity, RequireChecksum: cfg.RequireChecksum}
	if err := o.deps.Verifier.Verify(ctx, path, d.Checksum, policy); err != nil {
		o.cleanupArtifacts(d.Version)
		o.abort(d, core.EventIntegrityFailed, err, core.KindIntegrity)
		return
	}

	o.mu.Lock()
	if policy.Enabled {
		o.emit(o.event(core.EventIntegrityVerified, d.Version, ""))
	}
	o.fireLocked(EventInstall)
	o.emit(o.event(core.EventInstallStarted, d.Version, "").With(core.DataFromVersion, from))
	o.mu.Unlock()
	o.progress(cfg.SilentMode, "Installing update", "version", d.Version)

	if err := o.deps.Installer.Install(ctx, path, d); err != nil {
		o.cleanupArtifacts(d.Version)
		if errors.Is(err, core.ErrCorruptPackage) {
			// extraction failed before the live tree was touched
			o.abort(d, core.EventInstallFailed, err, core.KindInstall)
			return
		}
		o.mu.Lock()
		o.state.LastFailure = o.failure(err, core.KindInstall)
		o.emit(o.event(core.EventInstallFailed, d.Version, err.Error()).With(core.DataFromVersion, from))
		logger.Error(err, "Install failed")
		o.mu.Unlock()
		o.escalate(ctx, d.Version, cfg, "install failed")
		return
	}

	o.mu.Lock()
	now := o.deps.Clock.Now()
	o.state.PreviousVersion = from
	o.state.CurrentVersion = d.Version
	o.markInstalledLocked(d.Version, now)
	o.emit(o.event(core.EventInstallCompleted, d.Version, "").
		With(core.DataFromVersion, from).
		With(core.DataDuration, now.Sub(started)))
	o.fireLocked(EventStabilize)
	o.mu.Unlock()
	logger.Info("Update installed, waiting for stability verdict", "from", from, "grace", cfg.StabilityGrace())

	err = o.deps.Monitor.Await(ctx, cfg.StabilityGrace())
	if ctx.Err() != nil {
		logger.Warn("Pipeline interrupted while stabilizing")
		return
	}
	if err != nil {
		o.mu.Lock()
		o.state.LastFailure = o.failure(err, core.KindUnstable)
		o.emit(o.event(core.EventStabilityUnstable, d.Version, err.Error()))
		o.mu.Unlock()
		logger.Warn("Update is unstable", "error", err)
		o.escalate(ctx, d.Version, cfg, err.Error())
		return
	}

	o.mu.Lock()
	o.emit(o.event(core.EventStabilityStable, d.Version, ""))
	o.fireLocked(EventStable)
	o.mu.Unlock()

	o.cleanupArtifacts(d.Version)
	retention := time.Duration(cfg.BackupRetentionDays) * 24 * time.Hour
	if n, err := o.deps.Backups.Sweep(retention); err != nil {
		logger.Warn("Snapshot sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("Old snapshots removed", "count", n)
	}

	o.mu.Lock()
	o.state.LastFailure = nil
	o.fireLocked(EventFinish)
	o.mu.Unlock()

	metrics.PipelineTotal.WithLabelValues(model.OutcomeSucceeded).Inc()
	metrics.PipelineDuration.Observe(o.deps.Clock.Since(started).Seconds())
	logger.Info("Update committed", "from", from, "took", o.deps.Clock.Since(started).Round(time.Second))
}

// escalate handles an install that may have changed the live tree: roll
// back when allowed, otherwise wait for the operator in UNSTABLE.
func (o *Orchestrator) escalate(ctx context.Context, failed string, cfg model.Configuration, reason string) {
	o.mu.Lock()
	if cfg.RollbackAutomatic {
		o.fireLocked(EventRollback, triggerAutomatic)
		o.mu.Unlock()
		o.rollback(ctx, failed, reason)
		return
	}
	defer o.mu.Unlock()
	o.state.Unstable = true
	o.fireLocked(EventUnstable)
	metrics.PipelineTotal.WithLabelValues("unstable").Inc()
	o.log.Warn("Automatic rollback disabled, waiting for operator", "version", failed)
}

// rollback restores the newest snapshot. It runs in ROLLING_BACK and is
// never retried: a failure parks the orchestrator in ROLLBACK_FAILED.
func (o *Orchestrator) rollback(ctx context.Context, failed, reason string) {
	o.mu.Lock()
	o.emit(o.event(core.EventRollbackStarted, failed, reason))
	o.mu.Unlock()
	o.log.Info("Rolling back", "from", failed, "reason", reason)

	snap, err := o.deps.Backups.RestoreLatest(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	if err != nil {
		var rbErr *core.RollbackError
		if !errors.As(err, &rbErr) {
			err = core.NewRollbackError("restore failed", err)
		}
		metrics.RollbacksTotal.WithLabelValues("failed").Inc()
		metrics.PipelineTotal.WithLabelValues(model.OutcomeFailed).Inc()
		o.state.LastFailure = o.failure(err, core.KindRollback)
		o.emit(o.event(core.EventRollbackFailed, failed, err.Error()))
		o.fireLocked(EventRollbackErr)
		o.log.Error(err, "Rollback failed, operator intervention required", "from", failed)
		return
	}

	if o.state.CurrentVersion != snap.Version {
		o.state.PreviousVersion = o.state.CurrentVersion
	}
	o.state.CurrentVersion = snap.Version
	o.state.Unstable = false
	o.pruneSupersededLocked()
	metrics.RollbacksTotal.WithLabelValues("succeeded").Inc()
	metrics.PipelineTotal.WithLabelValues("rolled_back").Inc()
	o.emit(o.event(core.EventRollbackCompleted, snap.Version, reason).
		With(core.DataFromVersion, failed).
		With(core.DataSnapshot, snap.ID))
	o.fireLocked(EventRolledBack)
	o.fireLocked(EventFinish)
	o.log.Info("Rollback completed", "from", failed, "to", snap.Version, "snapshot", snap.ID)
}

// abort ends a pipeline that failed before any live file changed.
func (o *Orchestrator) abort(d model.UpdateDescriptor, t core.EventType, err error, kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state.LastFailure = o.failure(err, kind)
	o.emit(o.event(t, d.Version, err.Error()))
	o.fireLocked(EventFail)
	metrics.PipelineTotal.WithLabelValues(model.OutcomeFailed).Inc()
	o.log.Error(err, "Update pipeline aborted", "version", d.Version, "kind", o.state.LastFailure.Kind)
}

func (o *Orchestrator) mirror(snap *model.Snapshot) {
	if o.deps.Mirror == nil {
		return
	}
	o.goTracked(func(ctx context.Context) {
		err := o.deps.Mirror.Upload(ctx, snap)

		o.mu.Lock()
		defer o.mu.Unlock()
		if err != nil {
			o.log.Warn("Snapshot mirror upload failed", "snapshot", snap.ID, "error", err)
			o.emit(o.event(core.EventBackupFailed, snap.Version, "mirror: "+err.Error()).With(core.DataSnapshot, snap.ID))
			return
		}
		o.emit(o.event(core.EventBackupMirrored, snap.Version, "").With(core.DataSnapshot, snap.ID))
	})
}

func (o *Orchestrator) markInstalledLocked(version string, at time.Time) {
	o.installed[version] = true
	for i := range o.state.Pending {
		d := &o.state.Pending[i]
		if d.Version != version {
			continue
		}
		d.MarkInstalled(at)
		if err := o.deps.History.SaveDescriptor(*d); err != nil {
			o.log.Error(err, "Failed to record installed descriptor", "version", version)
		}
	}
	o.pruneSupersededLocked()
}

func (o *Orchestrator) cleanupArtifacts(version string) {
	if err := o.deps.Fetcher.Cleanup(version); err != nil {
		o.log.Warn("Failed to remove downloaded package", "version", version, "error", err)
	}
	if err := o.deps.Installer.Cleanup(version); err != nil {
		o.log.Warn("Failed to remove staging directory", "version", version, "error", err)
	}
}

// fireLocked applies an internal transition. A refused transition here is
// a programming error; it is logged rather than propagated.
func (o *Orchestrator) fireLocked(event string, args ...any) {
	if err := o.machine.fire(event, args...); err != nil {
		o.log.Error(err, "Invalid phase transition", "event", event, "phase", o.machine.Phase())
	}
}
