package core

import (
	"context"
	"time"

	"github.com/autopeer-io/updater/internal/updater/core/model"
)

// ProgressFunc receives download progress. total is -1 when unknown.
type ProgressFunc func(written, total int64)

// VersionResolver asks the distribution endpoints for a newer release.
type VersionResolver interface {
	// Check returns nil, nil when there is no newer release. When every
	// endpoint fails it returns a *NetworkError, and a candidate that fails a
	// constraint yields an *IncompatibleUpdateError; the descriptor is nil in
	// both cases.
	Check(ctx context.Context, currentVersion, platform string) (*model.UpdateDescriptor, error)
}

// Fetcher downloads packages into the staging area.
type Fetcher interface {
	Fetch(ctx context.Context, d model.UpdateDescriptor, progress ProgressFunc) (string, error)

	// Cleanup removes the downloaded package of version.
	Cleanup(version string) error
}

// VerifyPolicy is the integrity policy in force for one pipeline run.
type VerifyPolicy struct {
	Enabled         bool
	RequireChecksum bool
}

// Verifier checks a downloaded package against its advertised digest.
type Verifier interface {
	Verify(ctx context.Context, path, expected string, policy VerifyPolicy) error
}

// BackupManager owns the pre-update snapshots.
type BackupManager interface {
	Snapshot(ctx context.Context, version string) (*model.Snapshot, error)

	// RestoreLatest restores the newest snapshot. With none present it
	// returns a *RollbackError and writes nothing.
	RestoreLatest(ctx context.Context) (*model.Snapshot, error)

	// Latest returns nil, nil when no snapshot exists.
	Latest() (*model.Snapshot, error)

	// Sweep deletes snapshots older than retention but keeps the newest.
	Sweep(retention time.Duration) (int, error)
}

// Installer applies an extracted package to the live tree.
type Installer interface {
	Install(ctx context.Context, archivePath string, d model.UpdateDescriptor) error

	// Cleanup removes the staging directory of version.
	Cleanup(version string) error
}

// StabilityMonitor decides whether a fresh install is healthy.
type StabilityMonitor interface {
	// Await waits grace, then probes. A nil error means stable.
	Await(ctx context.Context, grace time.Duration) error
}

// ConfigStore persists the orchestrator configuration.
type ConfigStore interface {
	Load() (model.Configuration, error)
	Save(cfg model.Configuration) error

	// Validate returns a *ConfigValidationError for a malformed configuration.
	Validate(cfg model.Configuration) error
}

// HistoryStore is the durable audit trail.
type HistoryStore interface {
	Append(rec model.HistoryRecord) error
	List(limit int) ([]model.HistoryRecord, error)
	SaveDescriptor(d model.UpdateDescriptor) error
}

// Publisher fans events out to subscribers. Publish never blocks.
type Publisher interface {
	Publish(e Event)
}

// Rescheduler rebuilds time-based triggers after a configuration change.
// Reschedule waits for running triggers, so callers must not hold a lock
// those triggers take.
type Rescheduler interface {
	Reschedule(cfg model.Configuration) error
}

// SnapshotMirror copies snapshots off the host. Failures never fail a pipeline.
type SnapshotMirror interface {
	Upload(ctx context.Context, snap *model.Snapshot) error
}
