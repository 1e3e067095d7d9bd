package backup

import (
	"context"
	"os"
	"path/filepath"

	"github.com/autopeer-io/updater/internal/pkg/fsutil"
	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
)

// RestoreLatest implements core.BackupManager.
//
// The snapshot is first extracted into scratch space. Live paths are then
// replaced one at a time, each removed only right before its restored copy
// is moved in. Paths absent at snapshot time are removed.
func (m *Manager) RestoreLatest(ctx context.Context) (*model.Snapshot, error) {
	snap, err := m.Latest()
	if err != nil {
		return nil, core.NewRollbackError("cannot list snapshots", err)
	}
	if snap == nil {
		return nil, core.NewRollbackError("no backup available", nil)
	}

	m.log.Info("Restoring snapshot", "id", snap.ID, "version", snap.Version)

	scratch := filepath.Join(m.scratchDir, snap.ID)
	if err := os.RemoveAll(scratch); err != nil {
		return nil, core.NewRollbackError("cannot prepare scratch space", err)
	}
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, core.NewRollbackError("cannot prepare scratch space", err)
	}
	defer os.RemoveAll(scratch)

	if err := extractArchive(ctx, snap.Path, scratch); err != nil {
		return nil, core.NewRollbackError("cannot extract snapshot "+snap.ID, err)
	}

	for _, p := range snap.Paths {
		if err := ctx.Err(); err != nil {
			return nil, core.NewRollbackError("restore interrupted", err)
		}

		live := filepath.Join(m.installRoot, p)
		if err := os.RemoveAll(live); err != nil {
			return nil, core.NewRollbackError("cannot remove "+p, err)
		}
		if !snap.Existed[p] {
			m.log.Debug("Removed path absent from snapshot", "path", p)
			continue
		}
		if err := fsutil.Move(ctx, filepath.Join(scratch, p), live); err != nil {
			return nil, core.NewRollbackError("cannot restore "+p, err)
		}
		m.log.Debug("Restored path", "path", p)
	}

	m.log.Info("Snapshot restored", "id", snap.ID, "version", snap.Version)
	return snap, nil
}
