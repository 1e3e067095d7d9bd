package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/updater/internal/pkg/fsutil"
	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
)

const (
	archiveExt = ".tar.zst"
	sidecarExt = ".json"
	partExt    = ".part"
)

var _ core.BackupManager = (*Manager)(nil)

// Manager owns pre-update snapshots of the critical paths.
type Manager struct {
	installRoot string
	paths       []string

	// snapshotDir holds <id>.tar.zst and <id>.json.
	snapshotDir string
	// scratchDir holds extracted snapshots during a restore.
	scratchDir string

	clock clock.PassiveClock
	log   log.Logger
}

// NewManager returns a Manager snapshotting paths (relative to installRoot)
// into backupRoot/pre-update, restoring through backupRoot/rollback.
func NewManager(installRoot string, paths []string, backupRoot string, clk clock.PassiveClock) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{
		installRoot: installRoot,
		paths:       append([]string(nil), paths...),
		snapshotDir: filepath.Join(backupRoot, "pre-update"),
		scratchDir:  filepath.Join(backupRoot, "rollback"),
		clock:       clk,
		log:         log.WithName("backup"),
	}
}

// Snapshot implements core.BackupManager.
func (m *Manager) Snapshot(ctx context.Context, version string) (*model.Snapshot, error) {
	if err := os.MkdirAll(m.snapshotDir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	now := m.clock.Now().UTC()
	id := now.Format("20060102T150405Z") + "-" + strings.Split(uuid.NewString(), "-")[0]

	archive := filepath.Join(m.snapshotDir, id+archiveExt)
	existed, err := writeArchive(ctx, m.installRoot, m.paths, archive+partExt)
	if err != nil {
		_ = os.Remove(archive + partExt)
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(archive+partExt, archive); err != nil {
		_ = os.Remove(archive + partExt)
		return nil, err
	}

	info, err := os.Stat(archive)
	if err != nil {
		return nil, err
	}

	snap := &model.Snapshot{
		ID:        id,
		Version:   version,
		CreatedAt: now,
		Path:      archive,
		Paths:     append([]string(nil), m.paths...),
		Existed:   existed,
		Size:      info.Size(),
	}

	// The sidecar is written last; a snapshot without one is ignored.
	if err := m.writeSidecar(snap); err != nil {
		_ = os.Remove(archive)
		return nil, err
	}

	m.log.Info("Snapshot created", "id", id, "version", version, "size", humanize.IBytes(uint64(snap.Size)))
	return snap, nil
}

func (m *Manager) writeSidecar(snap *model.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.snapshotDir, snap.ID+sidecarExt)
	if err := os.WriteFile(path+partExt, data, 0o600); err != nil {
		return err
	}
	return os.Rename(path+partExt, path)
}

// List returns complete snapshots, newest first.
func (m *Manager) List() ([]model.Snapshot, error) {
	entries, err := os.ReadDir(m.snapshotDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []model.Snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), sidecarExt) {
			continue
		}
		snap, err := m.readSidecar(filepath.Join(m.snapshotDir, e.Name()))
		if err != nil {
			m.log.Warn("Skipping unreadable snapshot", "file", e.Name(), "error", err)
			continue
		}
		if ok, _ := fsutil.Exists(snap.Path); !ok {
			m.log.Warn("Skipping snapshot with missing archive", "id", snap.ID)
			continue
		}
		out = append(out, *snap)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Manager) readSidecar(path string) (*model.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	// Trust the directory over the recorded path so the data dir can move.
	snap.Path = filepath.Join(m.snapshotDir, snap.ID+archiveExt)
	return &snap, nil
}

// Latest implements core.BackupManager.
func (m *Manager) Latest() (*model.Snapshot, error) {
	list, err := m.List()
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// Sweep implements core.BackupManager.
func (m *Manager) Sweep(retention time.Duration) (int, error) {
	list, err := m.List()
	if err != nil {
		return 0, err
	}

	cutoff := m.clock.Now().Add(-retention)
	deleted := 0
	var errs []error
	for i, snap := range list {
		if i == 0 || !snap.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.remove(snap.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
		m.log.Info("Snapshot expired", "id", snap.ID, "createdAt", snap.CreatedAt)
	}

	if err := os.RemoveAll(m.scratchDir); err != nil {
		errs = append(errs, err)
	}
	return deleted, errors.Join(errs...)
}

func (m *Manager) remove(id string) error {
	// Sidecar first so a half-removed snapshot is never listed.
	if err := os.Remove(filepath.Join(m.snapshotDir, id+sidecarExt)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(filepath.Join(m.snapshotDir, id+archiveExt)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
