package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/updater/internal/pkg/fsutil/fsutiltest"
	"github.com/autopeer-io/updater/internal/updater/core"
)

var start = time.Date(2026, 3, 14, 3, 0, 0, 0, time.UTC)

type fixture struct {
	root    string
	backups string
	clock   *testingclock.FakeClock
	mgr     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		root:    filepath.Join(dir, "app"),
		backups: filepath.Join(dir, "data", "backup-updates"),
		clock:   testingclock.NewFakeClock(start),
	}
	f.write(t, "server/app.bin", "v2.0.14")
	f.write(t, "server/lib/core.so", "core-1")
	f.write(t, "config/app.yaml", "port: 8080")
	require.NoError(t, os.Symlink("app.bin", filepath.Join(f.root, "server", "current")))

	f.mgr = NewManager(f.root, []string{"server", "config", "static"}, f.backups, f.clock)
	return f
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := fsutiltest.Snapshot(f.root)
	require.NoError(t, err)

	snap, err := f.mgr.Snapshot(ctx, "2.0.14")
	require.NoError(t, err)
	assert.Equal(t, "2.0.14", snap.Version)
	assert.Equal(t, map[string]bool{"server": true, "config": true, "static": false}, snap.Existed)
	assert.Greater(t, snap.Size, int64(0))

	// Simulate an install that rewrote, added and removed files.
	f.write(t, "server/app.bin", "v2.1.0")
	f.write(t, "server/new.bin", "new")
	f.write(t, "static/index.html", "<html>")
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "server", "lib")))

	restored, err := f.mgr.RestoreLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, restored.ID)

	after, err := fsutiltest.Snapshot(f.root)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(filepath.Join(f.backups, "rollback"))
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	f := newFixture(t)

	before, err := fsutiltest.Snapshot(f.root)
	require.NoError(t, err)

	_, err = f.mgr.RestoreLatest(context.Background())

	var re *core.RollbackError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "no backup available", re.Reason)

	after, err := fsutiltest.Snapshot(f.root)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = os.Stat(f.backups)
	assert.True(t, os.IsNotExist(err), "nothing may be written")
}

func TestRestorePicksNewestByCreationTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Snapshot(ctx, "2.0.13")
	require.NoError(t, err)

	f.clock.Step(time.Hour)
	f.write(t, "server/app.bin", "v2.0.14-hotfix")
	newest, err := f.mgr.Snapshot(ctx, "2.0.14")
	require.NoError(t, err)

	latest, err := f.mgr.Latest()
	require.NoError(t, err)
	assert.Equal(t, newest.ID, latest.ID)

	f.write(t, "server/app.bin", "v2.1.0")
	_, err = f.mgr.RestoreLatest(ctx)
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(f.root, "server", "app.bin"))
	require.NoError(t, err)
	assert.Equal(t, "v2.0.14-hotfix", string(b))
}

func TestListIgnoresIncompleteSnapshots(t *testing.T) {
	f := newFixture(t)

	snap, err := f.mgr.Snapshot(context.Background(), "2.0.14")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(f.backups, "pre-update", "orphan.tar.zst.part"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(f.backups, "pre-update", "broken.json"), []byte("{"), 0o600))

	list, err := f.mgr.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, snap.ID, list[0].ID)
}

func TestSweepKeepsNewest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for _, v := range []string{"2.0.12", "2.0.13", "2.0.14"} {
		snap, err := f.mgr.Snapshot(ctx, v)
		require.NoError(t, err)
		ids = append(ids, snap.ID)
		f.clock.Step(24 * time.Hour)
	}

	// Every snapshot is now older than a one-hour retention.
	f.clock.Step(30 * 24 * time.Hour)
	deleted, err := f.mgr.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	list, err := f.mgr.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ids[2], list[0].ID)
}

func TestSweepRespectsRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Snapshot(ctx, "2.0.13")
	require.NoError(t, err)
	f.clock.Step(10 * 24 * time.Hour)
	_, err = f.mgr.Snapshot(ctx, "2.0.14")
	require.NoError(t, err)
	f.clock.Step(24 * time.Hour)

	deleted, err := f.mgr.Sweep(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	deleted, err = f.mgr.Sweep(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSnapshotHonoursCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.mgr.Snapshot(ctx, "2.0.14")
	assert.ErrorIs(t, err, context.Canceled)

	list, err := f.mgr.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestObjectKey(t *testing.T) {
	f := newFixture(t)
	snap, err := f.mgr.Snapshot(context.Background(), "2.0.14")
	require.NoError(t, err)
	assert.Equal(t, "snapshots/"+snap.ID+".tar.zst", ObjectKey(snap))
}
