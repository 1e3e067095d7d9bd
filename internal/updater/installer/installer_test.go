package installer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopeer-io/updater/internal/pkg/fsutil/fsutiltest"
	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/internal/updater/installer/installertest"
)

type env struct {
	dir     string
	live    string
	inst    *Installer
	release model.UpdateDescriptor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		dir:     dir,
		live:    filepath.Join(dir, "app"),
		release: model.UpdateDescriptor{Version: "2.1.0"},
	}
	require.NoError(t, os.MkdirAll(filepath.Join(e.live, "server"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.live, "server", "app.bin"), []byte("v2.0.14"), 0o755))
	e.inst = New(filepath.Join(dir, "staging"), e.live, 5*time.Second)
	return e
}

func (e *env) pkg(t *testing.T, files map[string]installertest.File) string {
	t.Helper()
	p := filepath.Join(e.dir, "2.1.0.zip")
	installertest.WriteZip(t, p, files)
	return p
}

func (e *env) read(t *testing.T, rel string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(e.live, rel))
	require.NoError(t, err)
	return string(b)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("install procedures need a POSIX shell")
	}
}

func TestInstallCopiesWholeTree(t *testing.T) {
	e := newEnv(t)
	archive := e.pkg(t, map[string]installertest.File{
		"server/app.bin":  {Content: "v2.1.0", Mode: 0o755},
		"config/app.yaml": {Content: "port: 9090"},
	})

	require.NoError(t, e.inst.Install(context.Background(), archive, e.release))

	assert.Equal(t, "v2.1.0", e.read(t, "server/app.bin"))
	assert.Equal(t, "port: 9090", e.read(t, "config/app.yaml"))
}

func TestInstallAppliesManifest(t *testing.T) {
	e := newEnv(t)
	archive := e.pkg(t, map[string]installertest.File{
		"manifest.yaml":  {Content: "files:\n  - path: server/app.bin\n    permissions: \"0750\"\n  - path: static\n"},
		"server/app.bin": {Content: "v2.1.0"},
		"static/a.css":   {Content: "body{}"},
		"unlisted.txt":   {Content: "ignored"},
	})

	require.NoError(t, e.inst.Install(context.Background(), archive, e.release))

	assert.Equal(t, "v2.1.0", e.read(t, "server/app.bin"))
	assert.Equal(t, "body{}", e.read(t, "static/a.css"))

	info, err := os.Stat(filepath.Join(e.live, "server", "app.bin"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	_, err = os.Stat(filepath.Join(e.live, "unlisted.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(e.live, "manifest.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestInstallManifestJSON(t *testing.T) {
	e := newEnv(t)
	archive := e.pkg(t, map[string]installertest.File{
		"manifest.json":  {Content: `{"files": [{"path": "server/app.bin", "permissions": "0700"}]}`},
		"server/app.bin": {Content: "v2.1.0"},
	})

	require.NoError(t, e.inst.Install(context.Background(), archive, e.release))
	assert.Equal(t, "v2.1.0", e.read(t, "server/app.bin"))
}

func TestInstallRejectsBadManifestBeforeTouchingLive(t *testing.T) {
	e := newEnv(t)
	archive := e.pkg(t, map[string]installertest.File{
		"manifest.json":  {Content: `{"files": [{"path": "server/app.bin"}, {"path": "missing.bin"}]}`},
		"server/app.bin": {Content: "v2.1.0"},
	})

	err := e.inst.Install(context.Background(), archive, e.release)
	assert.ErrorIs(t, err, core.ErrCorruptPackage)
	assert.Equal(t, "v2.0.14", e.read(t, "server/app.bin"))
}

func TestInstallRunsScript(t *testing.T) {
	requireShell(t)
	e := newEnv(t)
	archive := e.pkg(t, map[string]installertest.File{
		"install.sh": {Content: "#!/bin/sh\nset -e\necho \"installing $UPDATE_VERSION\"\ncp payload.bin \"$UPDATE_INSTALL_PATH/server/app.bin\"\n[ \"$(pwd)\" = \"$UPDATE_STAGING_PATH\" ]\n[ -z \"$HOME\" ]\n", Mode: 0o755},
		"payload.bin": {Content: "v2.1.0"},
	})

	require.NoError(t, e.inst.Install(context.Background(), archive, e.release))
	assert.Equal(t, "v2.1.0", e.read(t, "server/app.bin"))
}

func TestInstallScriptWithoutExecutableBit(t *testing.T) {
	requireShell(t)
	e := newEnv(t)
	archive := e.pkg(t, map[string]installertest.File{
		"install.sh": {Content: "echo v2.1.0 > \"$UPDATE_INSTALL_PATH/server/app.bin\"\n", Mode: 0o644},
	})

	require.NoError(t, e.inst.Install(context.Background(), archive, e.release))
	assert.Equal(t, "v2.1.0\n", e.read(t, "server/app.bin"))
}

func TestInstallScriptFailure(t *testing.T) {
	requireShell(t)
	e := newEnv(t)
	archive := e.pkg(t, map[string]installertest.File{
		"install.sh": {Content: "#!/bin/sh\necho 'migration failed' >&2\nexit 3\n", Mode: 0o755},
	})

	err := e.inst.Install(context.Background(), archive, e.release)

	var se *core.InstallScriptError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, 3, se.ExitCode)
	assert.Contains(t, se.Output, "migration failed")
	assert.Equal(t, core.KindInstall, core.KindOf(err))
}

func TestInstallScriptTimeout(t *testing.T) {
	requireShell(t)
	e := newEnv(t)
	e.inst.scriptTimeout = 200 * time.Millisecond
	archive := e.pkg(t, map[string]installertest.File{
		"install": {Content: "#!/bin/sh\nexec sleep 30\n", Mode: 0o755},
	})

	started := time.Now()
	err := e.inst.Install(context.Background(), archive, e.release)

	var se *core.InstallScriptError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestInstallCorruptArchive(t *testing.T) {
	e := newEnv(t)
	before, err := fsutiltest.Snapshot(e.live)
	require.NoError(t, err)

	archive := filepath.Join(e.dir, "2.1.0.zip")
	require.NoError(t, os.WriteFile(archive, []byte("definitely not a zip"), 0o644))

	err = e.inst.Install(context.Background(), archive, e.release)
	assert.ErrorIs(t, err, core.ErrCorruptPackage)

	after, err := fsutiltest.Snapshot(e.live)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestInstallRejectsPathTraversal(t *testing.T) {
	e := newEnv(t)
	archive := e.pkg(t, map[string]installertest.File{
		"../../escape.txt": {Content: "pwned"},
	})

	err := e.inst.Install(context.Background(), archive, e.release)
	assert.ErrorIs(t, err, core.ErrCorruptPackage)

	_, err = os.Stat(filepath.Join(e.dir, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupRemovesStaging(t *testing.T) {
	e := newEnv(t)
	archive := e.pkg(t, map[string]installertest.File{"server/app.bin": {Content: "v2.1.0"}})
	require.NoError(t, e.inst.Install(context.Background(), archive, e.release))

	require.NoError(t, e.inst.Cleanup("2.1.0"))
	_, err := os.Stat(e.inst.StagingDir("2.1.0"))
	assert.True(t, os.IsNotExist(err))
}

func TestManifestEntryMode(t *testing.T) {
	tests := []struct {
		in      string
		want    os.FileMode
		has     bool
		wantErr bool
	}{
		{"", 0, false, false},
		{"0755", 0o755, true, false},
		{"644", 0o644, true, false},
		{"0o600", 0o600, true, false},
		{"rwx", 0, false, true},
		{"77777", 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, has, err := ManifestEntry{Path: "x", Permissions: tt.in}.Mode()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m)
			assert.Equal(t, tt.has, has)
		})
	}
}

func TestBoundedBuffer(t *testing.T) {
	b := &boundedBuffer{max: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd\n[output truncated]", b.String())
}
