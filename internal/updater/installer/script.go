package installer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
)

// scriptNames are the install procedures recognised at the staging root.
var scriptNames = []string{"install.sh", "install"}

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

func findScript(dir string) string {
	for _, name := range scriptNames {
		p := filepath.Join(dir, name)
		if info, err := os.Lstat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// runScript runs the bundled procedure with a deadline, the staging
// directory as working directory, a minimal environment, no stdin and
// captured output. Its exit status is authoritative.
func (i *Installer) runScript(ctx context.Context, script, staging string, d model.UpdateDescriptor) error {
	ctx, cancel := context.WithTimeout(ctx, i.scriptTimeout)
	defer cancel()

	name, args := script, []string(nil)
	if info, err := os.Stat(script); err == nil && info.Mode().Perm()&0o111 == 0 {
		// Archivers often drop the executable bit.
		name, args = "/bin/sh", []string{script}
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = staging
	cmd.Env = []string{
		"PATH=" + defaultPath,
		"UPDATE_VERSION=" + d.Version,
		"UPDATE_INSTALL_PATH=" + i.installRoot,
		"UPDATE_STAGING_PATH=" + staging,
	}
	out := &boundedBuffer{max: i.maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	i.log.Info("Running install procedure", "script", filepath.Base(script), "version", d.Version, "timeout", i.scriptTimeout)
	err := cmd.Run()
	output := out.String()

	if err == nil {
		i.log.Debug("Install procedure finished", "output", output)
		return nil
	}

	scriptErr := &core.InstallScriptError{Script: filepath.Base(script), ExitCode: -1, Output: output}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		scriptErr.Err = ctx.Err()
	case errors.As(err, &exitErr):
		scriptErr.ExitCode = exitErr.ExitCode()
	default:
		scriptErr.Err = err
	}

	i.log.Error(scriptErr, "Install procedure failed", "output", output)
	return scriptErr
}

// boundedBuffer keeps the first max bytes written to it.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
