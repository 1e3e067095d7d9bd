package installer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/autopeer-io/updater/internal/pkg/fsutil"
	"github.com/autopeer-io/updater/internal/updater/core"
)

// manifestNames are looked up at the staging root in order.
var manifestNames = []string{"manifest.json", "manifest.yaml", "manifest.yml"}

// Manifest lists the files a package installs.
type Manifest struct {
	Files []ManifestEntry `json:"files" yaml:"files"`
}

// ManifestEntry is one file or directory to copy into the install root.
type ManifestEntry struct {
	Path string `json:"path" yaml:"path"`
	// Permissions is an octal mode such as "0755". Empty keeps the packaged mode.
	Permissions string `json:"permissions,omitempty" yaml:"permissions"`
}

// Mode parses Permissions.
func (e ManifestEntry) Mode() (fs.FileMode, bool, error) {
	p := strings.TrimSpace(e.Permissions)
	if p == "" {
		return 0, false, nil
	}
	p = strings.TrimPrefix(strings.TrimPrefix(p, "0o"), "0O")
	m, err := strconv.ParseUint(p, 8, 32)
	if err != nil {
		return 0, false, fmt.Errorf("invalid permissions %q for %s", e.Permissions, e.Path)
	}
	if m > 0o7777 {
		return 0, false, fmt.Errorf("permissions %q out of range for %s", e.Permissions, e.Path)
	}
	return fs.FileMode(m), true, nil
}

// loadManifest reads the first manifest present in dir. JSON parses as YAML,
// so one decoder serves both. It returns nil, "" when there is none.
func loadManifest(dir string) (*Manifest, string, error) {
	for _, name := range manifestNames {
		path, err := fsutil.SafeJoin(dir, name)
		if err != nil {
			return nil, "", err
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}

		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, "", fmt.Errorf("%w: %s: %v", core.ErrCorruptPackage, name, err)
		}
		if len(m.Files) == 0 {
			return nil, "", fmt.Errorf("%w: %s lists no files", core.ErrCorruptPackage, name)
		}
		for _, f := range m.Files {
			if _, _, err := f.Mode(); err != nil {
				return nil, "", fmt.Errorf("%w: %v", core.ErrCorruptPackage, err)
			}
		}
		return &m, name, nil
	}
	return nil, "", nil
}

// applyManifest copies every listed entry from staging into the install root.
// All entries are resolved before anything is copied.
func (i *Installer) applyManifest(ctx context.Context, staging string, m *Manifest) error {
	type op struct {
		src, dst string
		mode     fs.FileMode
		hasMode  bool
		dir      bool
	}

	ops := make([]op, 0, len(m.Files))
	for _, f := range m.Files {
		src, err := fsutil.SafeJoin(staging, f.Path)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrCorruptPackage, err)
		}
		dst, err := fsutil.SafeJoin(i.installRoot, f.Path)
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrCorruptPackage, err)
		}
		info, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("%w: manifest entry %s: %v", core.ErrCorruptPackage, f.Path, err)
		}
		mode, hasMode, _ := f.Mode()
		if !hasMode {
			mode = info.Mode().Perm()
		}
		ops = append(ops, op{src: src, dst: dst, mode: mode, hasMode: hasMode, dir: info.IsDir()})
	}

	for _, o := range ops {
		if o.dir {
			if err := fsutil.CopyTree(ctx, o.src, o.dst, nil); err != nil {
				return err
			}
			if o.hasMode {
				if err := os.Chmod(o.dst, o.mode|fs.ModeDir); err != nil {
					return err
				}
			}
			continue
		}
		if err := fsutil.CopyFile(ctx, o.src, o.dst, o.mode); err != nil {
			return err
		}
		i.log.Debug("Installed file", "path", o.dst, "mode", o.mode.String())
	}
	return nil
}
