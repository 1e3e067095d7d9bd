package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autopeer-io/updater/internal/pkg/fsutil"
	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
)

var _ core.Installer = (*Installer)(nil)

// Installer extracts packages into isolation and applies them to the live tree.
type Installer struct {
	stagingRoot   string
	installRoot   string
	scriptTimeout time.Duration
	maxOutput     int
	log           log.Logger
}

// New returns an Installer staging under stagingRoot and installing into installRoot.
func New(stagingRoot, installRoot string, scriptTimeout time.Duration) *Installer {
	if scriptTimeout <= 0 {
		scriptTimeout = 5 * time.Minute
	}
	return &Installer{
		stagingRoot:   stagingRoot,
		installRoot:   installRoot,
		scriptTimeout: scriptTimeout,
		maxOutput:     64 << 10,
		log:           log.WithName("installer"),
	}
}

// StagingDir returns where version is extracted.
func (i *Installer) StagingDir(version string) string {
	return filepath.Join(i.stagingRoot, version)
}

// Install implements core.Installer.
//
// Errors wrapping core.ErrCorruptPackage are raised before the live tree is
// touched. Any other error may leave it partially updated.
func (i *Installer) Install(ctx context.Context, archivePath string, d model.UpdateDescriptor) error {
	staging := i.StagingDir(d.Version)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("reset staging: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging: %w", err)
	}

	if err := extract(ctx, archivePath, staging); err != nil {
		return err
	}
	i.log.Info("Package extracted", "version", d.Version, "staging", staging)

	if script := findScript(staging); script != "" {
		return i.runScript(ctx, script, staging, d)
	}

	m, name, err := loadManifest(staging)
	if err != nil {
		return err
	}
	if m != nil {
		i.log.Info("Applying manifest", "manifest", name, "entries", len(m.Files))
		return i.applyManifest(ctx, staging, m)
	}

	i.log.Warn("Package has neither install procedure nor manifest, copying the whole tree", "version", d.Version)
	return fsutil.CopyTree(ctx, staging, i.installRoot, nil)
}

// Cleanup implements core.Installer.
func (i *Installer) Cleanup(version string) error {
	err := os.RemoveAll(i.StagingDir(version))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
