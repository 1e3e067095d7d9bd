package options

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/blang/semver/v4"
	"github.com/spf13/pflag"
)

var _ IOptions = (*UpdaterOptions)(nil)

// UpdaterOptions describes the installation the daemon governs.
type UpdaterOptions struct {
	// Instance names this deployment in events and MQTT topics.
	Instance string `json:"instance" mapstructure:"instance"`

	// DataDir holds downloads, staging, snapshots, history and updater.yaml.
	DataDir string `json:"data-dir" mapstructure:"data-dir"`

	// InstallDir is the live installation root.
	InstallDir string `json:"install-dir" mapstructure:"install-dir"`

	// CriticalPaths are snapshotted before every update, relative to InstallDir.
	CriticalPaths []string `json:"critical-paths" mapstructure:"critical-paths"`

	CurrentVersion string `json:"current-version" mapstructure:"current-version"`
	RuntimeVersion string `json:"runtime-version" mapstructure:"runtime-version"`
	Platform       string `json:"platform" mapstructure:"platform"`

	DownloadTimeout      time.Duration `json:"download-timeout" mapstructure:"download-timeout"`
	InstallScriptTimeout time.Duration `json:"install-script-timeout" mapstructure:"install-script-timeout"`
}

// NewUpdaterOptions creates an UpdaterOptions object with default parameters.
func NewUpdaterOptions() *UpdaterOptions {
	host, _ := os.Hostname()

	return &UpdaterOptions{
		Instance:             host,
		DataDir:              "/var/lib/cpeer-updater",
		InstallDir:           "/opt/app",
		CriticalPaths:        []string{"server", "config"},
		CurrentVersion:       "0.0.0",
		RuntimeVersion:       strings.TrimPrefix(runtime.Version(), "go"),
		Platform:             runtime.GOOS + "/" + runtime.GOARCH,
		DownloadTimeout:      10 * time.Minute,
		InstallScriptTimeout: 5 * time.Minute,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *UpdaterOptions) Validate() []error {
	var errs []error

	if o.Instance == "" {
		errs = append(errs, fmt.Errorf("--instance must not be empty"))
	}
	if !filepath.IsAbs(o.DataDir) {
		errs = append(errs, fmt.Errorf("--data-dir must be an absolute path, got %q", o.DataDir))
	}
	if !filepath.IsAbs(o.InstallDir) {
		errs = append(errs, fmt.Errorf("--install-dir must be an absolute path, got %q", o.InstallDir))
	}
	if len(o.CriticalPaths) == 0 {
		errs = append(errs, fmt.Errorf("--critical-paths must name at least one path"))
	}
	for _, p := range o.CriticalPaths {
		if filepath.IsAbs(p) || strings.HasPrefix(filepath.Clean(p), "..") {
			errs = append(errs, fmt.Errorf("critical path %q must be relative to --install-dir", p))
		}
	}
	if _, err := semver.ParseTolerant(o.CurrentVersion); err != nil {
		errs = append(errs, fmt.Errorf("--current-version: %w", err))
	}
	if o.DownloadTimeout <= 0 || o.InstallScriptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--download-timeout and --install-script-timeout must be positive"))
	}

	return errs
}

// AddFlags adds flags related to the governed installation to the specified FlagSet.
func (o *UpdaterOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Instance, "instance", o.Instance, "Name of this deployment in events and topics.")
	fs.StringVar(&o.DataDir, "data-dir", o.DataDir, "Directory owned by the updater for downloads, staging, snapshots and history.")
	fs.StringVar(&o.InstallDir, "install-dir", o.InstallDir, "Root of the live installation.")
	fs.StringSliceVar(&o.CriticalPaths, "critical-paths", o.CriticalPaths, "Paths under --install-dir captured in every pre-update snapshot.")
	fs.StringVar(&o.CurrentVersion, "current-version", o.CurrentVersion, "Version of the installation at startup.")
	fs.StringVar(&o.RuntimeVersion, "runtime-version", o.RuntimeVersion, "Runtime version matched against package constraints.")
	fs.StringVar(&o.Platform, "platform", o.Platform, "Platform reported to the distribution endpoint (os/arch).")
	fs.DurationVar(&o.DownloadTimeout, "download-timeout", o.DownloadTimeout, "Upper bound for a single package download.")
	fs.DurationVar(&o.InstallScriptTimeout, "install-script-timeout", o.InstallScriptTimeout, "Upper bound for a bundled install procedure.")
}
