package resolver

import (
	"fmt"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/dustin/go-humanize"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
)

// compatible checks every constraint and reports the first one that fails.
func (r *Resolver) compatible(version, platform string, c model.Compatibility) error {
	incompatible := func(constraint, format string, args ...any) error {
		return &core.IncompatibleUpdateError{
			Version:    version,
			Constraint: constraint,
			Reason:     fmt.Sprintf(format, args...),
		}
	}

	if c.MinRuntimeVersion != "" || c.RuntimeRange != "" {
		runtime, err := semver.ParseTolerant(r.cfg.RuntimeVersion)
		if err != nil {
			return incompatible("runtime", "runtime version %q is not a semantic version", r.cfg.RuntimeVersion)
		}

		if c.MinRuntimeVersion != "" {
			minimum, err := semver.ParseTolerant(c.MinRuntimeVersion)
			if err != nil {
				return incompatible("runtime", "unparseable minRuntimeVersion %q", c.MinRuntimeVersion)
			}
			if runtime.LT(minimum) {
				return incompatible("runtime", "requires runtime >= %s, have %s", minimum, runtime)
			}
		}

		if c.RuntimeRange != "" {
			inRange, err := semver.ParseRange(c.RuntimeRange)
			if err != nil {
				return incompatible("runtime", "unparseable runtimeRange %q", c.RuntimeRange)
			}
			if !inRange(runtime) {
				return incompatible("runtime", "runtime %s outside %q", runtime, c.RuntimeRange)
			}
		}
	}

	if len(c.Platforms) > 0 && !platformAllowed(platform, c.Platforms) {
		return incompatible("platform", "%s not in %s", platform, strings.Join(c.Platforms, ", "))
	}

	if c.RequiredDiskBytes > 0 {
		free, err := r.cfg.FreeBytes(r.cfg.DataDir)
		if err != nil {
			return incompatible("disk", "cannot determine free space: %v", err)
		}
		if free < c.RequiredDiskBytes {
			return incompatible("disk", "requires %s free, have %s",
				humanize.IBytes(c.RequiredDiskBytes), humanize.IBytes(free))
		}
	}

	return nil
}

// platformAllowed matches "os/arch" exactly or "os" against the OS part.
func platformAllowed(platform string, allowed []string) bool {
	osName, _, _ := strings.Cut(platform, "/")
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == strings.ToLower(platform) || (!strings.Contains(a, "/") && a == strings.ToLower(osName)) {
			return true
		}
	}
	return false
}
