package core

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Failure kinds reported in State.LastFailure.
const (
	KindNetwork      = "network"
	KindIncompatible = "incompatible"
	KindIntegrity    = "integrity"
	KindInstall      = "install"
	KindRollback     = "rollback"
	KindDisk         = "disk"
	KindConfig       = "config"
	KindBackup       = "backup"
	KindUnstable     = "unstable"
)

var (
	// ErrBusy is returned when a pipeline step is already running.
	ErrBusy = errors.New("an update operation is already in progress")

	// ErrNotFound is returned for an unknown version.
	ErrNotFound = errors.New("not found")

	// ErrOperatorRequired is returned while the orchestrator waits for an
	// operator to resolve an unstable install or a failed rollback.
	ErrOperatorRequired = errors.New("operator intervention required")

	// ErrNothingToResolve is returned by Resolve outside the operator phases.
	ErrNothingToResolve = errors.New("nothing to resolve")

	// ErrCorruptPackage marks an archive that could not be extracted.
	// Nothing in the live tree has been touched when it is returned.
	ErrCorruptPackage = errors.New("corrupt update package")
)

// KindedError is implemented by every error of the update taxonomy.
type KindedError interface {
	error
	Kind() string
}

// NetworkError means an endpoint or download URL was unreachable or answered badly.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}
func (e *NetworkError) Unwrap() error { return e.Err }
func (e *NetworkError) Kind() string  { return KindNetwork }

// IncompatibleUpdateError names the constraint a candidate failed.
type IncompatibleUpdateError struct {
	Version    string
	Constraint string
	Reason     string
}

func (e *IncompatibleUpdateError) Error() string {
	return fmt.Sprintf("version %s is incompatible (%s): %s", e.Version, e.Constraint, e.Reason)
}
func (e *IncompatibleUpdateError) Kind() string { return KindIncompatible }

// IntegrityError is a digest mismatch or a missing required digest.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("integrity check failed for %s: no checksum advertised", e.Path)
	}
	return fmt.Sprintf("integrity check failed for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}
func (e *IntegrityError) Kind() string { return KindIntegrity }

// InstallScriptError reports a failed bundled install procedure.
type InstallScriptError struct {
	Script   string
	ExitCode int
	Output   string
	Err      error
}

func (e *InstallScriptError) Error() string {
	msg := fmt.Sprintf("install procedure %s failed with exit code %d", e.Script, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + lastLine(out)
	}
	return msg
}
func (e *InstallScriptError) Unwrap() error { return e.Err }
func (e *InstallScriptError) Kind() string  { return KindInstall }

// RollbackError is terminal: no snapshot exists or the restore failed.
type RollbackError struct {
	Reason string
	Err    error
}

// NewRollbackError returns a RollbackError with the given reason.
func NewRollbackError(reason string, err error) *RollbackError {
	return &RollbackError{Reason: reason, Err: err}
}

func (e *RollbackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rollback failed: %s: %v", e.Reason, e.Err)
	}
	return "rollback failed: " + e.Reason
}
func (e *RollbackError) Unwrap() error { return e.Err }
func (e *RollbackError) Kind() string  { return KindRollback }

// DiskSpaceError means the data directory cannot hold the package.
type DiskSpaceError struct {
	Path      string
	Required  uint64
	Available uint64
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: %d bytes required, %d available", e.Path, e.Required, e.Available)
}
func (e *DiskSpaceError) Kind() string { return KindDisk }

// ConfigValidationError lists the rejected fields of a configuration update.
type ConfigValidationError struct {
	Fields map[string]string
}

func (e *ConfigValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	slices.Sort(parts)
	return "invalid configuration: " + strings.Join(parts, "; ")
}
func (e *ConfigValidationError) Kind() string { return KindConfig }

// KindOf returns the failure kind of err, or "" when it is not part of the taxonomy.
func KindOf(err error) string {
	var k KindedError
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
