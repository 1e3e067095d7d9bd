package model

import (
	"fmt"
	"time"
)

// MaintenanceWindow is a recurring time-of-day interval in which unattended
// installs are allowed. Start after End means the window crosses midnight.
type MaintenanceWindow struct {
	Start    string `json:"start" yaml:"start" mapstructure:"start" validate:"required,hhmm"`
	End      string `json:"end" yaml:"end" mapstructure:"end" validate:"required,hhmm"`
	Timezone string `json:"timezone" yaml:"timezone" mapstructure:"timezone" validate:"required,timezone"`
}

// Configuration is the persisted orchestrator configuration.
type Configuration struct {
	PrimaryEndpoint       string            `json:"primaryEndpoint" yaml:"primaryEndpoint" mapstructure:"primaryEndpoint" validate:"required,url"`
	FallbackEndpoint      string            `json:"fallbackEndpoint,omitempty" yaml:"fallbackEndpoint" mapstructure:"fallbackEndpoint" validate:"omitempty,url"`
	PollIntervalHours     int               `json:"pollIntervalHours" yaml:"pollIntervalHours" mapstructure:"pollIntervalHours" validate:"min=1,max=168"`
	MaintenanceWindow     MaintenanceWindow `json:"maintenanceWindow" yaml:"maintenanceWindow" mapstructure:"maintenanceWindow"`
	AutoInstall           bool              `json:"autoInstall" yaml:"autoInstall" mapstructure:"autoInstall"`
	BackupBeforeUpdate    bool              `json:"backupBeforeUpdate" yaml:"backupBeforeUpdate" mapstructure:"backupBeforeUpdate"`
	RollbackAutomatic     bool              `json:"rollbackAutomatic" yaml:"rollbackAutomatic" mapstructure:"rollbackAutomatic"`
	StabilityGraceSeconds int               `json:"stabilityGraceSeconds" yaml:"stabilityGraceSeconds" mapstructure:"stabilityGraceSeconds" validate:"min=0,max=86400"`
	VerifyIntegrity       bool              `json:"verifyIntegrity" yaml:"verifyIntegrity" mapstructure:"verifyIntegrity"`
	RequireChecksum       bool              `json:"requireChecksum" yaml:"requireChecksum" mapstructure:"requireChecksum"`
	SilentMode            bool              `json:"silentMode" yaml:"silentMode" mapstructure:"silentMode"`
	BackupRetentionDays   int               `json:"backupRetentionDays" yaml:"backupRetentionDays" mapstructure:"backupRetentionDays" validate:"min=1,max=3650"`
}

// DefaultConfiguration returns the built-in defaults used when nothing is persisted.
func DefaultConfiguration() Configuration {
	return Configuration{
		PrimaryEndpoint:   "https://updates.example.com",
		PollIntervalHours: 6,
		MaintenanceWindow: MaintenanceWindow{
			Start:    "02:00",
			End:      "05:00",
			Timezone: "UTC",
		},
		AutoInstall:           true,
		BackupBeforeUpdate:    true,
		RollbackAutomatic:     true,
		StabilityGraceSeconds: 60,
		VerifyIntegrity:       true,
		BackupRetentionDays:   7,
	}
}

// PollInterval returns the check period as a duration.
func (c Configuration) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalHours) * time.Hour
}

// StabilityGrace returns the post-install wait as a duration.
func (c Configuration) StabilityGrace() time.Duration {
	return time.Duration(c.StabilityGraceSeconds) * time.Second
}

// Endpoints returns the distribution endpoints in the order they are tried.
func (c Configuration) Endpoints() []string {
	eps := []string{c.PrimaryEndpoint}
	if c.FallbackEndpoint != "" {
		eps = append(eps, c.FallbackEndpoint)
	}
	return eps
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location resolves the window timezone. An empty name means UTC.
func (w MaintenanceWindow) Location() (*time.Location, error) {
	if w.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(w.Timezone)
}

// Contains reports whether t falls inside the window, at minute resolution
// and with both ends inclusive.
func (w MaintenanceWindow) Contains(t time.Time) (bool, error) {
	start, err := ParseClock(w.Start)
	if err != nil {
		return false, err
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return false, err
	}
	loc, err := w.Location()
	if err != nil {
		return false, err
	}

	local := t.In(loc)
	now := local.Hour()*60 + local.Minute()

	if start <= end {
		return start <= now && now <= end, nil
	}
	return now >= start || now <= end, nil
}

// NextStart returns the first window opening strictly after t.
func (w MaintenanceWindow) NextStart(t time.Time) (time.Time, error) {
	start, err := ParseClock(w.Start)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := w.Location()
	if err != nil {
		return time.Time{}, err
	}

	local := t.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), start/60, start%60, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, start/60, start%60, 0, 0, loc)
	}
	return next, nil
}
