package model

import "time"

// Compatibility lists the constraints a candidate release must satisfy on
// this host. Empty fields impose no constraint.
type Compatibility struct {
	MinRuntimeVersion string   `json:"minRuntimeVersion,omitempty"`
	RuntimeRange      string   `json:"runtimeRange,omitempty"`
	Platforms         []string `json:"platforms,omitempty"`
	RequiredDiskBytes uint64   `json:"requiredDiskBytes,omitempty"`
}

// UpdateDescriptor describes one candidate release.
type UpdateDescriptor struct {
	Version       string        `json:"version"`
	Changelog     string        `json:"changelog,omitempty"`
	DownloadURL   string        `json:"downloadUrl"`
	Checksum      string        `json:"checksum,omitempty"`
	Compatibility Compatibility `json:"compatibility"`
	DiscoveredAt  time.Time     `json:"discoveredAt"`
	Installed     bool          `json:"installed"`
	InstalledAt   *time.Time    `json:"installedAt,omitempty"`
}

// MarkInstalled flips the descriptor into immutable history.
func (d *UpdateDescriptor) MarkInstalled(at time.Time) {
	d.Installed = true
	d.InstalledAt = &at
}
