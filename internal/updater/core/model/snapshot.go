package model

import "time"

// Snapshot is an immutable pre-update archive of the critical paths.
type Snapshot struct {
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	// Path is the archive location on disk.
	Path string `json:"path"`
	// Paths are the critical paths captured, relative to the install root.
	Paths []string `json:"paths"`
	// Existed tells which of Paths were present when the snapshot was taken.
	Existed map[string]bool `json:"existed"`
	Size    int64           `json:"size"`
}
