package model

import "time"

// Outcome values recorded in history.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// HistoryRecord is one entry of the durable audit trail.
type HistoryRecord struct {
	ID          string        `json:"id"`
	Time        time.Time     `json:"time"`
	Kind        string        `json:"kind"`
	Version     string        `json:"version,omitempty"`
	FromVersion string        `json:"fromVersion,omitempty"`
	Outcome     string        `json:"outcome"`
	Reason      string        `json:"reason,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}
