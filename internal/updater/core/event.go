package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/autopeer-io/updater/internal/updater/core/model"
)

// EventType enumerates everything the orchestrator announces on the bus.
type EventType string

const (
	EventCheckStarted       EventType = "check.started"
	EventCheckFailed        EventType = "check.failed"
	EventUpdateAvailable    EventType = "update.available"
	EventUpdateIncompatible EventType = "update.incompatible"
	EventUpdateNone         EventType = "update.none"
	EventBackupCreated      EventType = "backup.created"
	EventBackupFailed       EventType = "backup.failed"
	EventBackupMirrored     EventType = "backup.mirrored"
	EventDownloadProgress   EventType = "download.progress"
	EventDownloadCompleted  EventType = "download.completed"
	EventDownloadFailed     EventType = "download.failed"
	EventIntegrityVerified  EventType = "integrity.verified"
	EventIntegrityFailed    EventType = "integrity.failed"
	EventInstallStarted     EventType = "install.started"
	EventInstallCompleted   EventType = "install.completed"
	EventInstallFailed      EventType = "install.failed"
	EventStabilityStable    EventType = "stability.stable"
	EventStabilityUnstable  EventType = "stability.unstable"
	EventRollbackStarted    EventType = "rollback.started"
	EventRollbackCompleted  EventType = "rollback.completed"
	EventRollbackFailed     EventType = "rollback.failed"
	EventPhaseChanged       EventType = "phase.changed"
	EventConfigUpdated      EventType = "config.updated"
	EventOperatorResolved   EventType = "operator.resolved"
)

// Well-known Event.Data keys.
const (
	DataFromVersion = "fromVersion"
	DataDuration    = "duration"
	DataKind        = "kind"
	DataWritten     = "written"
	DataTotal       = "total"
	DataSnapshot    = "snapshot"
)

// EventTypes lists the whole vocabulary.
var EventTypes = []EventType{
	EventCheckStarted, EventCheckFailed, EventUpdateAvailable, EventUpdateIncompatible,
	EventUpdateNone, EventBackupCreated, EventBackupFailed, EventBackupMirrored,
	EventDownloadProgress, EventDownloadCompleted, EventDownloadFailed,
	EventIntegrityVerified, EventIntegrityFailed, EventInstallStarted,
	EventInstallCompleted, EventInstallFailed, EventStabilityStable,
	EventStabilityUnstable, EventRollbackStarted, EventRollbackCompleted,
	EventRollbackFailed, EventPhaseChanged, EventConfigUpdated, EventOperatorResolved,
}

// Durable reports whether events of this type must reach the history store.
func (t EventType) Durable() bool {
	switch t {
	case EventCheckStarted, EventDownloadProgress, EventPhaseChanged, EventUpdateNone:
		return false
	}
	return true
}

// Failure reports whether the type announces a failed step.
func (t EventType) Failure() bool {
	switch t {
	case EventCheckFailed, EventBackupFailed, EventDownloadFailed, EventIntegrityFailed,
		EventInstallFailed, EventStabilityUnstable, EventRollbackFailed:
		return true
	}
	return false
}

// Event is one message on the bus.
type Event struct {
	ID      string         `json:"id"`
	Type    EventType      `json:"type"`
	Time    time.Time      `json:"time"`
	Version string         `json:"version,omitempty"`
	Phase   model.Phase    `json:"phase"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// NewEvent stamps a new event with a fresh ID.
func NewEvent(t EventType, at time.Time, phase model.Phase, version, message string) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    t,
		Time:    at,
		Version: version,
		Phase:   phase,
		Message: message,
	}
}

// With returns a copy of e carrying an extra data field.
func (e Event) With(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}
