package model

import "time"

// Phase is a state of the orchestrator's phase machine.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseChecking       Phase = "checking"
	PhaseIncompatible   Phase = "incompatible"
	PhaseAvailable      Phase = "available"
	PhaseDownloading    Phase = "downloading"
	PhaseVerifying      Phase = "verifying"
	PhaseInstalling     Phase = "installing"
	PhaseStabilizing    Phase = "stabilizing"
	PhaseStable         Phase = "stable"
	PhaseUnstable       Phase = "unstable"
	PhaseRollingBack    Phase = "rolling_back"
	PhaseRolledBack     Phase = "rolled_back"
	PhaseRollbackFailed Phase = "rollback_failed"
)

// Phases lists every phase in pipeline order.
var Phases = []Phase{
	PhaseIdle, PhaseChecking, PhaseIncompatible, PhaseAvailable, PhaseDownloading,
	PhaseVerifying, PhaseInstalling, PhaseStabilizing, PhaseStable, PhaseUnstable,
	PhaseRollingBack, PhaseRolledBack, PhaseRollbackFailed,
}

// Busy reports whether a pipeline step is running in this phase. A busy
// phase rejects every new check, install or rollback.
func (p Phase) Busy() bool {
	switch p {
	case PhaseChecking, PhaseDownloading, PhaseVerifying, PhaseInstalling,
		PhaseStabilizing, PhaseRollingBack, PhaseStable, PhaseRolledBack:
		return true
	}
	return false
}

// NeedsOperator reports whether the phase waits for an operator decision.
func (p Phase) NeedsOperator() bool {
	return p == PhaseUnstable || p == PhaseRollbackFailed
}

func (p Phase) String() string { return string(p) }

// Failure records why the last attempt stopped.
type Failure struct {
	Kind   string    `json:"kind"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// State is a point-in-time copy of the orchestrator state.
type State struct {
	Phase             Phase              `json:"phase"`
	CurrentVersion    string             `json:"currentVersion"`
	PreviousVersion   string             `json:"previousVersion,omitempty"`
	AvailableVersion  *string            `json:"availableVersion"`
	LastCheckedAt     *time.Time         `json:"lastCheckedAt,omitempty"`
	Pending           []UpdateDescriptor `json:"pendingUpdates"`
	RollbackAvailable bool               `json:"rollbackAvailable"`
	LastFailure       *Failure           `json:"lastFailure,omitempty"`
	Unstable          bool               `json:"unstable"`
}

// Clone returns a deep copy safe to hand out to callers.
func (s State) Clone() State {
	out := s
	if s.AvailableVersion != nil {
		v := *s.AvailableVersion
		out.AvailableVersion = &v
	}
	if s.LastCheckedAt != nil {
		t := *s.LastCheckedAt
		out.LastCheckedAt = &t
	}
	if s.LastFailure != nil {
		f := *s.LastFailure
		out.LastFailure = &f
	}
	out.Pending = make([]UpdateDescriptor, len(s.Pending))
	for i, d := range s.Pending {
		if d.InstalledAt != nil {
			t := *d.InstalledAt
			d.InstalledAt = &t
		}
		d.Compatibility.Platforms = append([]string(nil), d.Compatibility.Platforms...)
		out.Pending[i] = d
	}
	return out
}

// FirstPending returns the oldest descriptor not yet installed.
func (s State) FirstPending() (UpdateDescriptor, bool) {
	for _, d := range s.Pending {
		if !d.Installed {
			return d, true
		}
	}
	return UpdateDescriptor{}, false
}
