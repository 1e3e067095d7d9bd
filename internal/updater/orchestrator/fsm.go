package orchestrator

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	fsmutil "github.com/autopeer-io/updater/internal/pkg/util/fsm"
	"github.com/autopeer-io/updater/internal/updater/core/model"
)

// Phase machine events.
const (
	// EventCheck starts a version check.
	EventCheck = "check"
	// EventFound ends a check with at least one pending update.
	EventFound = "found"
	// EventIncompatible ends a check whose candidate failed a constraint.
	EventIncompatible = "incompatible"
	// EventNone ends a check with nothing to install.
	EventNone        = "none"
	EventDownload    = "download"
	EventVerify      = "verify"
	EventInstall     = "install"
	EventStabilize   = "stabilize"
	EventStable      = "stable"
	EventUnstable    = "unstable"
	EventRollback    = "rollback"
	EventRolledBack  = "rolled_back"
	EventRollbackErr = "rollback_failed"
	// EventFail aborts a pipeline before the live tree was changed.
	EventFail = "fail"
	// EventFinish returns from a terminal success phase to idle.
	EventFinish = "finish"
	// EventResolve is the operator acknowledging an unstable install or a
	// failed rollback.
	EventResolve = "resolve"
)

func phases(ps ...model.Phase) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

// quiet phases accept a new check, install or operator rollback.
var quiet = []model.Phase{model.PhaseIdle, model.PhaseIncompatible, model.PhaseAvailable}

type phaseMachine struct {
	*fsm.FSM
}

// newPhaseMachine builds the machine. onEnter runs on every state change
// while the caller of Event still holds the orchestrator lock.
func newPhaseMachine(onEnter func(ctx context.Context, event, from, to string), guardRollback func(ctx context.Context, e *fsm.Event) error) *phaseMachine {
	events := fsm.Events{
		{Name: EventCheck, Src: phases(quiet...), Dst: string(model.PhaseChecking)},
		{Name: EventFound, Src: phases(model.PhaseChecking, model.PhaseIdle), Dst: string(model.PhaseAvailable)},
		{Name: EventIncompatible, Src: phases(model.PhaseChecking), Dst: string(model.PhaseIncompatible)},
		{Name: EventNone, Src: phases(model.PhaseChecking), Dst: string(model.PhaseIdle)},

		{Name: EventDownload, Src: phases(quiet...), Dst: string(model.PhaseDownloading)},
		{Name: EventVerify, Src: phases(model.PhaseDownloading), Dst: string(model.PhaseVerifying)},
		{Name: EventInstall, Src: phases(model.PhaseVerifying), Dst: string(model.PhaseInstalling)},
		{Name: EventStabilize, Src: phases(model.PhaseInstalling), Dst: string(model.PhaseStabilizing)},
		{Name: EventStable, Src: phases(model.PhaseStabilizing), Dst: string(model.PhaseStable)},
		{Name: EventUnstable, Src: phases(model.PhaseStabilizing, model.PhaseInstalling), Dst: string(model.PhaseUnstable)},
		{Name: EventFail, Src: phases(model.PhaseDownloading, model.PhaseVerifying, model.PhaseInstalling), Dst: string(model.PhaseIdle)},

		{
			Name: EventRollback,
			Src: phases(append([]model.Phase{
				model.PhaseInstalling, model.PhaseStabilizing,
				model.PhaseUnstable, model.PhaseRollbackFailed,
			}, quiet...)...),
			Dst: string(model.PhaseRollingBack),
		},
		{Name: EventRolledBack, Src: phases(model.PhaseRollingBack), Dst: string(model.PhaseRolledBack)},
		{Name: EventRollbackErr, Src: phases(model.PhaseRollingBack), Dst: string(model.PhaseRollbackFailed)},

		{Name: EventFinish, Src: phases(model.PhaseStable, model.PhaseRolledBack), Dst: string(model.PhaseIdle)},
		{Name: EventResolve, Src: phases(model.PhaseUnstable, model.PhaseRollbackFailed), Dst: string(model.PhaseIdle)},
	}

	callbacks := fsm.Callbacks{
		// Guards
		"before_" + EventRollback: fsmutil.WrapEvent(guardRollback),

		// Side effects
		"enter_state": fsmutil.OnEnter(onEnter),
	}

	return &phaseMachine{FSM: fsm.NewFSM(string(model.PhaseIdle), events, callbacks)}
}

// Phase returns the current phase.
func (m *phaseMachine) Phase() model.Phase {
	return model.Phase(m.Current())
}

// fire runs event. Phase changes are never cancelled by the caller's
// context, so the machine always records where the pipeline stopped.
func (m *phaseMachine) fire(event string, args ...any) error {
	err := m.Event(context.Background(), event, args...)
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return nil
	}
	var canceled fsm.CanceledError
	if errors.As(err, &canceled) && canceled.Err != nil {
		return canceled.Err
	}
	return err
}
