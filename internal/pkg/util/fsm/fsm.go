package fsm

import (
	"context"

	"github.com/looplab/fsm"
)

// WrapEvent adapts a callback that returns an error. A non-nil error
// cancels the event; in a before_ or leave_ callback the transition does
// not happen and Event returns fsm.CanceledError carrying err.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Cancel(err)
		}
	}
}

// OnEnter adapts a state-entry observer that only needs the endpoints of
// the transition.
func OnEnter(fn func(ctx context.Context, event, from, to string)) fsm.Callback {
	return func(ctx context.Context, e *fsm.Event) {
		fn(ctx, e.Event, e.Src, e.Dst)
	}
}

// Args returns the i-th argument passed to fsm.Event, or nil.
func Args(e *fsm.Event, i int) any {
	if i < 0 || i >= len(e.Args) {
		return nil
	}
	return e.Args[i]
}
