package worker

import (
	"sync"

	"github.com/glorpus-work/qpserver/pkg/errors"
)

// State is a worker's lifecycle phase. States only move forward: a dead
// worker never comes back, the pool replaces it instead.
type State int

const (
	// StateStarting covers spawn, handshake and package load.
	StateStarting State = iota
	// StateIdle means the package is loaded and no call is in flight.
	StateIdle
	// StateBusy means a call is executing.
	StateBusy
	// StateDead means the worker terminated, cleanly or not.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// StateTracker guards a worker's state and enforces the transition rules:
// idle and busy may alternate, everything else only moves forward.
type StateTracker struct {
	mu    sync.Mutex
	state State
}

// Current returns the tracked state.
func (t *StateTracker) Current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves to the given state. Leaving StateDead or returning to
// StateStarting is rejected.
func (t *StateTracker) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDead {
		return errors.Wrapf(errors.ErrWorkerNotRunning, "cannot transition from dead to %s", to)
	}
	if to == StateStarting && t.state != StateStarting {
		return errors.Wrapf(errors.ErrWorkerNotRunning, "cannot transition from %s back to starting", t.state)
	}
	t.state = to
	return nil
}

// MarkDead unconditionally moves to StateDead. Reports whether the worker
// was alive before the call.
func (t *StateTracker) MarkDead() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasAlive := t.state != StateDead
	t.state = StateDead
	return wasAlive
}
