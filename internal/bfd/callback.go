package bfd

import (
	"time"

	"github.com/dantte-lp/gobfd/internal/addr"
)

// StateChange describes one local-state transition, delivered to the
// callback supplied at Session construction (design note: callbacks are
// closures capturing their context, never raw (fn, void*) pairs).
type StateChange struct {
	SessionID uint32
	Local     addr.IP
	Remote    addr.IP
	OldState  State
	NewState  State
	Diag      Diag
	At        time.Time
}

// StateCallback is invoked synchronously, on the engine thread, whenever
// a Session's local state changes. It must not block: external systems
// needing asynchronous work should hand the StateChange to a buffered
// channel or queue of their own.
type StateCallback func(StateChange)

// TransitionHook matches the signature expected by the
// OPENBFDD_TRANSITION_HOOK executable: local/remote IP and the state
// transition, invoked for every change regardless of StateCallback.
type TransitionHook func(local, remote addr.IP, oldState, newState State)
