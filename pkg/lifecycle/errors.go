package lifecycle

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition indicates an event arrived in a state that cannot handle it.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrNotActive indicates a fetch was dispatched to a worker that is not active.
	ErrNotActive = errors.New("worker is not active")

	// ErrUnknownEvent indicates an event type with no handler.
	ErrUnknownEvent = errors.New("unknown event type")
)

// TransitionError reports a failed version transition. It is fatal to that
// transition only; the worker stays in (or returns to) State.
type TransitionError struct {
	Version string
	From    State
	To      State
	State   State
	Err     error
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("worker %s: %s -> %s failed (now %s): %v", e.Version, e.From, e.To, e.State, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransitionError) Unwrap() error {
	return e.Err
}
