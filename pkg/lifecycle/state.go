// Package lifecycle manages worker versions: installing them, activating
// them, retiring the previous version and routing client requests to the
// version that controls each client.
package lifecycle

// State is a worker's position in its lifecycle.
type State string

const (
	// StateParsed is a worker that has been created but not installed.
	// A failed install returns the worker here so the host may retry.
	StateParsed State = "parsed"

	// StateInstalling is a worker running its install handler.
	StateInstalling State = "installing"

	// StateInstalled is an installed worker waiting to activate.
	StateInstalled State = "installed"

	// StateActivating is a worker running its activate handler.
	StateActivating State = "activating"

	// StateActivated is the active worker; it handles fetches.
	StateActivated State = "activated"

	// StateRedundant is a worker replaced by a newer version or discarded.
	// It finishes in-flight work but receives no new events.
	StateRedundant State = "redundant"
)

var transitions = map[State][]State{
	StateParsed:     {StateInstalling, StateRedundant},
	StateInstalling: {StateInstalled, StateParsed, StateRedundant},
	StateInstalled:  {StateActivating, StateRedundant},
	StateActivating: {StateActivated, StateInstalled, StateRedundant},
	StateActivated:  {StateRedundant},
}

// CanTransition reports whether a worker may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsWaiting reports whether the worker is installed but not yet active.
func (s State) IsWaiting() bool {
	return s == StateInstalled
}
