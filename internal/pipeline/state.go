package pipeline

import "fmt"

// State is a work item's scheduling state.
type State string

const (
	StatePending    State = "pending"
	StateReady      State = "ready"
	StateAssigned   State = "assigned"
	StateInProgress State = "in_progress"
	StateBlocked    State = "blocked"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// States lists every state, used for metrics and status summaries.
var States = []State{
	StatePending, StateReady, StateAssigned, StateInProgress,
	StateBlocked, StateComplete, StateFailed,
}

// Terminal reports whether s is Complete or Failed.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Schedulable reports whether an item in state s may be assigned.
func (s State) Schedulable() bool {
	return s == StatePending || s == StateReady
}

// Active reports whether an agent currently owns the item.
func (s State) Active() bool {
	return s == StateAssigned || s == StateInProgress
}

// Complete → Pending covers phase advance and review rejection;
// Failed/Complete → Pending is the explicit reopen command.
var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateAssigned: {},
		StateBlocked:  {},
		StateFailed:   {},
	},
	StateReady: {
		StateAssigned: {},
		StateBlocked:  {},
		StateFailed:   {},
	},
	StateAssigned: {
		StateInProgress: {},
		StateComplete:   {},
		StatePending:    {},
		StateBlocked:    {},
		StateFailed:     {},
	},
	StateInProgress: {
		StateComplete: {},
		StatePending:  {},
		StateBlocked:  {},
		StateFailed:   {},
	},
	StateBlocked: {
		StateReady:   {},
		StatePending: {},
		StateFailed:  {},
	},
	StateComplete: {
		StatePending: {},
		StateBlocked: {},
		StateFailed:  {},
	},
	StateFailed: {
		StateReady:   {},
		StatePending: {},
	},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// ValidateTransition returns an error unless from → to is allowed.
func ValidateTransition(from, to State) error {
	if !from.Valid() {
		return fmt.Errorf("invalid state %q", from)
	}
	if !to.Valid() {
		return fmt.Errorf("invalid state %q", to)
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("transition %s -> %s not allowed", from, to)
	}
	return nil
}
