package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("work item not found")
	ErrCycleDetected     = errors.New("cycle detected")
	ErrAlreadyAssigned   = errors.New("work item already assigned")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrGateNotPassed     = errors.New("quality gate not passed")
	ErrSpawnRejected     = errors.New("spawn rejected")
	ErrNotPermitted      = errors.New("operation not permitted for this role")
	ErrCancelPending     = errors.New("cancellation requested, waiting for executor")
)

// ValidationError is a synchronous rejection of a malformed submission.
// Validation failures never reach the event log.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransitionError reports an illegal state change. It is logged by the
// caller but never fatal to the engine.
type TransitionError struct {
	ItemID string
	Op     string
	From   State
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s (state %s): %v", e.Op, e.ItemID, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// SpawnError explains which precondition a sub-work request violated.
type SpawnError struct {
	ParentID string
	Reason   string
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn under %s rejected: %s", e.ParentID, e.Reason)
}

func (e *SpawnError) Unwrap() error { return ErrSpawnRejected }

// RecoveryError means the event log could not be replayed. The engine
// refuses to start on it.
type RecoveryError struct {
	LastSeq uint64
	Err     error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failed after seq %d: %v", e.LastSeq, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

// IsItemLocal reports whether err concerns a single work item and must not
// stop the engine.
func IsItemLocal(err error) bool {
	var ve *ValidationError
	var te *TransitionError
	var se *SpawnError
	return errors.As(err, &ve) || errors.As(err, &te) || errors.As(err, &se) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotPermitted)
}
