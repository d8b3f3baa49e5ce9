// Package phase decides how a work item moves through the five pipeline
// phases. It holds no state; the work queue applies its decisions as events.
package phase

import (
	"fmt"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// ValidateMove allows exactly one step forward or exactly one step back.
func ValidateMove(from, to pipeline.Phase) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("phase move %s -> %s: %w", from, to, pipeline.ErrInvalidTransition)
	}
	if next, ok := from.Next(); ok && next == to {
		return nil
	}
	if prev, ok := from.Prev(); ok && prev == to {
		return nil
	}
	return fmt.Errorf("phase move %s -> %s: %w", from, to, pipeline.ErrInvalidTransition)
}

// Advance checks the gate for w and returns the phase and state it moves
// to. The item must be Complete for its phase and approved by the reviewer.
func Advance(w *pipeline.WorkItem) (pipeline.Phase, pipeline.State, error) {
	if w.Phase == pipeline.PhaseComplete {
		return 0, "", &pipeline.TransitionError{ItemID: w.ID, Op: "advance", From: w.State, Err: pipeline.ErrInvalidTransition}
	}
	if w.State != pipeline.StateComplete || !w.Approved() {
		return 0, "", &pipeline.TransitionError{ItemID: w.ID, Op: "advance", From: w.State, Err: pipeline.ErrGateNotPassed}
	}
	next, _ := w.Phase.Next()
	if next == pipeline.PhaseComplete {
		return next, pipeline.StateComplete, nil
	}
	return next, pipeline.StatePending, nil
}

// Rejection is the decided result of a reviewer rejection.
type Rejection struct {
	Outcome events.Outcome
	Phase   pipeline.Phase
	State   pipeline.State
}

// Reject decides what a rejection does to w. attempts is the count after
// incrementing; maxAttempts <= 0 means unlimited. A fundamental rejection
// in the first phase has nowhere to roll back to and is treated as minor.
// Rollback waits while spawned sub-work is still running.
func Reject(w *pipeline.WorkItem, fundamental bool, attempts, maxAttempts int, childrenActive bool) (Rejection, error) {
	if w.State != pipeline.StateComplete || w.Phase == pipeline.PhaseComplete {
		return Rejection{}, &pipeline.TransitionError{ItemID: w.ID, Op: "reject", From: w.State, Err: pipeline.ErrInvalidTransition}
	}
	if maxAttempts > 0 && attempts >= maxAttempts {
		return Rejection{Outcome: events.OutcomeFailed, Phase: w.Phase, State: pipeline.StateFailed}, nil
	}
	prev, canRollBack := w.Phase.Prev()
	if !fundamental || !canRollBack {
		return Rejection{Outcome: events.OutcomeRequeue, Phase: w.Phase, State: pipeline.StatePending}, nil
	}
	if childrenActive {
		return Rejection{Outcome: events.OutcomeDeferred, Phase: w.Phase, State: pipeline.StateBlocked}, nil
	}
	return Rejection{Outcome: events.OutcomeRollback, Phase: prev, State: pipeline.StatePending}, nil
}

// FailOutcome decides whether a failed attempt is retried. attempts is the
// count after incrementing.
func FailOutcome(attempts, maxAttempts int) events.Outcome {
	if maxAttempts > 0 && attempts >= maxAttempts {
		return events.OutcomeFailed
	}
	return events.OutcomeRequeue
}

// ReopenPhase is the phase a reopened item resumes in. Finished items go
// back to their last working phase.
func ReopenPhase(w *pipeline.WorkItem) pipeline.Phase {
	if w.Phase == pipeline.PhaseComplete {
		return pipeline.PhasePlanToArtifacts
	}
	return w.Phase
}
