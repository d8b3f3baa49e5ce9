package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

func TestValidateMove(t *testing.T) {
	p := pipeline.Phases
	for i := range p {
		for j := range p {
			err := ValidateMove(p[i], p[j])
			oneForward := j == i+1
			oneBack := j == i-1 && p[i] != pipeline.PhaseComplete
			if oneForward || oneBack {
				assert.NoError(t, err, "%s -> %s", p[i], p[j])
			} else {
				assert.ErrorIs(t, err, pipeline.ErrInvalidTransition, "%s -> %s", p[i], p[j])
			}
		}
	}
}

func TestAdvance(t *testing.T) {
	w := &pipeline.WorkItem{ID: "a", Phase: pipeline.PhaseSpecToFullSpec, State: pipeline.StateComplete}

	_, _, err := Advance(w)
	assert.ErrorIs(t, err, pipeline.ErrGateNotPassed)

	w.ApprovedPhase = pipeline.PhaseSpecToFullSpec
	ph, st, err := Advance(w)
	require.NoError(t, err)
	assert.Equal(t, pipeline.PhaseFullSpecToPlan, ph)
	assert.Equal(t, pipeline.StatePending, st)

	w.State = pipeline.StateInProgress
	_, _, err = Advance(w)
	assert.ErrorIs(t, err, pipeline.ErrGateNotPassed)
}

func TestAdvance_IntoComplete(t *testing.T) {
	w := &pipeline.WorkItem{
		ID: "a", Phase: pipeline.PhasePlanToArtifacts, State: pipeline.StateComplete,
		ApprovedPhase: pipeline.PhasePlanToArtifacts,
	}
	ph, st, err := Advance(w)
	require.NoError(t, err)
	assert.Equal(t, pipeline.PhaseComplete, ph)
	assert.Equal(t, pipeline.StateComplete, st)

	w.Phase, w.ApprovedPhase = pipeline.PhaseComplete, pipeline.PhaseComplete
	_, _, err = Advance(w)
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
}

func TestReject(t *testing.T) {
	complete := func(p pipeline.Phase) *pipeline.WorkItem {
		return &pipeline.WorkItem{ID: "a", Phase: p, State: pipeline.StateComplete}
	}
	tests := []struct {
		name        string
		item        *pipeline.WorkItem
		fundamental bool
		attempts    int
		children    bool
		want        Rejection
	}{
		{"minor requeues", complete(pipeline.PhaseFullSpecToPlan), false, 1, false,
			Rejection{events.OutcomeRequeue, pipeline.PhaseFullSpecToPlan, pipeline.StatePending}},
		{"fundamental rolls back one", complete(pipeline.PhasePlanToArtifacts), true, 1, false,
			Rejection{events.OutcomeRollback, pipeline.PhaseFullSpecToPlan, pipeline.StatePending}},
		{"first phase fundamental is minor", complete(pipeline.PhasePromptToSpec), true, 1, false,
			Rejection{events.OutcomeRequeue, pipeline.PhasePromptToSpec, pipeline.StatePending}},
		{"children defer rollback", complete(pipeline.PhasePlanToArtifacts), true, 1, true,
			Rejection{events.OutcomeDeferred, pipeline.PhasePlanToArtifacts, pipeline.StateBlocked}},
		{"cap fails", complete(pipeline.PhasePlanToArtifacts), true, 3, false,
			Rejection{events.OutcomeFailed, pipeline.PhasePlanToArtifacts, pipeline.StateFailed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Reject(tt.item, tt.fundamental, tt.attempts, 3, tt.children)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReject_NotComplete(t *testing.T) {
	w := &pipeline.WorkItem{ID: "a", Phase: pipeline.PhasePlanToArtifacts, State: pipeline.StateInProgress}
	_, err := Reject(w, false, 1, 3, false)
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
}

func TestFailOutcome(t *testing.T) {
	assert.Equal(t, events.OutcomeRequeue, FailOutcome(2, 3))
	assert.Equal(t, events.OutcomeFailed, FailOutcome(3, 3))
	assert.Equal(t, events.OutcomeRequeue, FailOutcome(100, 0))
}

func TestReopenPhase(t *testing.T) {
	assert.Equal(t, pipeline.PhasePlanToArtifacts, ReopenPhase(&pipeline.WorkItem{Phase: pipeline.PhaseComplete}))
	assert.Equal(t, pipeline.PhaseSpecToFullSpec, ReopenPhase(&pipeline.WorkItem{Phase: pipeline.PhaseSpecToFullSpec}))
}
