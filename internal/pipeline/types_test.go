package pipeline

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhase_NextPrev(t *testing.T) {
	tests := []struct {
		phase  Phase
		next   Phase
		nextOK bool
		prev   Phase
		prevOK bool
	}{
		{PhasePromptToSpec, PhaseSpecToFullSpec, true, PhasePromptToSpec, false},
		{PhaseSpecToFullSpec, PhaseFullSpecToPlan, true, PhasePromptToSpec, true},
		{PhaseFullSpecToPlan, PhasePlanToArtifacts, true, PhaseSpecToFullSpec, true},
		{PhasePlanToArtifacts, PhaseComplete, true, PhaseFullSpecToPlan, true},
		{PhaseComplete, PhaseComplete, false, PhaseComplete, false},
	}
	for _, tt := range tests {
		t.Run(tt.phase.String(), func(t *testing.T) {
			next, ok := tt.phase.Next()
			assert.Equal(t, tt.nextOK, ok)
			assert.Equal(t, tt.next, next)

			prev, ok := tt.phase.Prev()
			assert.Equal(t, tt.prevOK, ok)
			assert.Equal(t, tt.prev, prev)
		})
	}
}

func TestParsePhase(t *testing.T) {
	for _, in := range []string{"plan_to_artifacts", "PlanToArtifacts", "plan-to-artifacts"} {
		p, err := ParsePhase(in)
		require.NoError(t, err, in)
		assert.Equal(t, PhasePlanToArtifacts, p)
	}
	_, err := ParsePhase("deploy")
	assert.Error(t, err)
}

func TestPhase_JSON(t *testing.T) {
	w := WorkItem{ID: "x", Phase: PhaseFullSpecToPlan, State: StatePending}
	data, err := json.Marshal(w)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"phase":"full_spec_to_plan"`)
	assert.NotContains(t, string(data), "approved_phase")

	var back WorkItem
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, PhaseFullSpecToPlan, back.Phase)
}

func TestValidateTransition(t *testing.T) {
	assert.NoError(t, ValidateTransition(StatePending, StateAssigned))
	assert.NoError(t, ValidateTransition(StateBlocked, StateReady))
	assert.NoError(t, ValidateTransition(StateFailed, StateReady))
	assert.Error(t, ValidateTransition(StateComplete, StateAssigned))
	assert.Error(t, ValidateTransition(StateFailed, StateInProgress))
	assert.Error(t, ValidateTransition(StatePending, StateComplete))
	assert.Error(t, ValidateTransition("bogus", StatePending))
}

func TestWorkItem_CloneIsDeep(t *testing.T) {
	w := WorkItem{
		ID:           "a",
		Dependencies: []string{"b"},
		Spec:         json.RawMessage(`{"x":1}`),
		LastProgress: &Progress{Note: "step 1", At: time.Now()},
	}
	c := w.Clone()
	c.Dependencies[0] = "z"
	c.Spec[2] = 'y'
	c.LastProgress.Note = "changed"

	assert.Equal(t, "b", w.Dependencies[0])
	assert.Equal(t, `{"x":1}`, string(w.Spec))
	assert.Equal(t, "step 1", w.LastProgress.Note)
}

func TestWorkItem_Approved(t *testing.T) {
	w := WorkItem{Phase: PhaseSpecToFullSpec}
	assert.False(t, w.Approved())
	w.ApprovedPhase = PhasePromptToSpec
	assert.False(t, w.Approved())
	w.ApprovedPhase = PhaseSpecToFullSpec
	assert.True(t, w.Approved())
}

func TestIsItemLocal(t *testing.T) {
	assert.True(t, IsItemLocal(&TransitionError{ItemID: "a", Op: "assign", Err: ErrAlreadyAssigned}))
	assert.True(t, IsItemLocal(&ValidationError{Field: "deps", Err: ErrCycleDetected}))
	assert.True(t, IsItemLocal(&SpawnError{ParentID: "p", Reason: "no rollback plan"}))
	assert.True(t, IsItemLocal(ErrNotFound))
	assert.False(t, IsItemLocal(&RecoveryError{LastSeq: 4, Err: errors.New("gap")}))

	var se *SpawnError
	err := error(&SpawnError{ParentID: "p"})
	assert.ErrorIs(t, err, ErrSpawnRejected)
	assert.ErrorAs(t, err, &se)
}
