package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

func TestSubmitPlan_Admitted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)

	res, err := h.q.SubmitPlan(ctx, Plan{Items: []PlanItem{
		{Key: "c", DependsOn: []string{"a", "b"}, Description: "integrate"},
		{Key: "a", Priority: 5, Keywords: []string{"auth"}},
		{Key: "b", Spec: json.RawMessage(`{"goal":"db"}`)},
	}})
	require.NoError(t, err)
	require.Len(t, res.IDs, 3)
	assert.NotEmpty(t, res.PlanID)

	items := h.q.Plan(res.PlanID)
	require.Len(t, items, 3)
	// Created in dependency order.
	assert.Equal(t, res.IDs["a"], items[0].ID)
	assert.Equal(t, res.IDs["b"], items[1].ID)
	assert.Equal(t, res.IDs["c"], items[2].ID)
	assert.ElementsMatch(t, []string{res.IDs["a"], res.IDs["b"]}, items[2].Dependencies)
	assert.JSONEq(t, `{"description":"integrate"}`, string(items[2].Spec))
	assert.JSONEq(t, `{"goal":"db"}`, string(items[1].Spec))
	assert.Equal(t, []string{"auth"}, items[0].Keywords)

	assert.Equal(t, []string{res.IDs["a"], res.IDs["b"]}, h.ready())
}

func TestSubmitPlan_CycleRejectsWholePlan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)

	_, err := h.q.SubmitPlan(ctx, Plan{Items: []PlanItem{
		{Key: "ok"},
		{Key: "a", DependsOn: []string{"b"}},
		{Key: "b", DependsOn: []string{"a"}},
	}})
	assert.ErrorIs(t, err, pipeline.ErrCycleDetected)
	assert.Empty(t, h.q.Items())

	last, err := h.log.LastSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestSubmitPlan_ReferencesExistingItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	existing := h.submit(t, 0)

	res, err := h.q.SubmitPlan(ctx, Plan{ID: "plan-7", Items: []PlanItem{
		{Key: "next", DependsOn: []string{existing}, Phase: "spec_to_full_spec"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "plan-7", res.PlanID)

	w, err := h.q.Item(res.IDs["next"])
	require.NoError(t, err)
	assert.Equal(t, []string{existing}, w.Dependencies)
	assert.Equal(t, pipeline.PhaseSpecToFullSpec, w.Phase)
}

func TestValidatePlan(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
	}{
		{"empty", Plan{}},
		{"missing key", Plan{Items: []PlanItem{{Description: "x"}}}},
		{"duplicate key", Plan{Items: []PlanItem{{Key: "a"}, {Key: "a"}}}},
		{"empty dependency", Plan{Items: []PlanItem{{Key: "a", DependsOn: []string{""}}}}},
		{"bad phase", Plan{Items: []PlanItem{{Key: "a", Phase: "deploy"}}}},
		{"complete phase", Plan{Items: []PlanItem{{Key: "a", Phase: pipeline.PhaseComplete.String()}}}},
		{"bad spec", Plan{Items: []PlanItem{{Key: "a", Spec: json.RawMessage(`{`)}}}},
		{"priority range", Plan{Items: []PlanItem{{Key: "a", Priority: 5000}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan(tt.plan)
			var ve *pipeline.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestSubmitPlan_UnknownDependency(t *testing.T) {
	h := newHarness(t, 3)
	_, err := h.q.SubmitPlan(context.Background(), Plan{Items: []PlanItem{{Key: "a", DependsOn: []string{"nowhere"}}}})
	assert.ErrorIs(t, err, pipeline.ErrNotFound)
}
