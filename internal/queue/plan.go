package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/graph"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

var planValidate = validator.New()

// PlanItem is one entry of a submitted plan. DependsOn names other keys of
// the same plan or ids of existing items.
type PlanItem struct {
	Key             string          `json:"key" yaml:"key" validate:"required,max=128"`
	Spec            json.RawMessage `json:"spec,omitempty" yaml:"-"`
	Description     string          `json:"description,omitempty" yaml:"description"`
	DependsOn       []string        `json:"depends_on,omitempty" yaml:"depends_on" validate:"dive,required"`
	Priority        int             `json:"priority,omitempty" yaml:"priority" validate:"gte=-1000,lte=1000"`
	Phase           string          `json:"phase,omitempty" yaml:"phase"`
	Role            string          `json:"role,omitempty" yaml:"role" validate:"max=64"`
	Keywords        []string        `json:"keywords,omitempty" yaml:"keywords"`
	Constraints     []string        `json:"constraints,omitempty" yaml:"constraints"`
	Resources       []string        `json:"resources,omitempty" yaml:"resources"`
	SuccessCriteria []string        `json:"success_criteria,omitempty" yaml:"success_criteria"`
	RollbackPlan    string          `json:"rollback_plan,omitempty" yaml:"rollback_plan"`
}

// Plan is a decomposed submission admitted as a unit.
type Plan struct {
	ID    string     `json:"id,omitempty" yaml:"id" validate:"omitempty,max=128"`
	Items []PlanItem `json:"items" yaml:"items" validate:"required,min=1,max=1000,dive"`
}

// PlanResult maps plan keys to the created item ids.
type PlanResult struct {
	PlanID string            `json:"plan_id"`
	IDs    map[string]string `json:"ids"`
}

// ValidatePlan checks the plan's shape and internal references. It does
// not look at the live queue.
func ValidatePlan(p Plan) error {
	if err := planValidate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &pipeline.ValidationError{
				Field:   strings.ToLower(fe.Namespace()),
				Message: fmt.Sprintf("failed %q validation", fe.Tag()),
				Err:     err,
			}
		}
		return &pipeline.ValidationError{Message: err.Error(), Err: err}
	}
	keys := make(map[string]bool, len(p.Items))
	for _, it := range p.Items {
		if keys[it.Key] {
			return &pipeline.ValidationError{Field: "items.key", Message: fmt.Sprintf("duplicate key %q", it.Key)}
		}
		keys[it.Key] = true
		if it.Phase != "" {
			ph, err := pipeline.ParsePhase(it.Phase)
			if err != nil {
				return &pipeline.ValidationError{Field: "items.phase", Message: err.Error(), Err: err}
			}
			if ph == pipeline.PhaseComplete {
				return &pipeline.ValidationError{Field: "items.phase", Message: fmt.Sprintf("item %q cannot start in the complete phase", it.Key)}
			}
		}
		if len(it.Spec) > 0 && !json.Valid(it.Spec) {
			return &pipeline.ValidationError{Field: "items.spec", Message: fmt.Sprintf("item %q: spec is not valid JSON", it.Key)}
		}
	}
	return nil
}

// SubmitPlan admits a whole plan atomically: every item and edge is
// validated, including cycles through the plan's own keys, before any
// event is appended, and all events go out in one batch.
func (q *Queue) SubmitPlan(ctx context.Context, p Plan) (PlanResult, error) {
	if err := ValidatePlan(p); err != nil {
		return PlanResult{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]string, len(p.Items))
	byKey := make(map[string]PlanItem, len(p.Items))
	deps := make(map[string][]string, len(p.Items))
	for i, it := range p.Items {
		keys[i] = it.Key
		byKey[it.Key] = it
		deps[it.Key] = it.DependsOn
	}
	for _, it := range p.Items {
		seen := make(map[string]bool)
		for _, d := range it.DependsOn {
			if seen[d] {
				return PlanResult{}, &pipeline.ValidationError{Field: "items.depends_on", Message: fmt.Sprintf("item %q lists %q twice", it.Key, d)}
			}
			seen[d] = true
			if _, internal := byKey[d]; !internal && !q.state.graph.Has(d) {
				return PlanResult{}, &pipeline.ValidationError{
					Field: "items.depends_on", Message: fmt.Sprintf("item %q depends on unknown %q", it.Key, d), Err: pipeline.ErrNotFound,
				}
			}
		}
	}
	order, err := graph.TopoSort(keys, deps)
	if err != nil {
		return PlanResult{}, &pipeline.ValidationError{Field: "items.depends_on", Message: err.Error(), Err: err}
	}

	res := PlanResult{PlanID: p.ID, IDs: make(map[string]string, len(order))}
	if res.PlanID == "" {
		res.PlanID = q.newID()
	}
	for _, key := range order {
		res.IDs[key] = q.newID()
	}

	var evs []events.Event
	for _, key := range order {
		it := byKey[key]
		id := res.IDs[key]
		ph := pipeline.PhasePromptToSpec
		if it.Phase != "" {
			ph, _ = pipeline.ParsePhase(it.Phase)
		}
		spec := it.Spec
		if len(spec) == 0 && it.Description != "" {
			spec, _ = json.Marshal(map[string]string{"description": it.Description})
		}
		item := pipeline.WorkItem{
			PlanID:          res.PlanID,
			Phase:           ph,
			Spec:            spec,
			Priority:        it.Priority,
			Role:            it.Role,
			Keywords:        it.Keywords,
			Constraints:     it.Constraints,
			Resources:       it.Resources,
			SuccessCriteria: it.SuccessCriteria,
			RollbackPlan:    it.RollbackPlan,
		}
		evs = append(evs, event(events.KindCreated, id, pipeline.RoleOrchestrator, events.Created{Item: item}))
		for _, d := range it.DependsOn {
			target := d
			if internal, ok := res.IDs[d]; ok {
				target = internal
			}
			evs = append(evs, event(events.KindDependencyAdded, id, pipeline.RoleOrchestrator, events.DependencyAdded{DependsOn: target}))
		}
	}
	if err := q.commit(ctx, evs...); err != nil {
		return PlanResult{}, err
	}
	q.logger.Info("plan admitted", "plan", res.PlanID, "items", len(order))
	return res, nil
}
