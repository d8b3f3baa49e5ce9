package pipeline

import (
	"encoding/json"
	"slices"
	"time"
)

// Role names one of the engine's agent roles. RoleExternal marks changes
// requested by callers outside the agent topology (CLI, HTTP API).
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleOptimizer    Role = "optimizer"
	RoleReviewer     Role = "reviewer"
	RoleExecutor     Role = "executor"
	RoleSupervisor   Role = "supervisor"
	RoleExternal     Role = "external"
)

// Feedback is one rejection reason recorded by the reviewer.
type Feedback struct {
	Phase       Phase     `json:"phase"`
	Reason      string    `json:"reason"`
	Fundamental bool      `json:"fundamental"`
	At          time.Time `json:"at"`
}

// Progress is the last progress note an executor reported for an item.
type Progress struct {
	Note string    `json:"note"`
	At   time.Time `json:"at"`
}

// WorkItem is a unit of work carried through the phase pipeline.
type WorkItem struct {
	ID       string          `json:"id"`
	PlanID   string          `json:"plan_id,omitempty"`
	ParentID string          `json:"parent_id,omitempty"`
	Phase    Phase           `json:"phase"`
	Spec     json.RawMessage `json:"spec,omitempty"`
	State    State           `json:"state"`

	// AssignedAgent is set iff State is Assigned or InProgress.
	AssignedAgent string   `json:"assigned_agent,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Priority      int      `json:"priority"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ReviewFeedback []Feedback `json:"review_feedback,omitempty"`
	AttemptCount   int        `json:"attempt_count"`

	Role            string   `json:"role,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
	Resources       []string `json:"resources,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	RollbackPlan    string   `json:"rollback_plan,omitempty"`

	Output          string    `json:"output,omitempty"`
	BlockedReason   string    `json:"blocked_reason,omitempty"`
	RollbackPending bool      `json:"rollback_pending,omitempty"`
	ApprovedPhase   Phase     `json:"approved_phase,omitempty"`
	LastProgress    *Progress `json:"last_progress,omitempty"`
	Children        []string  `json:"children,omitempty"`
}

// Approved reports whether the reviewer approved the item's current phase.
func (w *WorkItem) Approved() bool {
	return w.ApprovedPhase != 0 && w.ApprovedPhase == w.Phase
}

// HasDependency reports whether id is a direct dependency of the item.
func (w *WorkItem) HasDependency(id string) bool {
	return slices.Contains(w.Dependencies, id)
}

// Clone returns a deep copy so callers never share slices with the owner.
func (w *WorkItem) Clone() WorkItem {
	c := *w
	c.Spec = slices.Clone(w.Spec)
	c.Dependencies = slices.Clone(w.Dependencies)
	c.ReviewFeedback = slices.Clone(w.ReviewFeedback)
	c.Keywords = slices.Clone(w.Keywords)
	c.Constraints = slices.Clone(w.Constraints)
	c.Resources = slices.Clone(w.Resources)
	c.SuccessCriteria = slices.Clone(w.SuccessCriteria)
	c.Children = slices.Clone(w.Children)
	if w.LastProgress != nil {
		p := *w.LastProgress
		c.LastProgress = &p
	}
	return c
}

// LastActivity is the time the stall timer measures from.
func (w *WorkItem) LastActivity() time.Time {
	if w.LastProgress != nil && w.LastProgress.At.After(w.UpdatedAt) {
		return w.LastProgress.At
	}
	return w.UpdatedAt
}
