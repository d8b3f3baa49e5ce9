package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/metrics"
	"github.com/lucasnoah/phasefactory/internal/phase"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// Options configures a Queue.
type Options struct {
	// MaxAttempts caps failures plus rejections before an item goes
	// Failed. Zero means unlimited.
	MaxAttempts int
	Logger      *slog.Logger
	NewID       func() string
}

// Queue applies commands to State through the event log. Every command
// appends its events first and folds them second; if the append fails the
// state is untouched.
type Queue struct {
	mu          sync.Mutex
	log         *events.Log
	state       *State
	view        atomic.Pointer[View]
	maxAttempts int
	logger      *slog.Logger
	newID       func() string
}

// New wraps a recovered state. Pass NewState() for an empty log.
func New(log *events.Log, state *State, opts Options) *Queue {
	q := &Queue{
		log:         log,
		state:       state,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		newID:       opts.NewID,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	if q.newID == nil {
		q.newID = uuid.NewString
	}
	q.view.Store(newView(state))
	q.updateGauges()
	return q
}

// View returns the last published copy of the queue. It never waits on
// the orchestrator.
func (q *Queue) View() *View { return q.view.Load() }

// MaxAttempts returns the configured retry cap.
func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// commit appends evs and applies them. Must be called with q.mu held.
func (q *Queue) commit(ctx context.Context, evs ...events.Event) error {
	appended, err := q.log.AppendBatch(ctx, evs)
	if err != nil {
		return err
	}
	changed := make([]string, 0, len(appended)+1)
	for _, e := range appended {
		if err := q.state.Apply(e); err != nil {
			// The log now holds an event the fold refuses. Nothing item-local
			// can fix that.
			q.view.Store(newView(q.state))
			return fmt.Errorf("fold appended event: %w", err)
		}
		changed = append(changed, e.WorkItemID)
		if e.Kind == events.KindCreated {
			if w, ok := q.state.get(e.WorkItemID); ok && w.ParentID != "" {
				changed = append(changed, w.ParentID)
			}
		}
	}
	q.view.Store(nextView(q.view.Load(), q.state, changed))
	q.updateGauges()
	return nil
}

func (q *Queue) updateGauges() {
	for st, n := range q.state.Counts() {
		metrics.ItemsByState.WithLabelValues(string(st)).Set(float64(n))
	}
}

func (q *Queue) lookup(id string) (*pipeline.WorkItem, error) {
	w, ok := q.state.get(id)
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, pipeline.ErrNotFound)
	}
	return w, nil
}

func event(kind events.Kind, id string, actor pipeline.Role, payload any) events.Event {
	e, err := events.New(kind, id, actor, payload)
	if err != nil {
		// Payload types are plain structs; marshalling cannot fail.
		panic(err)
	}
	return e
}

func transitionErr(w *pipeline.WorkItem, op string, err error) error {
	return &pipeline.TransitionError{ItemID: w.ID, Op: op, From: w.State, Err: err}
}

// SubmitRequest describes one new work item.
type SubmitRequest struct {
	Spec            json.RawMessage
	Dependencies    []string
	Priority        int
	Phase           pipeline.Phase
	Role            string
	Keywords        []string
	Constraints     []string
	Resources       []string
	SuccessCriteria []string
	RollbackPlan    string
	PlanID          string
	ParentID        string
}

func (r SubmitRequest) item() pipeline.WorkItem {
	return pipeline.WorkItem{
		PlanID:          r.PlanID,
		ParentID:        r.ParentID,
		Phase:           r.Phase,
		Spec:            r.Spec,
		Priority:        r.Priority,
		Role:            r.Role,
		Keywords:        r.Keywords,
		Constraints:     r.Constraints,
		Resources:       r.Resources,
		SuccessCriteria: r.SuccessCriteria,
		RollbackPlan:    r.RollbackPlan,
	}
}

// Submit creates one item. Every dependency must already exist. Nothing is
// appended when validation fails.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]bool, len(req.Dependencies))
	for _, dep := range req.Dependencies {
		if seen[dep] {
			return "", &pipeline.ValidationError{Field: "dependencies", Message: fmt.Sprintf("duplicate dependency %s", dep)}
		}
		seen[dep] = true
		if !q.state.graph.Has(dep) {
			return "", &pipeline.ValidationError{Field: "dependencies", Message: fmt.Sprintf("unknown item %s", dep), Err: pipeline.ErrNotFound}
		}
	}
	if req.Phase != 0 && !req.Phase.Valid() {
		return "", &pipeline.ValidationError{Field: "phase", Message: fmt.Sprintf("invalid phase %d", req.Phase)}
	}
	if req.Phase == pipeline.PhaseComplete {
		return "", &pipeline.ValidationError{Field: "phase", Message: "items cannot start in the complete phase"}
	}
	if req.ParentID != "" && !q.state.graph.Has(req.ParentID) {
		return "", &pipeline.ValidationError{Field: "parent_id", Message: fmt.Sprintf("unknown item %s", req.ParentID), Err: pipeline.ErrNotFound}
	}

	id := q.newID()
	evs := []events.Event{event(events.KindCreated, id, pipeline.RoleOrchestrator, events.Created{Item: req.item()})}
	for _, dep := range req.Dependencies {
		evs = append(evs, event(events.KindDependencyAdded, id, pipeline.RoleOrchestrator, events.DependencyAdded{DependsOn: dep}))
	}
	if err := q.commit(ctx, evs...); err != nil {
		return "", err
	}
	return id, nil
}

// AddDependency adds item -> dep between existing items, rejecting any
// edge that would close a cycle.
func (q *Queue) AddDependency(ctx context.Context, item, dep string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(item)
	if err != nil {
		return err
	}
	if err := q.state.graph.CheckEdge(item, dep); err != nil {
		return &pipeline.ValidationError{Field: "dependencies", Message: err.Error(), Err: err}
	}
	if w.HasDependency(dep) {
		return nil
	}
	if w.State.Terminal() {
		return transitionErr(w, "add dependency", pipeline.ErrInvalidTransition)
	}
	return q.commit(ctx, event(events.KindDependencyAdded, item, pipeline.RoleOrchestrator, events.DependencyAdded{DependsOn: dep}))
}

// Assign hands a ready item to agent.
func (q *Queue) Assign(ctx context.Context, id, agent string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	if !w.State.Schedulable() {
		return transitionErr(w, "assign", pipeline.ErrAlreadyAssigned)
	}
	if !q.state.depsSatisfied(w) {
		return transitionErr(w, "assign", fmt.Errorf("%w: dependencies not satisfied", pipeline.ErrInvalidTransition))
	}
	return q.commit(ctx, event(events.KindAssigned, id, pipeline.RoleOrchestrator, events.Assigned{Agent: agent}))
}

func (q *Queue) owned(w *pipeline.WorkItem, op, agent string) error {
	if !w.State.Active() {
		return transitionErr(w, op, pipeline.ErrInvalidTransition)
	}
	if agent != "" && w.AssignedAgent != agent {
		return transitionErr(w, op, fmt.Errorf("%w: owned by %s, not %s", pipeline.ErrInvalidTransition, w.AssignedAgent, agent))
	}
	return nil
}

// RecordProgress notes executor progress and resets the stall timer. The
// first report moves an Assigned item to InProgress.
func (q *Queue) RecordProgress(ctx context.Context, id, agent, note string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	if err := q.owned(w, "record progress", agent); err != nil {
		return err
	}
	var evs []events.Event
	if w.State == pipeline.StateAssigned {
		evs = append(evs, event(events.KindStarted, id, pipeline.RoleExecutor, events.Started{Agent: w.AssignedAgent}))
	}
	evs = append(evs, event(events.KindProgressUpdated, id, pipeline.RoleExecutor, events.ProgressUpdated{Note: note}))
	return q.commit(ctx, evs...)
}

// Complete marks the current phase's work done. The item then waits for
// review.
func (q *Queue) Complete(ctx context.Context, id, agent, output string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	if err := q.owned(w, "complete", agent); err != nil {
		return err
	}
	return q.commit(ctx, event(events.KindCompleted, id, pipeline.RoleExecutor, events.Completed{Output: output}))
}

// Fail records a failed attempt. Under the cap the item goes back to
// Pending with its assignment cleared; at the cap it is Failed.
func (q *Queue) Fail(ctx context.Context, id, agent, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	if err := q.owned(w, "fail", agent); err != nil {
		return err
	}
	outcome := phase.FailOutcome(w.AttemptCount+1, q.maxAttempts)
	return q.commit(ctx, event(events.KindFailed, id, pipeline.RoleExecutor, events.Failed{Reason: reason, Outcome: outcome}))
}

// CancelledReason is the Failed reason recorded for cancellations.
const CancelledReason = "Cancelled"

// Cancel fails a Pending, Ready, Assigned or Blocked item with reason
// Cancelled. An InProgress item returns ErrCancelPending: its executor
// must observe the cancellation and call Aborted.
func (q *Queue) Cancel(ctx context.Context, id string, by pipeline.Role) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	switch {
	case w.State.Terminal():
		return transitionErr(w, "cancel", pipeline.ErrInvalidTransition)
	case w.State == pipeline.StateInProgress:
		return transitionErr(w, "cancel", pipeline.ErrCancelPending)
	}
	return q.commit(ctx, event(events.KindFailed, id, by, events.Failed{Reason: CancelledReason, Cancelled: true, Outcome: events.OutcomeFailed}))
}

// Aborted records that an executor abandoned an active item after a
// cancellation request.
func (q *Queue) Aborted(ctx context.Context, id, agent string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	if err := q.owned(w, "abort", agent); err != nil {
		return err
	}
	return q.commit(ctx, event(events.KindFailed, id, pipeline.RoleExecutor, events.Failed{Reason: CancelledReason, Cancelled: true, Outcome: events.OutcomeFailed}))
}

// Approve records the reviewer's approval of the item's current phase.
func (q *Queue) Approve(ctx context.Context, id string, by pipeline.Role, digest string) error {
	if by != pipeline.RoleReviewer {
		return fmt.Errorf("approve by %s: %w", by, pipeline.ErrNotPermitted)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	if w.State != pipeline.StateComplete || w.Phase == pipeline.PhaseComplete {
		return transitionErr(w, "approve", pipeline.ErrInvalidTransition)
	}
	return q.commit(ctx, event(events.KindReviewApproved, id, by, events.ReviewApproved{Phase: w.Phase, Digest: digest}))
}

// Reject records a reviewer rejection. Minor issues requeue the item in
// its phase; fundamental ones roll it back one phase, deferred while its
// sub-work is still running.
func (q *Queue) Reject(ctx context.Context, id string, by pipeline.Role, reason string, fundamental bool) error {
	if by != pipeline.RoleReviewer {
		return fmt.Errorf("reject by %s: %w", by, pipeline.ErrNotPermitted)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	dec, err := phase.Reject(w, fundamental, w.AttemptCount+1, q.maxAttempts, q.state.ChildrenActive(id))
	if err != nil {
		return err
	}
	evs := []events.Event{event(events.KindReviewRejected, id, by, events.ReviewRejected{
		Phase: w.Phase, Reason: reason, Fundamental: fundamental, Outcome: dec.Outcome,
	})}
	if dec.Outcome == events.OutcomeRollback {
		evs = append(evs, event(events.KindPhaseRolledBack, id, by, events.PhaseChanged{From: w.Phase, To: dec.Phase}))
	}
	return q.commit(ctx, evs...)
}

// Advance moves an approved item into its next phase.
func (q *Queue) Advance(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	next, _, err := phase.Advance(w)
	if err != nil {
		return err
	}
	return q.commit(ctx, event(events.KindPhaseAdvanced, id, pipeline.RoleOrchestrator, events.PhaseChanged{From: w.Phase, To: next}))
}

// ApplyDeferredRollback performs a rollback that was waiting on sub-work.
// It reports false when the item is not waiting or its children are still
// running.
func (q *Queue) ApplyDeferredRollback(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return false, err
	}
	if !w.RollbackPending || w.State != pipeline.StateBlocked || q.state.ChildrenActive(id) {
		return false, nil
	}
	prev, ok := w.Phase.Prev()
	if !ok {
		return false, transitionErr(w, "rollback", pipeline.ErrInvalidTransition)
	}
	err = q.commit(ctx, event(events.KindPhaseRolledBack, id, pipeline.RoleOrchestrator, events.PhaseChanged{From: w.Phase, To: prev}))
	return err == nil, err
}

// Block parks a non-terminal item. Blocking a Blocked item is a no-op.
func (q *Queue) Block(ctx context.Context, id, reason string, by pipeline.Role) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	if w.State == pipeline.StateBlocked {
		return nil
	}
	if w.State.Terminal() {
		return transitionErr(w, "block", pipeline.ErrInvalidTransition)
	}
	return q.commit(ctx, event(events.KindBlocked, id, by, events.Blocked{Reason: reason, Agent: w.AssignedAgent}))
}

// Stall blocks an active item whose executor stopped reporting. The Blocked
// event and a diagnostic AgentCrashed for that executor go out in one
// batch. It returns the executor that held the item.
func (q *Queue) Stall(ctx context.Context, id, reason string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return "", err
	}
	if err := q.owned(w, "stall", ""); err != nil {
		return "", err
	}
	agent := w.AssignedAgent
	return agent, q.commit(ctx,
		event(events.KindBlocked, id, pipeline.RoleOrchestrator, events.Blocked{Reason: reason, Agent: agent}),
		event(events.KindAgentCrashed, id, pipeline.RoleOrchestrator, events.Agent{
			AgentID: agent, Role: pipeline.RoleExecutor, Reason: reason, Diagnostic: true,
		}),
	)
}

// Unblock returns a Blocked item to Ready.
func (q *Queue) Unblock(ctx context.Context, id, reason string, by pipeline.Role) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	if w.State != pipeline.StateBlocked {
		return transitionErr(w, "unblock", pipeline.ErrInvalidTransition)
	}
	if w.RollbackPending {
		return transitionErr(w, "unblock", fmt.Errorf("%w: rollback pending", pipeline.ErrInvalidTransition))
	}
	return q.commit(ctx, event(events.KindUnblocked, id, by, events.Unblocked{Reason: reason}))
}

// Retry moves a Failed item back to Ready with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id, reason string, by pipeline.Role) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	if w.State != pipeline.StateFailed {
		return transitionErr(w, "retry", pipeline.ErrInvalidTransition)
	}
	return q.commit(ctx, event(events.KindRetried, id, by, events.Retried{Reason: reason}))
}

// Reopen is the external rollback command: a Complete or Failed item goes
// back to Pending. Finished items resume in their last working phase.
func (q *Queue) Reopen(ctx context.Context, id, reason string, by pipeline.Role) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	w, err := q.lookup(id)
	if err != nil {
		return err
	}
	if !w.State.Terminal() {
		return transitionErr(w, "reopen", pipeline.ErrInvalidTransition)
	}
	return q.commit(ctx, event(events.KindReopened, id, by, events.Reopened{Reason: reason, Phase: phase.ReopenPhase(w)}))
}

// Item returns a copy of one item.
func (q *Queue) Item(id string) (pipeline.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.state.Item(id)
	if !ok {
		return w, fmt.Errorf("item %s: %w", id, pipeline.ErrNotFound)
	}
	return w, nil
}

// Items returns copies of every item in creation order.
func (q *Queue) Items() []pipeline.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.Items()
}

// Plan returns the items of one plan.
func (q *Queue) Plan(planID string) []pipeline.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []pipeline.WorkItem
	for _, id := range q.state.order {
		if w := q.state.items[id]; w.PlanID == planID {
			out = append(out, w.Clone())
		}
	}
	return out
}

// ReadySet returns the current ready set lazily. Each range takes a fresh
// reading.
func (q *Queue) ReadySet() iter.Seq[string] {
	return func(yield func(string) bool) {
		q.mu.Lock()
		ids := q.state.Ready()
		q.mu.Unlock()
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

// ChildrenActive reports whether id has non-terminal sub-work.
func (q *Queue) ChildrenActive(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.ChildrenActive(id)
}

// Snapshot deep-copies the state.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.Snapshot()
}

// LastSeq is the last applied sequence number.
func (q *Queue) LastSeq() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.LastSeq()
}

// CheckEdge validates item -> dep against the live graph without changing
// anything.
func (q *Queue) CheckEdge(item, dep string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.graph.CheckEdge(item, dep)
}
