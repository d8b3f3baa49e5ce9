// Package queue owns the canonical set of work items. State is a pure fold
// of the event log; Queue turns commands into events, appends them, and
// only then applies them.
package queue

import (
	"cmp"
	"fmt"
	"iter"
	"slices"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/graph"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// State is the folded work queue. It is not safe for concurrent use.
type State struct {
	items   map[string]*pipeline.WorkItem
	order   []string
	graph   *graph.Graph
	lastSeq uint64
}

func NewState() *State {
	return &State{
		items: make(map[string]*pipeline.WorkItem),
		graph: graph.New(),
	}
}

// LastSeq is the sequence number of the last applied event.
func (s *State) LastSeq() uint64 { return s.lastSeq }

// Len returns the number of items.
func (s *State) Len() int { return len(s.items) }

// Get returns the live item. Callers outside the package get clones.
func (s *State) get(id string) (*pipeline.WorkItem, bool) {
	w, ok := s.items[id]
	return w, ok
}

// Item returns a copy of the item.
func (s *State) Item(id string) (pipeline.WorkItem, bool) {
	w, ok := s.items[id]
	if !ok {
		return pipeline.WorkItem{}, false
	}
	return w.Clone(), true
}

// Items returns copies of every item in creation order.
func (s *State) Items() []pipeline.WorkItem {
	out := make([]pipeline.WorkItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id].Clone())
	}
	return out
}

// Apply folds e into the state. Events at or below LastSeq were already
// applied and are skipped, so replaying an overlapping range is harmless.
// An error means the log contradicts itself.
func (s *State) Apply(e events.Event) error {
	if e.Seq <= s.lastSeq {
		return nil
	}
	if err := s.apply(e); err != nil {
		return fmt.Errorf("apply %s seq %d item %s: %w", e.Kind, e.Seq, e.WorkItemID, err)
	}
	s.lastSeq = e.Seq
	return nil
}

func (s *State) apply(e events.Event) error {
	if e.Kind.AgentKind() {
		return nil
	}
	if e.Kind == events.KindCreated {
		return s.applyCreated(e)
	}

	w, ok := s.items[e.WorkItemID]
	if !ok {
		return pipeline.ErrNotFound
	}

	switch e.Kind {
	case events.KindDependencyAdded:
		p, err := events.Decode[events.DependencyAdded](e)
		if err != nil {
			return err
		}
		if err := s.graph.AddEdge(w.ID, p.DependsOn); err != nil {
			return err
		}
		if !w.HasDependency(p.DependsOn) {
			w.Dependencies = append(w.Dependencies, p.DependsOn)
		}

	case events.KindAssigned:
		p, err := events.Decode[events.Assigned](e)
		if err != nil {
			return err
		}
		if err := s.move(w, pipeline.StateAssigned); err != nil {
			return err
		}
		w.AssignedAgent = p.Agent
		w.LastProgress = nil

	case events.KindStarted:
		if err := s.move(w, pipeline.StateInProgress); err != nil {
			return err
		}

	case events.KindProgressUpdated:
		p, err := events.Decode[events.ProgressUpdated](e)
		if err != nil {
			return err
		}
		w.LastProgress = &pipeline.Progress{Note: p.Note, At: e.Timestamp}

	case events.KindCompleted:
		p, err := events.Decode[events.Completed](e)
		if err != nil {
			return err
		}
		if err := s.move(w, pipeline.StateComplete); err != nil {
			return err
		}
		w.Output = p.Output
		w.AssignedAgent = ""
		// New output needs a fresh review.
		w.ApprovedPhase = 0

	case events.KindFailed:
		p, err := events.Decode[events.Failed](e)
		if err != nil {
			return err
		}
		if !p.Cancelled {
			w.AttemptCount++
		}
		next := pipeline.StateFailed
		if p.Outcome == events.OutcomeRequeue {
			next = pipeline.StatePending
		}
		if err := s.move(w, next); err != nil {
			return err
		}
		w.AssignedAgent = ""
		w.BlockedReason = ""

	case events.KindReviewApproved:
		p, err := events.Decode[events.ReviewApproved](e)
		if err != nil {
			return err
		}
		w.ApprovedPhase = p.Phase

	case events.KindReviewRejected:
		p, err := events.Decode[events.ReviewRejected](e)
		if err != nil {
			return err
		}
		w.AttemptCount++
		w.ApprovedPhase = 0
		w.ReviewFeedback = append(w.ReviewFeedback, pipeline.Feedback{
			Phase: p.Phase, Reason: p.Reason, Fundamental: p.Fundamental, At: e.Timestamp,
		})
		switch p.Outcome {
		case events.OutcomeRequeue, events.OutcomeRollback:
			err = s.move(w, pipeline.StatePending)
		case events.OutcomeDeferred:
			err = s.move(w, pipeline.StateBlocked)
			w.RollbackPending = true
			w.BlockedReason = "rollback waiting for sub-work"
		default:
			err = s.move(w, pipeline.StateFailed)
		}
		if err != nil {
			return err
		}

	case events.KindPhaseAdvanced:
		p, err := events.Decode[events.PhaseChanged](e)
		if err != nil {
			return err
		}
		if p.From != w.Phase {
			return fmt.Errorf("advance from %s but item is in %s", p.From, w.Phase)
		}
		w.Phase = p.To
		if p.To != pipeline.PhaseComplete {
			if err := s.move(w, pipeline.StatePending); err != nil {
				return err
			}
		}

	case events.KindPhaseRolledBack:
		p, err := events.Decode[events.PhaseChanged](e)
		if err != nil {
			return err
		}
		if p.From != w.Phase {
			return fmt.Errorf("rollback from %s but item is in %s", p.From, w.Phase)
		}
		w.Phase = p.To
		w.ApprovedPhase = 0
		w.RollbackPending = false
		w.BlockedReason = ""
		if w.State != pipeline.StatePending {
			if err := s.move(w, pipeline.StatePending); err != nil {
				return err
			}
		}

	case events.KindBlocked:
		p, err := events.Decode[events.Blocked](e)
		if err != nil {
			return err
		}
		if err := s.move(w, pipeline.StateBlocked); err != nil {
			return err
		}
		w.BlockedReason = p.Reason
		w.AssignedAgent = ""

	case events.KindUnblocked:
		if err := s.move(w, pipeline.StateReady); err != nil {
			return err
		}
		w.BlockedReason = ""

	case events.KindRetried:
		if err := s.move(w, pipeline.StateReady); err != nil {
			return err
		}
		w.AttemptCount = 0

	case events.KindReopened:
		p, err := events.Decode[events.Reopened](e)
		if err != nil {
			return err
		}
		if err := s.move(w, pipeline.StatePending); err != nil {
			return err
		}
		w.Phase = p.Phase
		w.AttemptCount = 0
		w.ApprovedPhase = 0
		w.AssignedAgent = ""

	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}

	if e.Timestamp.After(w.UpdatedAt) {
		w.UpdatedAt = e.Timestamp
	}
	return nil
}

func (s *State) applyCreated(e events.Event) error {
	if _, exists := s.items[e.WorkItemID]; exists {
		return fmt.Errorf("item %s already exists", e.WorkItemID)
	}
	p, err := events.Decode[events.Created](e)
	if err != nil {
		return err
	}
	w := p.Item.Clone()
	w.ID = e.WorkItemID
	w.State = pipeline.StatePending
	w.Dependencies = nil
	w.Children = nil
	w.AssignedAgent = ""
	if !w.Phase.Valid() {
		w.Phase = pipeline.PhasePromptToSpec
	}
	w.CreatedAt = e.Timestamp
	w.UpdatedAt = e.Timestamp

	s.items[w.ID] = &w
	s.order = append(s.order, w.ID)
	s.graph.AddNode(w.ID)
	if parent, ok := s.items[w.ParentID]; ok {
		parent.Children = append(parent.Children, w.ID)
	}
	return nil
}

func (s *State) move(w *pipeline.WorkItem, to pipeline.State) error {
	if err := pipeline.ValidateTransition(w.State, to); err != nil {
		return &pipeline.TransitionError{ItemID: w.ID, Op: "apply", From: w.State, Err: fmt.Errorf("%w: %v", pipeline.ErrInvalidTransition, err)}
	}
	w.State = to
	if to != pipeline.StateAssigned && to != pipeline.StateInProgress {
		w.AssignedAgent = ""
	}
	return nil
}

// Satisfied reports whether dep no longer holds back item. A dependency
// counts once it is Complete in item's phase or later, or has already been
// approved past item's phase.
func Satisfied(dep, item *pipeline.WorkItem) bool {
	if dep.Phase > item.Phase {
		return true
	}
	return dep.State == pipeline.StateComplete && dep.Phase >= item.Phase
}

func (s *State) depsSatisfied(w *pipeline.WorkItem) bool {
	for _, id := range w.Dependencies {
		dep, ok := s.items[id]
		if !ok || !Satisfied(dep, w) {
			return false
		}
	}
	return true
}

// Ready returns the ready set: Pending or Ready items whose dependencies
// are all satisfied, by priority desc, created_at asc, id asc.
func (s *State) Ready() []string {
	var ready []*pipeline.WorkItem
	for _, id := range s.order {
		w := s.items[id]
		if w.State.Schedulable() && s.depsSatisfied(w) {
			ready = append(ready, w)
		}
	}
	slices.SortFunc(ready, CompareSchedule)
	ids := make([]string, len(ready))
	for i, w := range ready {
		ids[i] = w.ID
	}
	return ids
}

// ReadySet is Ready as a lazy sequence. Each range recomputes it.
func (s *State) ReadySet() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, id := range s.Ready() {
			if !yield(id) {
				return
			}
		}
	}
}

// CompareSchedule orders items by priority desc, created_at asc, id asc.
func CompareSchedule(a, b *pipeline.WorkItem) int {
	if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// ChildrenActive reports whether any sub-item spawned under id is not yet
// terminal.
func (s *State) ChildrenActive(id string) bool {
	w, ok := s.items[id]
	if !ok {
		return false
	}
	for _, c := range w.Children {
		if child, ok := s.items[c]; ok && !child.State.Terminal() {
			return true
		}
	}
	return false
}
