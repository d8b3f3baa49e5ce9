package queue

import (
	"maps"
	"slices"

	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// View is an immutable copy of the queue, republished after every commit.
// Everything outside the orchestrator's loop reads work items through a
// View; only the orchestrator touches the live State.
type View struct {
	lastSeq uint64
	order   []string
	items   map[string]pipeline.WorkItem
}

// LastSeq is the sequence number the view reflects.
func (v *View) LastSeq() uint64 { return v.lastSeq }

func (v *View) Len() int { return len(v.order) }

// Item returns a copy of one item.
func (v *View) Item(id string) (pipeline.WorkItem, bool) {
	w, ok := v.items[id]
	if !ok {
		return w, false
	}
	return w.Clone(), true
}

// Items returns copies of every item in creation order.
func (v *View) Items() []pipeline.WorkItem {
	out := make([]pipeline.WorkItem, 0, len(v.order))
	for _, id := range v.order {
		w := v.items[id]
		out = append(out, w.Clone())
	}
	return out
}

// Assigned returns the ids of active items held by agent.
func (v *View) Assigned(agent string) []string {
	var ids []string
	for _, id := range v.order {
		if w := v.items[id]; w.State.Active() && w.AssignedAgent == agent {
			ids = append(ids, id)
		}
	}
	return ids
}

func newView(s *State) *View {
	v := &View{
		lastSeq: s.lastSeq,
		order:   slices.Clone(s.order),
		items:   make(map[string]pipeline.WorkItem, len(s.items)),
	}
	for id, w := range s.items {
		v.items[id] = w.Clone()
	}
	return v
}

// nextView derives a view from prev with the changed items recopied from
// s. Unchanged items are shared; they are never written after publication.
func nextView(prev *View, s *State, changed []string) *View {
	v := &View{
		lastSeq: s.lastSeq,
		order:   prev.order,
		items:   maps.Clone(prev.items),
	}
	if len(s.order) != len(prev.order) {
		v.order = slices.Clone(s.order)
	}
	for _, id := range changed {
		if w, ok := s.items[id]; ok {
			v.items[id] = w.Clone()
		}
	}
	return v
}
