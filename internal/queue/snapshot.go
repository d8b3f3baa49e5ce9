package queue

import (
	"fmt"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// Snapshot is a serializable copy of State, used for checkpoints and for
// handing read-only views to other actors.
type Snapshot struct {
	LastSeq uint64              `json:"last_seq"`
	Items   []pipeline.WorkItem `json:"items"`
}

// Snapshot deep-copies the state.
func (s *State) Snapshot() Snapshot {
	return Snapshot{LastSeq: s.lastSeq, Items: s.Items()}
}

// FromSnapshot rebuilds a State, including the dependency graph.
func FromSnapshot(snap Snapshot) (*State, error) {
	s := NewState()
	for _, item := range snap.Items {
		w := item.Clone()
		if _, dup := s.items[w.ID]; dup {
			return nil, fmt.Errorf("snapshot: duplicate item %s", w.ID)
		}
		s.items[w.ID] = &w
		s.order = append(s.order, w.ID)
		s.graph.AddNode(w.ID)
	}
	for _, w := range s.items {
		for _, dep := range w.Dependencies {
			if err := s.graph.AddEdge(w.ID, dep); err != nil {
				return nil, fmt.Errorf("snapshot: edge %s -> %s: %w", w.ID, dep, err)
			}
		}
	}
	s.lastSeq = snap.LastSeq
	return s, nil
}

// Fold builds a State from scratch by applying evs in order.
func Fold(evs []events.Event) (*State, error) {
	s := NewState()
	for _, e := range evs {
		if err := s.Apply(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Counts returns the number of items in each state.
func (s *State) Counts() map[pipeline.State]int {
	out := make(map[pipeline.State]int, len(pipeline.States))
	for _, st := range pipeline.States {
		out[st] = 0
	}
	for _, w := range s.items {
		out[w.State]++
	}
	return out
}
