package supervisor

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusFailed     Status = "failed"
)

// Handle is the supervisor's record of one agent.
type Handle struct {
	ID            string        `json:"id"`
	Role          pipeline.Role `json:"role"`
	Status        Status        `json:"status"`
	RestartCount  int           `json:"restart_count"`
	LastHeartbeat time.Time     `json:"last_heartbeat,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

// Registry folds agent lifecycle events into handles. Like the work queue
// it is rebuilt from the log on startup.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	lastSeq uint64
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// FromHandles restores a registry from a checkpoint taken at seq.
func FromHandles(hs []Handle, seq uint64) *Registry {
	r := NewRegistry()
	for _, h := range hs {
		r.handles[h.ID] = &h
	}
	r.lastSeq = seq
	return r
}

// Apply folds e. Non-agent events and events at or below the last applied
// seq only advance the cursor.
func (r *Registry) Apply(e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Seq != 0 && e.Seq <= r.lastSeq {
		return nil
	}
	if e.Seq != 0 {
		r.lastSeq = e.Seq
	}
	if !e.Kind.AgentKind() {
		return nil
	}
	p, err := events.Decode[events.Agent](e)
	if err != nil {
		return fmt.Errorf("agent event %d: %w", e.Seq, err)
	}
	if p.Diagnostic {
		return nil
	}
	h, ok := r.handles[p.AgentID]
	if !ok {
		h = &Handle{ID: p.AgentID, Role: p.Role}
		r.handles[p.AgentID] = h
	}
	switch e.Kind {
	case events.KindAgentStarted:
		h.Status = StatusRunning
		h.RestartCount = p.RestartCount
		h.LastError = ""
	case events.KindAgentCrashed:
		h.Status = StatusRestarting
		h.LastError = p.Reason
	case events.KindAgentRestarted:
		h.Status = StatusRunning
		h.RestartCount = p.RestartCount
	case events.KindAgentFailed:
		h.Status = StatusFailed
		h.LastError = p.Reason
	}
	return nil
}

// Reconcile marks agents that were live when the previous process stopped
// as Restarting: nothing of them survived the restart.
func (r *Registry) Reconcile() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.handles {
		if h.Status == StatusRunning || h.Status == StatusStarting {
			h.Status = StatusRestarting
			n++
		}
	}
	return n
}

// Beat records a heartbeat.
func (r *Registry) Beat(id string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[id]; ok {
		h.LastHeartbeat = t
	}
}

func (r *Registry) ensure(id string, role pipeline.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[id]; !ok {
		r.handles[id] = &Handle{ID: id, Role: role, Status: StatusStarting}
	}
}

// Handle returns a copy of one agent's handle.
func (r *Registry) Handle(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Handles returns every handle sorted by id.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, *h)
	}
	slices.SortFunc(out, func(a, b Handle) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) LastSeq() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeq
}
