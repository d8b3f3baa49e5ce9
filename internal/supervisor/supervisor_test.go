package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/phasefactory/internal/actor"
	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/protocol"
)

type stubActor struct {
	seen    *recorder
	block   <-chan struct{}
	failNew bool
}

type recorder struct {
	mu   sync.Mutex
	msgs []any
}

func (r *recorder) add(m any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) restores() []protocol.Restore {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Restore
	for _, m := range r.msgs {
		if rs, ok := m.(protocol.Restore); ok {
			out = append(out, rs)
		}
	}
	return out
}

func (r *recorder) count(match func(any) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if match(m) {
			n++
		}
	}
	return n
}

func (p *stubActor) Start(*actor.Context) error {
	if p.failNew {
		return errors.New("cannot start")
	}
	return nil
}

func (p *stubActor) Receive(_ *actor.Context, msg any) error {
	switch msg {
	case "crash":
		return errors.New("boom")
	case "hang":
		<-p.block
	}
	p.seen.add(msg)
	return nil
}

type fixture struct {
	log   *events.Log
	reg   *Registry
	sup   *Supervisor
	ref   *actor.Ref
	seen  *recorder
	orch  *recorder
	errc  chan error
	block chan struct{}
}

type opt func(*Options, *stubActor)

func newFixture(t *testing.T, reg *Registry, mods ...opt) *fixture {
	t.Helper()
	f := &fixture{
		log:   events.NewLog(events.NewMemoryStore()),
		reg:   reg,
		ref:   actor.NewRef("exec-1", pipeline.RoleExecutor, 16),
		seen:  &recorder{},
		orch:  &recorder{},
		errc:  make(chan error, 1),
		block: make(chan struct{}),
	}
	t.Cleanup(func() { close(f.block) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	orchRef := actor.NewRef("orchestrator", pipeline.RoleOrchestrator, 64)
	go func() { _ = actor.Run(ctx, orchRef, &stubActor{seen: f.orch}, actor.RunOptions{}) }()

	opts := Options{
		HeartbeatInterval: 5 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
		RestartCap:        3,
		RestartWindow:     time.Minute,
		InFlight:          func(string) []string { return []string{"w1"} },
		Orchestrator:      orchRef,
	}
	base := &stubActor{seen: f.seen, block: f.block}
	for _, m := range mods {
		m(&opts, base)
	}
	spec := ChildSpec{
		ID: "exec-1", Role: pipeline.RoleExecutor, Ref: f.ref,
		New: func(protocol.Restore) actor.Actor {
			p := *base
			return &p
		},
	}
	sup, err := New(f.log, reg, []ChildSpec{spec}, opts)
	require.NoError(t, err)
	f.sup = sup
	go func() { f.errc <- sup.Run(ctx) }()
	return f
}

func (f *fixture) kinds(t *testing.T) []events.Kind {
	t.Helper()
	evs, err := f.log.ReadRange(context.Background(), 1, 0)
	require.NoError(t, err)
	var out []events.Kind
	for _, e := range evs {
		out = append(out, e.Kind)
	}
	return out
}

func (f *fixture) waitStatus(t *testing.T, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		h, ok := f.reg.Handle("exec-1")
		return ok && h.Status == want
	}, 2*time.Second, 5*time.Millisecond, "status %s", want)
}

func TestSupervisor_StartAnnounces(t *testing.T) {
	f := newFixture(t, NewRegistry())
	f.waitStatus(t, StatusRunning)
	assert.Equal(t, []events.Kind{events.KindAgentStarted}, f.kinds(t))
	require.Eventually(t, func() bool {
		return f.orch.count(func(m any) bool { _, ok := m.(protocol.AgentUp); return ok }) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_RestartAfterCrash(t *testing.T) {
	f := newFixture(t, NewRegistry())
	f.waitStatus(t, StatusRunning)

	_, err := f.log.Append(context.Background(), mustEvent(t, "w1"))
	require.NoError(t, err)

	require.True(t, f.ref.TryTell("crash"))
	require.Eventually(t, func() bool {
		h, _ := f.reg.Handle("exec-1")
		return h.Status == StatusRunning && h.RestartCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []events.Kind{
		events.KindAgentStarted, events.KindCreated, events.KindAgentCrashed, events.KindAgentRestarted,
	}, f.kinds(t))

	require.Eventually(t, func() bool { return len(f.seen.restores()) == 1 }, time.Second, 5*time.Millisecond)
	rs := f.seen.restores()[0]
	assert.Equal(t, 1, rs.Restart)
	assert.Equal(t, []string{"w1"}, rs.InFlight)
	require.Len(t, rs.Events, 1)
	assert.Equal(t, "w1", rs.Events[0].WorkItemID)

	require.Eventually(t, func() bool {
		return f.orch.count(func(m any) bool { d, ok := m.(protocol.AgentDown); return ok && !d.Failed }) == 1
	}, time.Second, 5*time.Millisecond)

	// The mailbox survived the restart.
	require.True(t, f.ref.TryTell("hello"))
	require.Eventually(t, func() bool {
		return f.seen.count(func(m any) bool { return m == "hello" }) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_RestartCapEscalates(t *testing.T) {
	f := newFixture(t, NewRegistry(), func(_ *Options, p *stubActor) { p.failNew = true })

	select {
	case esc := <-f.sup.Escalations():
		assert.Equal(t, "exec-1", esc.AgentID)
		assert.Equal(t, 3, esc.Restarts)
		assert.Contains(t, esc.Error(), "cannot start")
	case <-time.After(2 * time.Second):
		t.Fatal("no escalation")
	}
	f.waitStatus(t, StatusFailed)

	kinds := f.kinds(t)
	assert.Equal(t, events.KindAgentFailed, kinds[len(kinds)-1])
	crashes := 0
	for _, k := range kinds {
		if k == events.KindAgentCrashed {
			crashes++
		}
	}
	assert.Equal(t, 4, crashes)
	require.Eventually(t, func() bool {
		return f.orch.count(func(m any) bool { d, ok := m.(protocol.AgentDown); return ok && d.Failed }) == 1
	}, time.Second, 5*time.Millisecond)

	// Failed agents stay down.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, len(kinds), len(f.kinds(t)))
}

func TestSupervisor_HeartbeatTimeout(t *testing.T) {
	f := newFixture(t, NewRegistry(), func(o *Options, _ *stubActor) { o.HeartbeatTimeout = 60 * time.Millisecond })
	f.waitStatus(t, StatusRunning)

	require.True(t, f.ref.TryTell("hang"))
	require.Eventually(t, func() bool {
		h, _ := f.reg.Handle("exec-1")
		return h.RestartCount == 1 && h.Status == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	evs, err := f.log.ReadRange(context.Background(), 1, 0)
	require.NoError(t, err)
	var reason string
	for _, e := range evs {
		if e.Kind == events.KindAgentCrashed {
			p, err := events.Decode[events.Agent](e)
			require.NoError(t, err)
			reason = p.Reason
		}
	}
	assert.Contains(t, reason, "no heartbeat")
}

func TestSupervisor_ResumesRecoveredAgent(t *testing.T) {
	reg := FromHandles([]Handle{{ID: "exec-1", Role: pipeline.RoleExecutor, Status: StatusRestarting, RestartCount: 2}}, 0)
	f := newFixture(t, reg)

	require.Eventually(t, func() bool {
		h, _ := reg.Handle("exec-1")
		return h.Status == StatusRunning && h.RestartCount == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.Kind{events.KindAgentRestarted}, f.kinds(t))
	require.Eventually(t, func() bool { return len(f.seen.restores()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSupervisor_FailedAgentStartsFresh(t *testing.T) {
	reg := FromHandles([]Handle{{ID: "exec-1", Role: pipeline.RoleExecutor, Status: StatusFailed, RestartCount: 5}}, 0)
	f := newFixture(t, reg)
	require.Eventually(t, func() bool {
		h, _ := reg.Handle("exec-1")
		return h.Status == StatusRunning && h.RestartCount == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []events.Kind{events.KindAgentStarted}, f.kinds(t))
}

func TestSupervisor_AppendFailureIsFatal(t *testing.T) {
	store := events.NewMemoryStore()
	store.FailAppends(errors.New("disk gone"))
	log := events.NewLog(store)
	ref := actor.NewRef("x", pipeline.RoleExecutor, 4)
	sup, err := New(log, NewRegistry(), []ChildSpec{{
		ID: "x", Role: pipeline.RoleExecutor, Ref: ref,
		New: func(protocol.Restore) actor.Actor { return &stubActor{seen: &recorder{}} },
	}}, Options{HeartbeatInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = sup.Run(ctx)
	assert.ErrorContains(t, err, "disk gone")
}

func TestNew_RejectsBadSpecs(t *testing.T) {
	log := events.NewLog(events.NewMemoryStore())
	ref := actor.NewRef("a", pipeline.RoleExecutor, 1)
	mk := func(protocol.Restore) actor.Actor { return &stubActor{} }
	_, err := New(log, NewRegistry(), []ChildSpec{{ID: "a", Ref: ref, New: mk}, {ID: "a", Ref: ref, New: mk}}, Options{})
	assert.Error(t, err)
	_, err = New(log, NewRegistry(), []ChildSpec{{ID: "b"}}, Options{})
	assert.Error(t, err)
}

func mustEvent(t *testing.T, id string) events.Event {
	t.Helper()
	e, err := events.New(events.KindCreated, id, pipeline.RoleExternal, events.Created{Item: pipeline.WorkItem{ID: id}})
	require.NoError(t, err)
	return e
}
