// Package supervisor keeps the engine's actors alive: it watches
// heartbeats and exits, restarts crashed actors with the recent history of
// their in-flight work, and gives up on actors that crash too often.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lucasnoah/phasefactory/internal/actor"
	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/metrics"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/protocol"
)

// ChildSpec describes one supervised actor. New is called for the first
// start and for every restart; restarts receive the restore payload.
type ChildSpec struct {
	ID           string
	Role         pipeline.Role
	Ref          *actor.Ref
	New          func(r protocol.Restore) actor.Actor
	TickInterval time.Duration
}

// Escalation reports an agent the supervisor stopped restarting.
type Escalation struct {
	AgentID  string
	Role     pipeline.Role
	Reason   string
	Restarts int
	At       time.Time
}

func (e Escalation) Error() string {
	return fmt.Sprintf("agent %s (%s) failed after %d restarts: %s", e.AgentID, e.Role, e.Restarts, e.Reason)
}

// Options configures a Supervisor.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// RestartCap restarts within RestartWindow mark the agent Failed.
	RestartCap    int
	RestartWindow time.Duration
	// RestoreEvents is how many recent events per in-flight item a
	// restarted actor receives.
	RestoreEvents int
	// InFlight lists the items an agent currently owns.
	InFlight func(agentID string) []string
	// Orchestrator receives AgentDown and AgentUp notices. Optional.
	Orchestrator *actor.Ref
	Logger       *slog.Logger
	Now          func() time.Time
}

func (o *Options) defaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 10 * o.HeartbeatInterval
	}
	if o.RestartCap <= 0 {
		o.RestartCap = 5
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = time.Minute
	}
	if o.RestoreEvents <= 0 {
		o.RestoreEvents = 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type beat struct {
	id  string
	gen int
}

type exit struct {
	id  string
	gen int
	err error
}

type child struct {
	spec      ChildSpec
	gen       int
	cancel    context.CancelFunc
	status    Status
	restarts  int
	recent    []time.Time
	announced bool
	restarted bool
	spawnedAt time.Time
	lastBeat  time.Time
}

// Supervisor owns the children's goroutines. Every lifecycle change is
// appended to the event log before it takes effect.
type Supervisor struct {
	log  *events.Log
	reg  *Registry
	opts Options

	children map[string]*child
	order    []string

	beats       chan beat
	exits       chan exit
	escalations chan Escalation
	done        chan struct{}
	wg          sync.WaitGroup
}

// New creates a supervisor. reg carries agent state recovered from the log.
func New(log *events.Log, reg *Registry, specs []ChildSpec, opts Options) (*Supervisor, error) {
	opts.defaults()
	s := &Supervisor{
		log:         log,
		reg:         reg,
		opts:        opts,
		children:    make(map[string]*child),
		beats:       make(chan beat, 256),
		exits:       make(chan exit, len(specs)+1),
		escalations: make(chan Escalation, len(specs)+1),
		done:        make(chan struct{}),
	}
	for _, sp := range specs {
		if _, dup := s.children[sp.ID]; dup {
			return nil, fmt.Errorf("duplicate child %q", sp.ID)
		}
		if sp.Ref == nil || sp.New == nil {
			return nil, fmt.Errorf("child %q needs a ref and a constructor", sp.ID)
		}
		s.children[sp.ID] = &child{spec: sp}
		s.order = append(s.order, sp.ID)
	}
	return s, nil
}

// Escalations delivers agents the supervisor gave up on.
func (s *Supervisor) Escalations() <-chan Escalation { return s.escalations }

// Registry exposes agent handles for status queries.
func (s *Supervisor) Registry() *Registry { return s.reg }

// Run starts every child and supervises until ctx is done. It returns an
// error only when the supervisor cannot record a lifecycle event, which
// leaves the engine without a trustworthy log.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		for _, c := range s.children {
			if c.cancel != nil {
				c.cancel()
			}
		}
		close(s.done)
		s.wg.Wait()
	}()

	for _, id := range s.order {
		c := s.children[id]
		h, known := s.reg.Handle(id)
		if known {
			c.restarts = h.RestartCount
		}
		restore := protocol.Restore{}
		if known && h.Status == StatusRestarting {
			c.restarts++
			c.restarted = true
			restore = s.restore(id, c.restarts)
		} else if known && h.Status == StatusFailed {
			s.opts.Logger.Info("restarting previously failed agent fresh", "agent", id)
			c.restarts = 0
		}
		s.reg.ensure(id, c.spec.Role)
		s.spawn(ctx, c, restore)
	}

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-s.beats:
			if err := s.onBeat(ctx, b); err != nil {
				return err
			}
		case x := <-s.exits:
			c := s.children[x.id]
			if x.gen != c.gen || ctx.Err() != nil {
				continue
			}
			reason := "stopped"
			if x.err != nil {
				reason = x.err.Error()
			}
			if err := s.crash(ctx, c, reason); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) spawn(ctx context.Context, c *child, restore protocol.Restore) {
	cctx, cancel := context.WithCancel(ctx)
	c.gen++
	c.cancel = cancel
	c.announced = false
	c.spawnedAt = s.opts.Now()
	c.status = StatusStarting
	if c.restarted {
		c.status = StatusRestarting
	}

	a := c.spec.New(restore)
	if restore.Restart > 0 {
		c.spec.Ref.Redeliver(restore)
	}
	id, gen := c.spec.ID, c.gen
	hb := func() {
		select {
		case s.beats <- beat{id: id, gen: gen}:
		default:
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := actor.Run(cctx, c.spec.Ref, a, actor.RunOptions{
			Heartbeat:         hb,
			HeartbeatInterval: s.opts.HeartbeatInterval,
			TickInterval:      c.spec.TickInterval,
			Logger:            s.opts.Logger,
		})
		if err == nil && cctx.Err() == nil {
			err = actor.ErrStopped
		}
		select {
		case s.exits <- exit{id: id, gen: gen, err: err}:
		case <-s.done:
		}
	}()
}

func (s *Supervisor) onBeat(ctx context.Context, b beat) error {
	c := s.children[b.id]
	if b.gen != c.gen || c.status == StatusFailed {
		return nil
	}
	now := s.opts.Now()
	c.lastBeat = now
	s.reg.Beat(c.spec.ID, now)
	if c.announced {
		return nil
	}
	c.announced = true
	kind := events.KindAgentStarted
	if c.restarted {
		kind = events.KindAgentRestarted
	}
	if err := s.record(ctx, kind, c, ""); err != nil {
		return err
	}
	c.status = StatusRunning
	s.notify(protocol.AgentUp{AgentID: c.spec.ID, Role: c.spec.Role})
	return nil
}

func (s *Supervisor) sweep(ctx context.Context) error {
	now := s.opts.Now()
	for _, id := range s.order {
		c := s.children[id]
		if c.status == StatusFailed {
			continue
		}
		last := c.lastBeat
		if !c.announced || last.Before(c.spawnedAt) {
			last = c.spawnedAt
		}
		if now.Sub(last) > s.opts.HeartbeatTimeout {
			if err := s.crash(ctx, c, fmt.Sprintf("no heartbeat for %s", now.Sub(last).Round(time.Millisecond))); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Supervisor) crash(ctx context.Context, c *child, reason string) error {
	log := s.opts.Logger.With("agent", c.spec.ID, "role", c.spec.Role)
	log.Warn("agent crashed", "reason", reason, "restarts", c.restarts)

	c.cancel()
	c.gen++
	if err := s.record(ctx, events.KindAgentCrashed, c, reason); err != nil {
		return err
	}
	now := s.opts.Now()

	kept := c.recent[:0]
	for _, t := range c.recent {
		if now.Sub(t) < s.opts.RestartWindow {
			kept = append(kept, t)
		}
	}
	c.recent = kept

	if len(c.recent) >= s.opts.RestartCap {
		c.status = StatusFailed
		if err := s.record(ctx, events.KindAgentFailed, c, reason); err != nil {
			return err
		}
		metrics.AgentEscalations.WithLabelValues(string(c.spec.Role)).Inc()
		esc := Escalation{AgentID: c.spec.ID, Role: c.spec.Role, Reason: reason, Restarts: c.restarts, At: now}
		log.Error("agent failed, restarts stopped", "restarts", c.restarts, "window", s.opts.RestartWindow)
		select {
		case s.escalations <- esc:
		default:
			log.Error("escalation channel full", "error", esc.Error())
		}
		s.notify(protocol.AgentDown{AgentID: c.spec.ID, Role: c.spec.Role, Reason: reason, Failed: true, At: now})
		return nil
	}

	c.recent = append(c.recent, now)
	c.restarts++
	c.restarted = true
	metrics.AgentRestarts.WithLabelValues(string(c.spec.Role)).Inc()
	s.notify(protocol.AgentDown{AgentID: c.spec.ID, Role: c.spec.Role, Reason: reason, At: now})
	s.spawn(ctx, c, s.restore(c.spec.ID, c.restarts))
	return nil
}

func (s *Supervisor) restore(id string, restart int) protocol.Restore {
	r := protocol.Restore{Restart: restart}
	if s.opts.InFlight != nil {
		r.InFlight = s.opts.InFlight(id)
	}
	if len(r.InFlight) > 0 {
		r.Events = s.log.Recent(r.InFlight, s.opts.RestoreEvents)
	}
	return r
}

func (s *Supervisor) record(ctx context.Context, kind events.Kind, c *child, reason string) error {
	e, err := events.New(kind, "", pipeline.RoleSupervisor, events.Agent{
		AgentID: c.spec.ID, Role: c.spec.Role, Reason: reason, RestartCount: c.restarts,
	})
	if err != nil {
		return err
	}
	appended, err := s.log.Append(ctx, e)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("record %s for %s: %w", kind, c.spec.ID, err)
	}
	return s.reg.Apply(appended)
}

func (s *Supervisor) notify(msg any) {
	if s.opts.Orchestrator == nil {
		return
	}
	if !s.opts.Orchestrator.TryTell(msg) {
		s.opts.Logger.Warn("orchestrator mailbox full, agent notice dropped", "notice", fmt.Sprintf("%T", msg))
	}
}
