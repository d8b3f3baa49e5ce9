package peer

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/metrics"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/queue"
)

// Options configures a Coordinator.
type Options struct {
	// RepairInterval is how often every known peer is asked for events
	// past the local watermark. Default 5s.
	RepairInterval time.Duration
	// RepairBatch caps one range request. Default 500.
	RepairBatch uint64
	// Buffer sizes the inbound and local-broadcast queues. Default 1024.
	Buffer int
	// Local reports whether an item id belongs to this node's queue.
	// Remote events for such items are kept but flagged as conflicts.
	Local  func(id string) bool
	Logger *slog.Logger
}

// View summarises what this node has mirrored from one origin.
type View struct {
	Origin    string              `json:"origin"`
	LastSeq   uint64              `json:"last_seq"`
	Pending   int                 `json:"pending"`
	Conflicts int                 `json:"conflicts"`
	Diverged  string              `json:"diverged,omitempty"`
	LastSeen  time.Time           `json:"last_seen"`
	Items     []pipeline.WorkItem `json:"items"`
}

type view struct {
	origin    string
	state     *queue.State
	events    []events.Event
	last      uint64
	pending   map[uint64]events.Event
	conflicts int
	diverged  error
	seen      time.Time
}

// Coordinator broadcasts local events and folds peers' events into
// per-origin views. Remote events are deduplicated by (origin,
// origin_seq), applied strictly in origin_seq order and never dropped:
// out-of-order arrivals wait until the gap before them is filled.
type Coordinator struct {
	node   string
	log    *events.Log
	t      Transport
	opts   Options
	logger *slog.Logger

	in    chan events.Event
	ready chan struct{}
	done  chan struct{}

	mu    sync.RWMutex
	views map[string]*view
}

// New creates a Coordinator for log, whose node id names this origin.
func New(log *events.Log, t Transport, opts Options) (*Coordinator, error) {
	if n := log.Node(); n == "" || n == events.DefaultNode {
		return nil, fmt.Errorf("peer coordination needs a unique node id, got %q", n)
	}
	if opts.RepairInterval <= 0 {
		opts.RepairInterval = 5 * time.Second
	}
	if opts.RepairBatch == 0 {
		opts.RepairBatch = 500
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		node:   log.Node(),
		log:    log,
		t:      t,
		opts:   opts,
		logger: opts.Logger.With("component", "peer", "node", log.Node()),
		in:     make(chan events.Event, opts.Buffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		views:  make(map[string]*view),
	}, nil
}

// Run serves range requests, broadcasts local appends and applies peer
// events until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	stopServe, err := c.t.Serve(c.node, c.serveRange)
	if err != nil {
		return err
	}
	defer stopServe()
	stopSub, err := c.t.Subscribe(c.receive)
	if err != nil {
		return err
	}
	defer stopSub()
	local := c.log.Subscribe(events.Filter{}, c.opts.Buffer)
	defer local.Close()

	ticker := time.NewTicker(c.opts.RepairInterval)
	defer ticker.Stop()
	close(c.ready)
	c.logger.Info("peer coordination started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-local.C():
			if !ok {
				return nil
			}
			if e.Origin != c.node {
				continue
			}
			if err := c.t.Publish(ctx, e); err != nil {
				// Peers notice the gap and ask for the range.
				metrics.PeerEvents.WithLabelValues("out", "error").Inc()
				c.logger.Warn("broadcast failed", "seq", e.Seq, "error", err)
				continue
			}
			metrics.PeerEvents.WithLabelValues("out", "ok").Inc()
		case e := <-c.in:
			c.handle(ctx, e)
		case <-ticker.C:
			c.repairAll(ctx)
		}
	}
}

// Ready is closed once Run is broadcasting and listening.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

// receive is called on the transport's goroutine. It blocks rather than
// drop when the coordinator is behind.
func (c *Coordinator) receive(e events.Event) {
	select {
	case c.in <- e:
	case <-c.done:
	}
}

func (c *Coordinator) serveRange(ctx context.Context, from, to uint64) ([]events.Event, error) {
	if from == 0 {
		from = 1
	}
	if limit := from + c.opts.RepairBatch - 1; to == 0 || to > limit {
		to = limit
	}
	evs, err := c.log.ReadRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(evs, func(e events.Event) bool { return e.Origin != c.node }), nil
}

func (c *Coordinator) handle(ctx context.Context, e events.Event) {
	if e.Origin == "" || e.Origin == c.node {
		return
	}
	if c.accept(e) {
		c.repair(ctx, e.Origin)
	}
}

// accept buffers e and applies whatever is now contiguous. It reports
// whether a gap remains.
func (c *Coordinator) accept(e events.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.views[e.Origin]
	if !ok {
		v = &view{origin: e.Origin, state: queue.NewState(), pending: make(map[uint64]events.Event)}
		c.views[e.Origin] = v
		c.logger.Info("new peer", "origin", e.Origin)
	}
	v.seen = time.Now()
	if _, dup := v.pending[e.OriginSeq]; dup || e.OriginSeq <= v.last {
		metrics.PeerEvents.WithLabelValues("in", "duplicate").Inc()
		return len(v.pending) > 0
	}
	v.pending[e.OriginSeq] = e
	for {
		next, ok := v.pending[v.last+1]
		if !ok {
			break
		}
		delete(v.pending, v.last+1)
		c.apply(v, next)
	}
	return len(v.pending) > 0
}

// apply runs with c.mu held.
func (c *Coordinator) apply(v *view, e events.Event) {
	e.Seq = e.OriginSeq
	v.events = append(v.events, e)
	v.last = e.OriginSeq
	metrics.PeerEvents.WithLabelValues("in", "ok").Inc()

	if e.WorkItemID != "" && c.opts.Local != nil && c.opts.Local(e.WorkItemID) {
		v.conflicts++
		metrics.PeerEvents.WithLabelValues("in", "conflict").Inc()
		c.logger.Warn("peer event for a locally owned item ignored", "origin", v.origin, "item", e.WorkItemID, "kind", e.Kind)
		return
	}
	if err := v.state.Apply(e); err != nil && v.diverged == nil {
		v.diverged = err
		c.logger.Error("peer view diverged", "origin", v.origin, "error", err)
	}
}

// repair asks origin for the events missing before its oldest pending
// one.
func (c *Coordinator) repair(ctx context.Context, origin string) {
	c.mu.RLock()
	v := c.views[origin]
	from := v.last + 1
	var to uint64
	for seq := range v.pending {
		if to == 0 || seq < to {
			to = seq
		}
	}
	c.mu.RUnlock()
	if to > 0 {
		to--
	}
	c.fetch(ctx, origin, from, to)
}

func (c *Coordinator) repairAll(ctx context.Context) {
	c.mu.RLock()
	origins := make([]string, 0, len(c.views))
	for o := range c.views {
		origins = append(origins, o)
	}
	c.mu.RUnlock()
	slices.Sort(origins)
	for _, o := range origins {
		c.repair(ctx, o)
	}
}

// fetch requests [from, to] (to == 0: anything newer) and feeds the reply
// through accept.
func (c *Coordinator) fetch(ctx context.Context, origin string, from, to uint64) {
	if to > 0 && to < from {
		return
	}
	evs, err := c.t.Request(ctx, origin, from, to)
	if err != nil {
		metrics.PeerEvents.WithLabelValues("repair", "error").Inc()
		c.logger.Warn("range request failed", "origin", origin, "from", from, "to", to, "error", err)
		return
	}
	if len(evs) > 0 {
		metrics.PeerEvents.WithLabelValues("repair", "ok").Inc()
		c.logger.Debug("range repaired", "origin", origin, "from", from, "count", len(evs))
	}
	for _, e := range evs {
		if e.Origin == origin {
			c.accept(e)
		}
	}
}

// Views returns a snapshot of every peer view, sorted by origin.
func (c *Coordinator) Views() []View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]View, 0, len(c.views))
	for _, v := range c.views {
		pv := View{
			Origin: v.origin, LastSeq: v.last, Pending: len(v.pending),
			Conflicts: v.conflicts, LastSeen: v.seen, Items: v.state.Items(),
		}
		if v.diverged != nil {
			pv.Diverged = v.diverged.Error()
		}
		out = append(out, pv)
	}
	slices.SortFunc(out, func(a, b View) int { return cmp.Compare(a.Origin, b.Origin) })
	return out
}

// Events returns the mirrored events of origin with origin_seq > after.
func (c *Coordinator) Events(origin string, after uint64) ([]events.Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.views[origin]
	if !ok {
		return nil, fmt.Errorf("peer %s: %w", origin, pipeline.ErrNotFound)
	}
	i, _ := slices.BinarySearchFunc(v.events, after+1, func(e events.Event, seq uint64) int {
		return cmp.Compare(e.OriginSeq, seq)
	})
	return slices.Clone(v.events[i:]), nil
}

// Owner returns the peer whose view holds item id, or "" when no peer
// does.
func (c *Coordinator) Owner(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for o, v := range c.views {
		if _, ok := v.state.Item(id); ok {
			return o
		}
	}
	return ""
}
