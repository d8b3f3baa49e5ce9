package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lucasnoah/phasefactory/internal/metrics"
)

const (
	defaultRecent = 64
	replayPage    = 512
)

// Log serializes appends to a Storage, stamps events, and fans appended
// events out to subscribers. The in-memory work queue must only apply an
// event after Append has returned it.
type Log struct {
	mu     sync.Mutex
	store  Storage
	node   string
	now    func() time.Time
	logger *slog.Logger
	lastTS time.Time

	recentSize int
	recent     map[string][]Event

	nextSub int
	subs    map[int]*Subscription
}

// Option configures a Log.
type Option func(*Log)

// WithNode sets the origin id stamped on every appended event.
func WithNode(id string) Option { return func(l *Log) { l.node = id } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Log) { l.now = now } }

func WithLogger(logger *slog.Logger) Option { return func(l *Log) { l.logger = logger } }

// WithRecent sets how many events per work item are kept for restarts.
func WithRecent(n int) Option { return func(l *Log) { l.recentSize = n } }

// DefaultNode is the origin id of a log created without WithNode.
const DefaultNode = "local"

// NewLog wraps store.
func NewLog(store Storage, opts ...Option) *Log {
	l := &Log{
		store:      store,
		node:       DefaultNode,
		now:        time.Now,
		logger:     slog.Default(),
		recentSize: defaultRecent,
		recent:     make(map[string][]Event),
		subs:       make(map[int]*Subscription),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Node returns the origin id of this log.
func (l *Log) Node() string { return l.node }

// Append durably writes e and returns it with Seq, Timestamp and Origin set.
func (l *Log) Append(ctx context.Context, e Event) (Event, error) {
	out, err := l.AppendBatch(ctx, []Event{e})
	if err != nil {
		return Event{}, err
	}
	return out[0], nil
}

// AppendBatch writes evs in order. When the storage implements
// BatchAppender the whole batch is crash-atomic.
func (l *Log) AppendBatch(ctx context.Context, evs []Event) ([]Event, error) {
	if len(evs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, len(evs))
	prev := l.lastTS
	for i, e := range evs {
		ts := l.now().UTC()
		if ts.Before(prev) {
			ts = prev
		}
		prev = ts
		e.Timestamp = ts
		e.Origin = l.node
		e.Seq, e.OriginSeq = 0, 0
		out[i] = e
	}

	start := time.Now()
	var seqs []uint64
	if ba, ok := l.store.(BatchAppender); ok && len(out) > 1 {
		var err error
		seqs, err = ba.AppendBatch(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("append batch of %d: %w", len(out), err)
		}
	} else {
		for _, e := range out {
			seq, err := l.store.Append(ctx, e)
			if err != nil {
				return nil, fmt.Errorf("append %s: %w", e.Kind, err)
			}
			seqs = append(seqs, seq)
		}
	}
	metrics.AppendDuration.Observe(time.Since(start).Seconds())

	for i := range out {
		out[i].Seq = seqs[i]
		out[i].OriginSeq = seqs[i]
		l.lastTS = out[i].Timestamp
		metrics.EventsAppended.WithLabelValues(string(out[i].Kind)).Inc()
		l.remember(out[i])
		l.publish(out[i])
	}
	return out, nil
}

// ReadRange reads straight from storage.
func (l *Log) ReadRange(ctx context.Context, from, to uint64) ([]Event, error) {
	evs, err := l.store.ReadRange(ctx, from, to)
	for i := range evs {
		evs[i] = local(evs[i])
	}
	return evs, err
}

// local fills OriginSeq for events this node appended. Storage assigns
// Seq during the write, so it stores those events with OriginSeq 0.
func local(e Event) Event {
	if e.OriginSeq == 0 {
		e.OriginSeq = e.Seq
	}
	return e
}

// LastSeq returns the highest durable sequence number.
func (l *Log) LastSeq(ctx context.Context) (uint64, error) {
	return l.store.LastSeq(ctx)
}

// Replay streams every event with seq >= from to fn in order. Sequence
// gaps are reported as errors. Replayed events also prime the per-item
// history used by Recent.
func (l *Log) Replay(ctx context.Context, from uint64, fn func(Event) error) error {
	if from == 0 {
		from = 1
	}
	last, err := l.store.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("read last seq: %w", err)
	}
	next := from
	for next <= last {
		to := min(next+replayPage-1, last)
		page, err := l.store.ReadRange(ctx, next, to)
		if err != nil {
			return fmt.Errorf("read events %d-%d: %w", next, to, err)
		}
		if len(page) == 0 {
			return fmt.Errorf("missing events %d-%d", next, to)
		}
		for _, e := range page {
			e = local(e)
			if e.Seq != next {
				return fmt.Errorf("sequence gap: expected %d, got %d", next, e.Seq)
			}
			if err := fn(e); err != nil {
				return err
			}
			l.mu.Lock()
			l.remember(e)
			if e.Timestamp.After(l.lastTS) {
				l.lastTS = e.Timestamp
			}
			l.mu.Unlock()
			next++
		}
	}
	return nil
}

func (l *Log) remember(e Event) {
	if e.WorkItemID == "" || l.recentSize <= 0 {
		return
	}
	h := append(l.recent[e.WorkItemID], e)
	if len(h) > l.recentSize {
		h = slices.Clone(h[len(h)-l.recentSize:])
	}
	l.recent[e.WorkItemID] = h
}

// Recent returns up to n of the latest events for each of itemIDs, merged
// in sequence order.
func (l *Log) Recent(itemIDs []string, n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, id := range itemIDs {
		h := l.recent[id]
		if n > 0 && len(h) > n {
			h = h[len(h)-n:]
		}
		out = append(out, h...)
	}
	slices.SortFunc(out, func(a, b Event) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}

// Close closes storage and every subscription.
func (l *Log) Close() error {
	l.mu.Lock()
	for id, s := range l.subs {
		close(s.ch)
		delete(l.subs, id)
	}
	l.mu.Unlock()
	return l.store.Close()
}
