package events

import (
	"slices"

	"github.com/lucasnoah/phasefactory/internal/metrics"
)

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	ItemID string
	Kinds  []Kind
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.ItemID != "" && e.WorkItemID != f.ItemID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	return true
}

// Subscription receives appended events matching its filter. A subscriber
// that falls behind loses events rather than stalling the log.
type Subscription struct {
	id     int
	log    *Log
	filter Filter
	ch     chan Event
}

// C returns the delivery channel. It is closed by Close or when the log
// closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	if _, ok := s.log.subs[s.id]; ok {
		delete(s.log.subs, s.id)
		close(s.ch)
	}
}

// Subscribe registers a live subscriber with the given channel buffer.
func (l *Log) Subscribe(f Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	s := &Subscription{id: l.nextSub, log: l, filter: f, ch: make(chan Event, buffer)}
	l.subs[s.id] = s
	return s
}

// publish runs with l.mu held.
func (l *Log) publish(e Event) {
	for _, s := range l.subs {
		if !s.filter.Match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			metrics.StreamDropped.Inc()
			l.logger.Warn("event subscriber full, dropping event", "seq", e.Seq, "kind", e.Kind)
		}
	}
}
