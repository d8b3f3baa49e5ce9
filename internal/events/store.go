package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by storage used after Close.
var ErrClosed = errors.New("event storage closed")

// Storage is the durable append target. Append assigns the next sequence
// number and returns only after the event is durable. ReadRange returns
// events with from <= seq <= to in order; to == 0 means through the end.
type Storage interface {
	Append(ctx context.Context, e Event) (uint64, error)
	ReadRange(ctx context.Context, from, to uint64) ([]Event, error)
	LastSeq(ctx context.Context) (uint64, error)
	Close() error
}

// BatchAppender is implemented by storage that can append several events
// in one crash-atomic call. Sequence numbers are contiguous.
type BatchAppender interface {
	AppendBatch(ctx context.Context, evs []Event) ([]uint64, error)
}

// MemoryStore keeps events in a slice. It is used by tests and by the
// "memory" storage backend.
type MemoryStore struct {
	mu        sync.Mutex
	events    []Event
	closed    bool
	appendErr error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailAppends makes subsequent appends return err until called with nil.
func (m *MemoryStore) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

func (m *MemoryStore) Append(ctx context.Context, e Event) (uint64, error) {
	seqs, err := m.AppendBatch(ctx, []Event{e})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

func (m *MemoryStore) AppendBatch(ctx context.Context, evs []Event) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	seqs := make([]uint64, len(evs))
	for i, e := range evs {
		e.Seq = uint64(len(m.events)) + 1
		e.Payload = append([]byte(nil), e.Payload...)
		m.events = append(m.events, e)
		seqs[i] = e.Seq
	}
	return seqs, nil
}

func (m *MemoryStore) ReadRange(ctx context.Context, from, to uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if from == 0 {
		from = 1
	}
	last := uint64(len(m.events))
	if to == 0 || to > last {
		to = last
	}
	if from > to {
		return nil, nil
	}
	out := make([]Event, 0, to-from+1)
	out = append(out, m.events[from-1:to]...)
	return out, nil
}

func (m *MemoryStore) LastSeq(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.events)), nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Truncate drops every event after seq. Tests use it to model a crash
// between two appends.
func (m *MemoryStore) Truncate(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > uint64(len(m.events)) {
		return fmt.Errorf("truncate to %d: log has %d events", seq, len(m.events))
	}
	m.events = m.events[:seq]
	return nil
}
