package recovery

import (
	"context"
	"fmt"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/queue"
	"github.com/lucasnoah/phasefactory/internal/supervisor"
)

const syncPage = 512

// Checkpointer keeps a private fold of the log and saves it every Every
// events. It reads the log rather than the live state, so a checkpoint is
// always exactly the fold of events 1..Seq.
type Checkpointer struct {
	log   *events.Log
	store *pipeline.CheckpointStore
	every uint64
	state *queue.State
	reg   *supervisor.Registry
	saved uint64
}

// NewCheckpointer starts from a recovery result. It copies the result, so
// the result may be handed to the live queue afterwards.
func NewCheckpointer(log *events.Log, store *pipeline.CheckpointStore, from *Result, every int) (*Checkpointer, error) {
	st, err := queue.FromSnapshot(from.State.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("copy recovered state: %w", err)
	}
	if every <= 0 {
		every = 1000
	}
	return &Checkpointer{
		log:   log,
		store: store,
		every: uint64(every),
		state: st,
		reg:   supervisor.FromHandles(from.Registry.Handles(), from.Registry.LastSeq()),
		saved: from.CheckpointSeq,
	}, nil
}

// Seq is the last event folded.
func (c *Checkpointer) Seq() uint64 { return c.state.LastSeq() }

// Sync folds newly appended events and saves a checkpoint once Every events
// have accumulated since the last one. It reports whether it saved.
func (c *Checkpointer) Sync(ctx context.Context) (bool, error) {
	last, err := c.log.LastSeq(ctx)
	if err != nil {
		return false, fmt.Errorf("read last seq: %w", err)
	}
	for next := c.state.LastSeq() + 1; next <= last; {
		to := min(next+syncPage-1, last)
		page, err := c.log.ReadRange(ctx, next, to)
		if err != nil {
			return false, fmt.Errorf("read events %d-%d: %w", next, to, err)
		}
		if len(page) == 0 {
			return false, fmt.Errorf("missing events %d-%d", next, to)
		}
		for _, e := range page {
			if e.Seq != next {
				return false, fmt.Errorf("sequence gap: expected %d, got %d", next, e.Seq)
			}
			if err := c.state.Apply(e); err != nil {
				return false, err
			}
			if err := c.reg.Apply(e); err != nil {
				return false, err
			}
			next++
		}
	}
	if c.state.LastSeq()-c.saved < c.every {
		return false, nil
	}
	return true, c.Save()
}

// Save writes a checkpoint at the current fold position.
func (c *Checkpointer) Save() error {
	seq := c.state.LastSeq()
	if seq == 0 || seq == c.saved {
		return nil
	}
	cp := Checkpoint{Queue: c.state.Snapshot(), Agents: c.reg.Handles()}
	if err := pipeline.SaveCheckpoint(c.store, seq, cp); err != nil {
		return err
	}
	c.saved = seq
	return nil
}
