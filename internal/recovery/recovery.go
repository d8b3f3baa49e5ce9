// Package recovery rebuilds engine state from the latest checkpoint and
// the tail of the event log, and writes new checkpoints as the log grows.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/queue"
	"github.com/lucasnoah/phasefactory/internal/supervisor"
)

// Checkpoint is the snapshot persisted by the checkpoint store.
type Checkpoint struct {
	Queue  queue.Snapshot      `json:"queue"`
	Agents []supervisor.Handle `json:"agents"`
}

// Options configures Recover.
type Options struct {
	// Store holds checkpoints. Nil replays the whole log.
	Store *pipeline.CheckpointStore
	// Warm is how many events before the checkpoint are re-read to prime
	// the per-item history handed to restarted actors.
	Warm   uint64
	Logger *slog.Logger
}

// Result is the recovered state.
type Result struct {
	State    *queue.State
	Registry *supervisor.Registry
	// CheckpointSeq is zero when no checkpoint was found.
	CheckpointSeq uint64
	LastSeq       uint64
	Replayed      int
	// Reconciled counts agents that were live when the log ended.
	Reconciled int
}

// Recover loads the newest checkpoint, replays every later event into the
// queue state and the agent registry, and marks agents that were running
// as restarting. Any failure is a *pipeline.RecoveryError.
func Recover(ctx context.Context, log *events.Log, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	res := &Result{State: queue.NewState(), Registry: supervisor.NewRegistry()}
	if opts.Store != nil {
		cp, found, err := pipeline.LatestCheckpoint[Checkpoint](opts.Store)
		if err != nil {
			return nil, &pipeline.RecoveryError{Err: fmt.Errorf("load checkpoint: %w", err)}
		}
		if found {
			if cp.State.Queue.LastSeq != cp.Seq {
				return nil, &pipeline.RecoveryError{Err: fmt.Errorf("checkpoint %d holds queue state at seq %d", cp.Seq, cp.State.Queue.LastSeq)}
			}
			st, err := queue.FromSnapshot(cp.State.Queue)
			if err != nil {
				return nil, &pipeline.RecoveryError{Err: fmt.Errorf("checkpoint %d: %w", cp.Seq, err)}
			}
			res.State = st
			res.Registry = supervisor.FromHandles(cp.State.Agents, cp.Seq)
			res.CheckpointSeq = cp.Seq
		}
	}

	last, err := log.LastSeq(ctx)
	if err != nil {
		return nil, &pipeline.RecoveryError{LastSeq: res.CheckpointSeq, Err: fmt.Errorf("read last seq: %w", err)}
	}
	if res.CheckpointSeq > last {
		return nil, &pipeline.RecoveryError{LastSeq: last, Err: fmt.Errorf("checkpoint at seq %d is ahead of the log", res.CheckpointSeq)}
	}
	res.LastSeq = last

	from := uint64(1)
	if res.CheckpointSeq > opts.Warm {
		from = res.CheckpointSeq - opts.Warm + 1
	}
	good := from - 1
	err = log.Replay(ctx, from, func(e events.Event) error {
		if e.Seq > res.CheckpointSeq {
			res.Replayed++
		}
		if err := res.State.Apply(e); err != nil {
			return err
		}
		if err := res.Registry.Apply(e); err != nil {
			return err
		}
		good = e.Seq
		return nil
	})
	if err != nil {
		return nil, &pipeline.RecoveryError{LastSeq: good, Err: err}
	}

	res.Reconciled = res.Registry.Reconcile()
	logger.Info("recovered from event log",
		"checkpoint_seq", res.CheckpointSeq,
		"last_seq", res.LastSeq,
		"replayed", res.Replayed,
		"items", res.State.Len(),
		"agents_restarting", res.Reconciled)
	return res, nil
}
