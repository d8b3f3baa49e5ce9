package recovery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/queue"
	"github.com/lucasnoah/phasefactory/internal/supervisor"
)

type world struct {
	store *events.MemoryStore
	log   *events.Log
	q     *queue.Queue
}

func newWorld(t *testing.T) *world {
	t.Helper()
	store := events.NewMemoryStore()
	log := events.NewLog(store)
	n := 0
	q := queue.New(log, queue.NewState(), queue.Options{
		MaxAttempts: 3,
		NewID: func() string {
			n++
			return fmt.Sprintf("w%d", n)
		},
	})
	return &world{store: store, log: log, q: q}
}

func (w *world) agent(t *testing.T, kind events.Kind, id string, restarts int) {
	t.Helper()
	e, err := events.New(kind, "", pipeline.RoleSupervisor, events.Agent{AgentID: id, Role: pipeline.RoleExecutor, RestartCount: restarts})
	require.NoError(t, err)
	_, err = w.log.Append(context.Background(), e)
	require.NoError(t, err)
}

// drive produces a log with every item event kind the orchestrator uses.
func (w *world) drive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	w.agent(t, events.KindAgentStarted, "exec-1", 0)
	a, err := w.q.Submit(ctx, queue.SubmitRequest{Priority: 2})
	require.NoError(t, err)
	b, err := w.q.Submit(ctx, queue.SubmitRequest{Dependencies: []string{a}})
	require.NoError(t, err)

	require.NoError(t, w.q.Assign(ctx, a, "exec-1"))
	require.NoError(t, w.q.RecordProgress(ctx, a, "exec-1", "step 1"))
	require.NoError(t, w.q.Complete(ctx, a, "exec-1", "spec text"))
	require.NoError(t, w.q.Reject(ctx, a, pipeline.RoleReviewer, "too vague", false))
	require.NoError(t, w.q.Assign(ctx, a, "exec-1"))
	require.NoError(t, w.q.Complete(ctx, a, "exec-1", "better spec"))
	require.NoError(t, w.q.Approve(ctx, a, pipeline.RoleReviewer, "d1"))
	require.NoError(t, w.q.Advance(ctx, a))
	require.NoError(t, w.q.Assign(ctx, a, "exec-1"))
	w.agent(t, events.KindAgentCrashed, "exec-1", 0)
	require.NoError(t, w.q.Block(ctx, b, "waiting on operator", pipeline.RoleExternal))
}

func TestRecover_EmptyLog(t *testing.T) {
	w := newWorld(t)
	res, err := Recover(context.Background(), w.log, Options{})
	require.NoError(t, err)
	assert.Zero(t, res.State.Len())
	assert.Zero(t, res.LastSeq)
	assert.Empty(t, res.Registry.Handles())
}

func TestRecover_FullReplayMatchesLiveState(t *testing.T) {
	w := newWorld(t)
	w.drive(t)
	w.agent(t, events.KindAgentRestarted, "exec-1", 1)

	res, err := Recover(context.Background(), w.log, Options{})
	require.NoError(t, err)

	live := w.q.Snapshot()
	got := res.State.Snapshot()
	assert.Equal(t, live.Items, got.Items)
	assert.Equal(t, res.LastSeq, got.LastSeq)
	assert.Equal(t, 1, res.Reconciled)

	h, ok := res.Registry.Handle("exec-1")
	require.True(t, ok)
	assert.Equal(t, supervisor.StatusRestarting, h.Status)
	assert.Equal(t, 1, h.RestartCount)
}

func TestRecover_FromCheckpoint(t *testing.T) {
	w := newWorld(t)
	w.drive(t)
	ctx := context.Background()

	store := pipeline.NewCheckpointStore(t.TempDir(), 2)
	first, err := Recover(ctx, w.log, Options{})
	require.NoError(t, err)
	cp, err := NewCheckpointer(w.log, store, first, 1)
	require.NoError(t, err)
	require.NoError(t, cp.Save())
	mid := cp.Seq()

	c, err := w.q.Submit(ctx, queue.SubmitRequest{})
	require.NoError(t, err)

	fresh := events.NewLog(w.store)
	res, err := Recover(ctx, fresh, Options{Store: store, Warm: 4})
	require.NoError(t, err)
	assert.Equal(t, mid, res.CheckpointSeq)
	assert.Equal(t, 1, res.Replayed)
	_, ok := res.State.Item(c)
	assert.True(t, ok)
	assert.Equal(t, w.q.Snapshot().Items, res.State.Snapshot().Items)

	// Warm replay primed the history of items touched before the checkpoint.
	assert.NotEmpty(t, fresh.Recent([]string{"w2"}, 10))
}

func TestRecover_SplitPointsAgree(t *testing.T) {
	w := newWorld(t)
	w.drive(t)
	ctx := context.Background()
	full, err := Recover(ctx, w.log, Options{})
	require.NoError(t, err)
	want := full.State.Snapshot()

	evs, err := w.log.ReadRange(ctx, 1, 0)
	require.NoError(t, err)
	for split := 1; split < len(evs); split++ {
		head, err := queue.Fold(evs[:split])
		require.NoError(t, err)
		store := pipeline.NewCheckpointStore(t.TempDir(), 1)
		require.NoError(t, pipeline.SaveCheckpoint(store, head.LastSeq(), Checkpoint{Queue: head.Snapshot()}))

		res, err := Recover(ctx, w.log, Options{Store: store})
		require.NoError(t, err, "split %d", split)
		assert.Equal(t, want.Items, res.State.Snapshot().Items, "split %d", split)
	}
}

func TestRecover_CheckpointAheadOfLog(t *testing.T) {
	w := newWorld(t)
	w.drive(t)
	ctx := context.Background()
	res, err := Recover(ctx, w.log, Options{})
	require.NoError(t, err)

	store := pipeline.NewCheckpointStore(t.TempDir(), 1)
	cp, err := NewCheckpointer(w.log, store, res, 1)
	require.NoError(t, err)
	require.NoError(t, cp.Save())
	require.NoError(t, w.store.Truncate(3))

	_, err = Recover(ctx, w.log, Options{Store: store})
	var re *pipeline.RecoveryError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, uint64(3), re.LastSeq)
}

func TestRecover_ContradictoryLog(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	_, err := w.q.Submit(ctx, queue.SubmitRequest{})
	require.NoError(t, err)

	bad, err := events.New(events.KindCompleted, "ghost", pipeline.RoleExecutor, events.Completed{Output: "x"})
	require.NoError(t, err)
	_, err = w.log.Append(ctx, bad)
	require.NoError(t, err)

	_, err = Recover(ctx, w.log, Options{})
	var re *pipeline.RecoveryError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, uint64(1), re.LastSeq)
}

func TestCheckpointer_SavesEveryN(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	res, err := Recover(ctx, w.log, Options{})
	require.NoError(t, err)
	store := pipeline.NewCheckpointStore(t.TempDir(), 5)
	cp, err := NewCheckpointer(w.log, store, res, 3)
	require.NoError(t, err)

	_, err = w.q.Submit(ctx, queue.SubmitRequest{})
	require.NoError(t, err)
	saved, err := cp.Sync(ctx)
	require.NoError(t, err)
	assert.False(t, saved)

	for range 2 {
		_, err = w.q.Submit(ctx, queue.SubmitRequest{})
		require.NoError(t, err)
	}
	w.agent(t, events.KindAgentStarted, "exec-1", 0)
	saved, err = cp.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, saved)

	seqs, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []uint64{4}, seqs)

	got, found, err := pipeline.LatestCheckpoint[Checkpoint](store)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, got.State.Queue.Items, 3)
	require.Len(t, got.State.Agents, 1)
	assert.Equal(t, supervisor.StatusRunning, got.State.Agents[0].Status)
}
