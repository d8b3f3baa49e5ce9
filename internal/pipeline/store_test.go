package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Items []string `json:"items"`
}

func TestCheckpointStore_EmptyDir(t *testing.T) {
	s := NewCheckpointStore(filepath.Join(t.TempDir(), "missing"), 3)

	_, found, err := LatestCheckpoint[snapshot](s)
	require.NoError(t, err)
	assert.False(t, found)

	seqs, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, seqs)
}

func TestCheckpointStore_SaveAndLatest(t *testing.T) {
	s := NewCheckpointStore(t.TempDir(), 3)

	require.NoError(t, SaveCheckpoint(s, 5, snapshot{Items: []string{"a"}}))
	require.NoError(t, SaveCheckpoint(s, 12, snapshot{Items: []string{"a", "b"}}))

	cp, found, err := LatestCheckpoint[snapshot](s)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(12), cp.Seq)
	assert.Equal(t, []string{"a", "b"}, cp.State.Items)
	assert.False(t, cp.CreatedAt.IsZero())
}

func TestCheckpointStore_OrdersNumerically(t *testing.T) {
	s := NewCheckpointStore(t.TempDir(), 10)

	for _, seq := range []uint64{100, 9, 1000} {
		require.NoError(t, SaveCheckpoint(s, seq, snapshot{}))
	}
	seqs, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []uint64{9, 100, 1000}, seqs)
}

func TestCheckpointStore_Prunes(t *testing.T) {
	s := NewCheckpointStore(t.TempDir(), 2)

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, SaveCheckpoint(s, seq, snapshot{}))
	}
	seqs, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, seqs)
}

func TestCheckpointStore_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewCheckpointStore(dir, 3)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint-abc.json"), []byte("{}"), 0o644))
	require.NoError(t, SaveCheckpoint(s, 7, snapshot{}))

	seqs, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, seqs)
}

func TestCheckpointStore_CorruptLatest(t *testing.T) {
	dir := t.TempDir()
	s := NewCheckpointStore(dir, 3)
	require.NoError(t, os.WriteFile(s.checkpointPath(3), []byte("{not json"), 0o644))

	_, _, err := LatestCheckpoint[snapshot](s)
	assert.Error(t, err)
}

func TestCheckpointStore_Reset(t *testing.T) {
	s := NewCheckpointStore(t.TempDir(), 3)
	require.NoError(t, SaveCheckpoint(s, 1, snapshot{}))
	require.NoError(t, SaveCheckpoint(s, 2, snapshot{}))

	require.NoError(t, s.Reset())
	seqs, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, seqs)
}

func TestWriteAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "out.json")

	require.NoError(t, WriteJSON(path, map[string]int{"n": 1}))
	require.NoError(t, WriteJSON(path, map[string]int{"n": 2}))

	var got map[string]int
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, 2, got["n"])

	entries, err := os.ReadDir(filepath.Join(dir, "sub"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
