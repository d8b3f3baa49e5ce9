package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Checkpoint is the on-disk envelope around an engine snapshot. Seq is the
// last event sequence number folded into State.
type Checkpoint[T any] struct {
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	State     T         `json:"state"`
}

// CheckpointStore keeps snapshot files under a directory, one per
// checkpoint, named by sequence number.
type CheckpointStore struct {
	baseDir string
	keep    int
}

// NewCheckpointStore creates a store rooted at baseDir that retains the
// newest keep checkpoints (minimum 1).
func NewCheckpointStore(baseDir string, keep int) *CheckpointStore {
	if keep < 1 {
		keep = 1
	}
	return &CheckpointStore{baseDir: baseDir, keep: keep}
}

// DefaultDataDir returns ~/.factory, creating it if needed.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".factory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// BaseDir returns the store's root directory.
func (s *CheckpointStore) BaseDir() string {
	return s.baseDir
}

func (s *CheckpointStore) checkpointPath(seq uint64) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("checkpoint-%020d.json", seq))
}

// Save writes a checkpoint for seq and prunes older ones.
func SaveCheckpoint[T any](s *CheckpointStore, seq uint64, state T) error {
	cp := Checkpoint[T]{Seq: seq, CreatedAt: time.Now().UTC(), State: state}
	if err := WriteJSON(s.checkpointPath(seq), cp); err != nil {
		return fmt.Errorf("write checkpoint %d: %w", seq, err)
	}
	return s.prune()
}

// LatestCheckpoint loads the newest checkpoint. found is false when the
// store holds none.
func LatestCheckpoint[T any](s *CheckpointStore) (cp Checkpoint[T], found bool, err error) {
	seqs, err := s.List()
	if err != nil {
		return cp, false, err
	}
	if len(seqs) == 0 {
		return cp, false, nil
	}
	last := seqs[len(seqs)-1]
	if err := ReadJSON(s.checkpointPath(last), &cp); err != nil {
		return cp, false, fmt.Errorf("read checkpoint %d: %w", last, err)
	}
	if cp.Seq != last {
		return cp, false, fmt.Errorf("checkpoint file %d records seq %d", last, cp.Seq)
	}
	return cp, true, nil
}

// List returns the sequence numbers of stored checkpoints in ascending order.
func (s *CheckpointStore) List() ([]uint64, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var seqs []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "checkpoint-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint-"), ".json"), 10, 64)
		if err != nil {
			continue // skip foreign files
		}
		seqs = append(seqs, n)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Reset removes every checkpoint.
func (s *CheckpointStore) Reset() error {
	seqs, err := s.List()
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		if err := os.Remove(s.checkpointPath(seq)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove checkpoint %d: %w", seq, err)
		}
	}
	return nil
}

func (s *CheckpointStore) prune() error {
	seqs, err := s.List()
	if err != nil {
		return err
	}
	for len(seqs) > s.keep {
		if err := os.Remove(s.checkpointPath(seqs[0])); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune checkpoint %d: %w", seqs[0], err)
		}
		seqs = seqs[1:]
	}
	return nil
}
