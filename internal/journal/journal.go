// Package journal stores the event log in an embedded Badger database.
// Each event is one key; values carry a CRC so a torn or bit-rotted entry
// is reported instead of replayed.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/lucasnoah/phasefactory/internal/events"
)

// ErrCorrupted means a stored entry failed its checksum or did not decode.
var ErrCorrupted = errors.New("journal entry corrupted")

// Config configures a Journal.
type Config struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every append. Leave on outside tests.
	SyncWrites bool
	Logger     *slog.Logger
}

// Journal implements events.Storage on Badger.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger

	mu   sync.Mutex
	last uint64
}

var (
	_ events.Storage       = (*Journal)(nil)
	_ events.BatchAppender = (*Journal)(nil)
)

const keyPrefix = "ev/"

func key(seq uint64) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], seq)
	return k
}

func seqOf(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(keyPrefix):])
}

// Open opens or creates a journal.
func Open(cfg Config) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	j := &Journal{db: db, logger: cfg.Logger.With("component", "journal")}
	if err := j.initLast(); err != nil {
		db.Close()
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	j.logger.Info("journal opened", "path", cfg.Path, "in_memory", cfg.InMemory, "last_seq", j.last)
	return j, nil
}

// initLast finds the highest stored sequence number.
func (j *Journal) initLast() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(key(^uint64(0)))
		if it.ValidForPrefix([]byte(keyPrefix)) {
			j.last = seqOf(it.Item().Key())
		}
		return nil
	})
}

func encode(e events.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(data))
	copy(out[4:], data)
	return out, nil
}

func decode(seq uint64, val []byte) (events.Event, error) {
	var e events.Event
	if len(val) < 5 {
		return e, fmt.Errorf("%w: seq %d: entry too short", ErrCorrupted, seq)
	}
	stored := binary.BigEndian.Uint32(val[:4])
	if got := crc32.ChecksumIEEE(val[4:]); got != stored {
		return e, fmt.Errorf("%w: seq %d: stored crc %08x, computed %08x", ErrCorrupted, seq, stored, got)
	}
	if err := json.Unmarshal(val[4:], &e); err != nil {
		return e, fmt.Errorf("%w: seq %d: %v", ErrCorrupted, seq, err)
	}
	return e, nil
}

func (j *Journal) Append(ctx context.Context, e events.Event) (uint64, error) {
	seqs, err := j.AppendBatch(ctx, []events.Event{e})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch writes evs in one Badger transaction.
func (j *Journal) AppendBatch(ctx context.Context, evs []events.Event) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	seqs := make([]uint64, len(evs))
	err := j.db.Update(func(txn *badger.Txn) error {
		for i, e := range evs {
			e.Seq = j.last + uint64(i) + 1
			val, err := encode(e)
			if err != nil {
				return err
			}
			if err := txn.Set(key(e.Seq), val); err != nil {
				return err
			}
			seqs[i] = e.Seq
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append %d events: %w", len(evs), err)
	}
	j.last += uint64(len(evs))
	return seqs, nil
}

// ReadRange returns events with from <= seq <= to; to == 0 reads to the end.
func (j *Journal) ReadRange(ctx context.Context, from, to uint64) ([]events.Event, error) {
	if from == 0 {
		from = 1
	}
	var out []events.Event
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(key(from)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			seq := seqOf(item.Key())
			if to > 0 && seq > to {
				break
			}
			var e events.Event
			err := item.Value(func(val []byte) error {
				var derr error
				e, derr = decode(seq, val)
				return derr
			})
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return out, nil
}

func (j *Journal) LastSeq(ctx context.Context) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last, nil
}

// Sync flushes pending writes to disk.
func (j *Journal) Sync() error {
	return j.db.Sync()
}

// RunGC reclaims value log space. It returns nil when there was nothing to
// collect.
func (j *Journal) RunGC(discardRatio float64) error {
	err := j.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Reset deletes every stored event. The next append gets seq 1.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.db.DropAll(); err != nil {
		return fmt.Errorf("drop journal: %w", err)
	}
	j.last = 0
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// badgerLogger routes Badger's internal logging to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
