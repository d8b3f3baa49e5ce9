package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// Postgres stores the event log in PostgreSQL. Sequence numbers are
// assigned under a transaction-scoped advisory lock so a rolled-back
// append never leaves a gap.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ events.Storage       = (*Postgres)(nil)
	_ events.BatchAppender = (*Postgres)(nil)
)

// appendLock is the advisory lock key serialising appends.
const appendLock = 0x70686173

// OpenPostgres connects to dsn and checks the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const pgSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS events (
    seq          BIGINT PRIMARY KEY,
    timestamp    TIMESTAMPTZ NOT NULL,
    kind         TEXT NOT NULL,
    work_item_id TEXT NOT NULL DEFAULT '',
    actor        TEXT NOT NULL DEFAULT '',
    origin       TEXT NOT NULL DEFAULT '',
    origin_seq   BIGINT NOT NULL DEFAULT 0,
    payload      JSONB
);
CREATE INDEX IF NOT EXISTS idx_events_item ON events(work_item_id, seq);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, seq);
`

// Migrate applies the schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, pgSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING`); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Reset drops all tables and re-applies the schema.
func (p *Postgres) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DROP TABLE IF EXISTS events, schema_version`); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return p.Migrate(ctx)
}

func (p *Postgres) Append(ctx context.Context, e events.Event) (uint64, error) {
	seqs, err := p.AppendBatch(ctx, []events.Event{e})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

func (p *Postgres) AppendBatch(ctx context.Context, evs []events.Event) ([]uint64, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLock); err != nil {
		return nil, fmt.Errorf("lock log: %w", err)
	}
	var last int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&last); err != nil {
		return nil, fmt.Errorf("last seq: %w", err)
	}

	batch := &pgx.Batch{}
	seqs := make([]uint64, len(evs))
	for i, e := range evs {
		seq := last + int64(i) + 1
		seqs[i] = uint64(seq)
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}
		batch.Queue(`INSERT INTO events (seq, timestamp, kind, work_item_id, actor, origin, origin_seq, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)`,
			seq, e.Timestamp.UTC(), string(e.Kind), e.WorkItemID, string(e.Actor), e.Origin, int64(e.OriginSeq), payload)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return seqs, nil
}

func (p *Postgres) ReadRange(ctx context.Context, from, to uint64) ([]events.Event, error) {
	q := `SELECT seq, timestamp, kind, work_item_id, actor, origin, origin_seq, payload::text
		FROM events WHERE seq >= $1`
	args := []any{int64(from)}
	if to > 0 {
		q += ` AND seq <= $2`
		args = append(args, int64(to))
	}
	q += ` ORDER BY seq ASC`

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			seq, originSeq    int64
			ts                time.Time
			kind, actor, orig string
			item              string
			payload           *string
		)
		if err := rows.Scan(&seq, &ts, &kind, &item, &actor, &orig, &originSeq, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e := events.Event{
			Seq: uint64(seq), Timestamp: ts.UTC(), Kind: events.Kind(kind), WorkItemID: item,
			Actor: pipeline.Role(actor), Origin: orig, OriginSeq: uint64(originSeq),
		}
		if payload != nil {
			e.Payload = json.RawMessage(*payload)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

func (p *Postgres) LastSeq(ctx context.Context) (uint64, error) {
	var last int64
	err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return uint64(last), nil
}
