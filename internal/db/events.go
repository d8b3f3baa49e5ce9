package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

var (
	_ events.Storage       = (*DB)(nil)
	_ events.BatchAppender = (*DB)(nil)
)

// Append writes one event and returns its sequence number.
func (d *DB) Append(ctx context.Context, e events.Event) (uint64, error) {
	seqs, err := d.AppendBatch(ctx, []events.Event{e})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch writes evs in one transaction. Either all of them get
// contiguous sequence numbers or none is stored.
func (d *DB) AppendBatch(ctx context.Context, evs []events.Event) ([]uint64, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (timestamp, kind, work_item_id, actor, origin, origin_seq, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	seqs := make([]uint64, 0, len(evs))
	for _, e := range evs {
		res, err := stmt.ExecContext(ctx,
			e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Kind), e.WorkItemID,
			string(e.Actor), e.Origin, e.OriginSeq, payloadArg(e.Payload))
		if err != nil {
			return nil, fmt.Errorf("append %s event: %w", e.Kind, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("append %s event: %w", e.Kind, err)
		}
		seqs = append(seqs, uint64(id))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return seqs, nil
}

func payloadArg(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

const eventColumns = `seq, timestamp, kind, work_item_id, actor, origin, origin_seq, payload`

// ReadRange returns events with from <= seq <= to. to == 0 reads to the end.
func (d *DB) ReadRange(ctx context.Context, from, to uint64) ([]events.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE seq >= ?`
	args := []any{from}
	if to > 0 {
		q += ` AND seq <= ?`
		args = append(args, to)
	}
	q += ` ORDER BY seq ASC`
	return d.queryEvents(ctx, q, args...)
}

// LastSeq returns the highest stored sequence number, 0 for an empty log.
func (d *DB) LastSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := d.conn.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return uint64(seq.Int64), nil
}

// Query selects stored events for inspection. Zero fields match everything.
type Query struct {
	ItemID   string
	Kinds    []events.Kind
	AfterSeq uint64
	// Limit keeps the newest Limit matches, still returned in seq order.
	Limit int
}

// Events runs q against the log.
func (d *DB) Events(ctx context.Context, q Query) ([]events.Event, error) {
	var where []string
	var args []any
	if q.ItemID != "" {
		where = append(where, "work_item_id = ?")
		args = append(args, q.ItemID)
	}
	if len(q.Kinds) > 0 {
		marks := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	if q.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, q.AfterSeq)
	}

	sqlText := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		sqlText += ` WHERE ` + strings.Join(where, " AND ")
	}
	if q.Limit > 0 {
		sqlText = `SELECT * FROM (` + sqlText + ` ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`
		args = append(args, q.Limit)
	} else {
		sqlText += ` ORDER BY seq ASC`
	}
	return d.queryEvents(ctx, sqlText, args...)
}

// KindCounts returns how many events of each kind are stored.
func (d *DB) KindCounts(ctx context.Context) (map[events.Kind]int, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()
	out := make(map[events.Kind]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[events.Kind(k)] = n
	}
	return out, rows.Err()
}

func (d *DB) queryEvents(ctx context.Context, q string, args ...any) ([]events.Event, error) {
	rows, err := d.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e       events.Event
			ts      string
			kind    string
			actor   string
			payload sql.NullString
		)
		if err := rows.Scan(&e.Seq, &ts, &kind, &e.WorkItemID, &actor, &e.Origin, &e.OriginSeq, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("event %d: bad timestamp %q: %w", e.Seq, ts, err)
		}
		e.Timestamp = t
		e.Kind = events.Kind(kind)
		e.Actor = pipeline.Role(actor)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}
