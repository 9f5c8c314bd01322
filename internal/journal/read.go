package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/parley/internal/model"
)

// Query filters List.
type Query struct {
	// Table restricts entries to one table when set.
	Table model.Table

	// AfterSeq returns only entries with seq greater than this.
	AfterSeq int64

	// Limit caps the number of entries; zero means no limit.
	Limit int
}

// List returns entries in seq order.
//
// Returns an empty slice (not nil) if nothing matches.
func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	query := `
		SELECT seq, event_id, topic, tbl, op, record_key, record, received_at
		FROM events
		WHERE seq > ? AND (? = '' OR tbl = ?)
		ORDER BY seq ASC`
	args := []any{q.AfterSeq, string(q.Table), string(q.Table)}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return entries, nil
}

// MaxSeq returns the highest journaled seq, 0 for an empty journal. The
// engine resumes its logical sequence from here.
func (j *Journal) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := j.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM (
			SELECT seq FROM events
			UNION ALL
			SELECT seq FROM call_outcomes
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return seq.Int64, nil
}

// Count returns the number of journaled events.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// CallOutcomes returns call outcomes, most recent first.
func (j *Journal) CallOutcomes(ctx context.Context, limit int) ([]CallOutcome, error) {
	query := `
		SELECT call_id, chat_id, kind, reason, started_at, ended_at, seq
		FROM call_outcomes
		ORDER BY seq DESC, call_id COLLATE BINARY ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query call outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []CallOutcome{}
	for rows.Next() {
		var (
			o       CallOutcome
			kind    string
			started sql.NullInt64
			ended   int64
		)
		if err := rows.Scan(&o.CallID, &o.ConversationID, &kind, &o.Reason, &started, &ended, &o.Seq); err != nil {
			return nil, fmt.Errorf("scan call outcome: %w", err)
		}
		o.Kind = model.CallKind(kind)
		if started.Valid {
			t := time.UnixMilli(started.Int64).UTC()
			o.StartedAt = &t
		}
		o.EndedAt = time.UnixMilli(ended).UTC()
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call outcomes: %w", err)
	}
	return outcomes, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e        Entry
		table    string
		op       string
		record   string
		received int64
	)
	if err := rows.Scan(&e.Seq, &e.EventID, &e.Topic, &table, &op, &e.Key, &record, &received); err != nil {
		return Entry{}, fmt.Errorf("scan event: %w", err)
	}
	e.Table = model.Table(table)
	e.Op = model.Op(op)
	e.Record = []byte(record)
	e.ReceivedAt = time.UnixMilli(received).UTC()
	return e, nil
}
