package journal

import (
	"context"
	"fmt"
)

// Append inserts an entry. Entries whose event id is already journaled are
// silently ignored, so redeliveries never duplicate rows.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events
		(seq, event_id, topic, tbl, op, record_key, record, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		e.Seq,
		e.EventID,
		e.Topic,
		string(e.Table),
		string(e.Op),
		e.Key,
		string(e.Record),
		e.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecordCallOutcome stores the terminal state of a call. The first outcome
// recorded for a call wins.
func (j *Journal) RecordCallOutcome(ctx context.Context, o CallOutcome) error {
	var started any
	if o.StartedAt != nil {
		started = o.StartedAt.UnixMilli()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO call_outcomes
		(call_id, chat_id, kind, reason, started_at, ended_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO NOTHING
	`,
		o.CallID,
		o.ConversationID,
		string(o.Kind),
		o.Reason,
		started,
		o.EndedAt.UnixMilli(),
		o.Seq,
	)
	if err != nil {
		return fmt.Errorf("record call outcome: %w", err)
	}
	return nil
}
