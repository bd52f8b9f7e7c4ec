package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter writes command envelopes and position actions to Postgres
// using multi-row INSERT. Both tables are append-only; ON CONFLICT DO NOTHING
// makes re-delivered batches idempotent so the flush retry loop can always
// resubmit the same batch. Switch to pgx CopyFrom if insert throughput ever
// becomes the bottleneck.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events: one accepted command with
// its hash-chain fields and the JSON outcome it produced.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	Payload        []byte // JSON-encoded command payload, replayable
	Outcome        []byte // JSON-encoded outcome, for queries only
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// ActionRow represents a row in event_log.position_actions: one ladder
// mutation (an open or a close) attributed to the command that caused it.
type ActionRow struct {
	ActionID     string
	Sequence     int64
	Action       string // "open", "close_full", "close_partial"
	Maturity     int64
	Quantity     int64
	Amount       int64
	RealizedGain int64
	Timestamp    time.Time
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events inside the
// caller's transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, partition, payload, outcome, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*10)

	for i, e := range events {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Partition,
			e.Payload, e.Outcome, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteActionBatch writes a batch of position actions to
// event_log.position_actions inside the caller's transaction.
func (w *EventLogWriter) WriteActionBatch(ctx context.Context, tx *sql.Tx, actions []ActionRow) error {
	if len(actions) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.position_actions
		(action_id, sequence, action, maturity, quantity, amount, realized_gain, timestamp)
		VALUES `

	values := make([]string, 0, len(actions))
	args := make([]interface{}, 0, len(actions)*8)

	for i, a := range actions {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			a.ActionID, a.Sequence, a.Action, a.Maturity,
			a.Quantity, a.Amount, a.RealizedGain, a.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (action_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
