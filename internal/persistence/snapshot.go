package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot captures everything the core holds in memory: the ladder, idle
// funds, the venue simulation state, the active policy, per-partition source
// sequences, the idempotency LRU, and the hash chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64              `json:"sequence"`
	StateHash       []byte             `json:"state_hash"`
	Positions       []PositionSnapshot `json:"positions"`
	TotalBonds      int64              `json:"total_bonds"`
	AvgMaturity     int64              `json:"avg_maturity"`
	Idle            int64              `json:"idle"`
	RealizedGain    int64              `json:"realized_gain"`
	Venue           VenueSnap          `json:"venue"`
	Policy          PolicySnap         `json:"policy"`
	SequenceState   map[string]int64   `json:"sequence_state"`   // partition -> next expected seq
	IdempotencyKeys []string           `json:"idempotency_keys"` // recent keys for LRU warming
	CreatedAt       time.Time          `json:"created_at"`
}

// PositionSnapshot is a serializable ladder rung.
type PositionSnapshot struct {
	Maturity      int64 `json:"maturity"`
	Quantity      int64 `json:"quantity"`
	AvgEntryPrice int64 `json:"avg_entry_price"`
}

// VenueSnap is the serializable state of the simulated venue.
type VenueSnap struct {
	Clock       int64           `json:"clock"`
	Outstanding int64           `json:"outstanding"`
	Issued      map[int64]int64 `json:"issued"`
}

// PolicySnap is the serializable rebalancing policy.
type PolicySnap struct {
	MinOutput            int64  `json:"min_output"`
	MinAcceptablePrice   int64  `json:"min_acceptable_price"`
	PositionClosureLimit int    `json:"position_closure_limit"`
	PartialClosureBuffer int64  `json:"partial_closure_buffer"`
	ExtraData            []byte `json:"extra_data,omitempty"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are keyed by
// sequence; saving at an existing sequence overwrites the stored data.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, sizeBytes, snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. Returns
// (nil, nil) when no snapshot exists, which means cold start: replay the
// whole event log from sequence 0.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay, used for
// both warm restart (replay past the snapshot) and cold restart (replay all).
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, partition, payload, outcome,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Partition,
			&e.Payload, &e.Outcome, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}
