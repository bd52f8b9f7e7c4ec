package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker is the second deduplication tier behind the
// in-memory LRU. It consults the durable event log, so a command stays
// deduplicated across restarts even after its key ages out of the LRU.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks whether a command already exists in the event log.
// The lookup is bounded at 500ms so a slow database degrades dedup to the
// LRU tier instead of stalling the core.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE event_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, eventType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
