package persistence

import (
	"context"
	"database/sql"
	"time"
)

// dedupTimeout caps the inline lookup so a slow database degrades
// intake latency, not correctness.
const dedupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker answers "was this event already settled
// into the log?" from event_log.events. It backs the in-memory dedup
// cache: the cache screens the recent window, this screens everything
// the process has ever durably written, across restarts.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether an event with this type and idempotency
// key is already in the durable log. Errors are returned rather than
// swallowed so the caller can choose the conservative path (treat as
// unknown, do not double-settle).
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dedupTimeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, eventType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
