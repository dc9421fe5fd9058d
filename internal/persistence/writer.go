package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// EventLogWriter batch-writes event envelopes to event_log.events using
// multi-row INSERT. Portable and fast enough at settlement volumes;
// switch to pgx CopyFrom if the log ever becomes the bottleneck.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is one envelope in the hash-chained settlement log.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	GameID         *string // nil for global events such as reserve deposits
	Payload        []byte  // raw upstream JSON, kept verbatim for replay
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of envelopes inside the caller's
// transaction. Conflicts are silently skipped: a re-flushed batch after
// a crash and a replayed upstream event both mean the row is already
// durable under its sequence or idempotency key.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, game_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.GameID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
