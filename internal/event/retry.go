package event

import (
	"time"

	"github.com/google/uuid"
)

// SettlementRetry re-triggers settlement for a game that previously
// parked (insufficient reserve) or partially failed. The orchestrator
// resumes from durable state, so already-confirmed legs are untouched.
type SettlementRetry struct {
	RetryID   uuid.UUID
	Game      uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (r *SettlementRetry) IdempotencyKey() string {
	return r.RetryID.String()
}

func (r *SettlementRetry) EventType() EventType {
	return EventTypeSettlementRetry
}

func (r *SettlementRetry) GameID() *string {
	id := r.Game.String()
	return &id
}

func (r *SettlementRetry) SourceSequence() int64 {
	return r.Sequence
}
