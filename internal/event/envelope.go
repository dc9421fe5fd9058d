package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeGameCompleted
	EventTypeReserveDeposit
	EventTypeSettlementRetry
)

// EventEnvelope wraps every event in the settlement log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the orchestrator
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Game context (nullable for global events like reserve deposits)
	GameID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of settlement state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// GameID returns the game context (nil for global events)
	GameID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeGameCompleted:
		return "GameCompleted"
	case EventTypeReserveDeposit:
		return "ReserveDeposit"
	case EventTypeSettlementRetry:
		return "SettlementRetry"
	default:
		return "Unknown"
	}
}
