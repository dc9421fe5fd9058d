package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReserveDeposit tops up one currency's bridge reserve. Emitted by the
// treasury tooling when an operator funds a reserve, typically to unpark
// games that failed bridging on an insufficient reserve.
type ReserveDeposit struct {
	DepositID uuid.UUID
	Currency  string
	Amount    decimal.Decimal
	Sequence  int64
	Timestamp time.Time
}

func (d *ReserveDeposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *ReserveDeposit) EventType() EventType {
	return EventTypeReserveDeposit
}

func (d *ReserveDeposit) GameID() *string {
	return nil // Global event
}

func (d *ReserveDeposit) SourceSequence() int64 {
	return d.Sequence
}
