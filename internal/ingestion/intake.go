package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PrizeSettle/internal/event"
)

// IntakeService provides manual event injection for operators, wired
// behind the HTTP admin endpoints. NATS remains the high-volume path;
// this exists for replaying a missed game, funding a reserve by hand,
// and kicking a retry without touching the message bus.
type IntakeService struct {
	eventChan chan<- event.Event
}

func NewIntakeService(eventChan chan<- event.Event) *IntakeService {
	return &IntakeService{eventChan: eventChan}
}

// InjectGameCompleted submits a game for settlement.
func (s *IntakeService) InjectGameCompleted(
	ctx context.Context,
	game uuid.UUID,
	fees []event.FeeContribution,
	dist []event.WinnerShare,
) error {
	if game == uuid.Nil {
		return fmt.Errorf("game id must be set")
	}
	if len(dist) == 0 {
		return fmt.Errorf("distribution must not be empty")
	}

	evt := &event.GameCompleted{
		Game:         game,
		EntryFees:    fees,
		Distribution: dist,
		Sequence:     time.Now().UnixMicro(), // Admin-injected: timestamp as sequence
		Timestamp:    time.Now(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectReserveDeposit books an operator treasury deposit.
func (s *IntakeService) InjectReserveDeposit(
	ctx context.Context,
	currency string,
	amount decimal.Decimal,
) error {
	if currency == "" {
		return fmt.Errorf("currency must be set")
	}
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}

	evt := &event.ReserveDeposit{
		DepositID: uuid.New(),
		Currency:  currency,
		Amount:    amount,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InjectRetry re-triggers settlement for a parked or partially failed
// game.
func (s *IntakeService) InjectRetry(ctx context.Context, game uuid.UUID) error {
	if game == uuid.Nil {
		return fmt.Errorf("game id must be set")
	}

	evt := &event.SettlementRetry{
		RetryID:   uuid.New(),
		Game:      game,
		Sequence:  time.Now().UnixMicro(),
		Timestamp: time.Now(),
	}

	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
