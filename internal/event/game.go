package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeContribution is the total entry fees collected in one currency.
type FeeContribution struct {
	Currency string
	Amount   decimal.Decimal
}

// WinnerShare assigns a percentage of the combined prize pool to one
// winner address, paid out in a single currency.
type WinnerShare struct {
	Winner   string
	Currency string
	Percent  decimal.Decimal
}

// GameCompleted is emitted by the game engine when a game finishes and
// its prize pool is ready to settle. This is the trigger for the whole
// settlement pipeline.
type GameCompleted struct {
	Game         uuid.UUID
	EntryFees    []FeeContribution
	Distribution []WinnerShare
	Sequence     int64
	Timestamp    time.Time
}

func (g *GameCompleted) IdempotencyKey() string {
	return g.Game.String()
}

func (g *GameCompleted) EventType() EventType {
	return EventTypeGameCompleted
}

func (g *GameCompleted) GameID() *string {
	id := g.Game.String()
	return &id
}

func (g *GameCompleted) SourceSequence() int64 {
	return g.Sequence
}
