package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PrizeSettle/internal/event"
)

// ParseRawEvent converts raw JSON bytes into a typed event.Event. The
// ingestion shell validates and converts here before anything reaches
// the orchestrator; the same function parses payloads back out of the
// event log during replay.
func ParseRawEvent(eventType string, data []byte) (event.Event, error) {
	switch eventType {
	case "GameCompleted":
		return parseGameCompleted(data)
	case "ReserveDeposit":
		return parseReserveDeposit(data)
	case "SettlementRetry":
		return parseSettlementRetry(data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// MarshalEvent renders a typed event back into its JSON wire form, the
// exact inverse of ParseRawEvent. Used when events originate inside the
// process (HTTP intake, operator retries) and still need a payload for
// the event log.
func MarshalEvent(evt event.Event) ([]byte, error) {
	switch e := evt.(type) {
	case *event.GameCompleted:
		fees := make([]feeJSON, 0, len(e.EntryFees))
		for _, f := range e.EntryFees {
			fees = append(fees, feeJSON{Currency: f.Currency, Amount: f.Amount.String()})
		}
		dist := make([]shareJSON, 0, len(e.Distribution))
		for _, s := range e.Distribution {
			dist = append(dist, shareJSON{Winner: s.Winner, Currency: s.Currency, Percent: s.Percent.String()})
		}
		return json.Marshal(gameCompletedJSON{
			GameID:       e.Game.String(),
			EntryFees:    fees,
			Distribution: dist,
			Sequence:     e.Sequence,
			TimestampUs:  e.Timestamp.UnixMicro(),
		})
	case *event.ReserveDeposit:
		return json.Marshal(reserveDepositJSON{
			DepositID:   e.DepositID.String(),
			Currency:    e.Currency,
			Amount:      e.Amount.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	case *event.SettlementRetry:
		return json.Marshal(settlementRetryJSON{
			RetryID:     e.RetryID.String(),
			GameID:      e.Game.String(),
			Sequence:    e.Sequence,
			TimestampUs: e.Timestamp.UnixMicro(),
		})
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Monetary
// amounts and percentages travel as decimal strings; integer floats
// would corrupt them.

type feeJSON struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type shareJSON struct {
	Winner   string `json:"winner"`
	Currency string `json:"currency"`
	Percent  string `json:"percent"`
}

type gameCompletedJSON struct {
	GameID       string      `json:"game_id"`
	EntryFees    []feeJSON   `json:"entry_fees"`
	Distribution []shareJSON `json:"distribution"`
	Sequence     int64       `json:"sequence"`
	TimestampUs  int64       `json:"timestamp_us"`
}

func parseGameCompleted(data []byte) (*event.GameCompleted, error) {
	var j gameCompletedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse GameCompleted: %w", err)
	}

	gameID, err := uuid.Parse(j.GameID)
	if err != nil {
		return nil, fmt.Errorf("parse game_id: %w", err)
	}

	fees := make([]event.FeeContribution, 0, len(j.EntryFees))
	for i, f := range j.EntryFees {
		amount, err := decimal.NewFromString(f.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse entry_fees[%d].amount %q: %w", i, f.Amount, err)
		}
		if f.Currency == "" {
			return nil, fmt.Errorf("entry_fees[%d]: empty currency", i)
		}
		fees = append(fees, event.FeeContribution{
			Currency: f.Currency,
			Amount:   amount,
		})
	}

	dist := make([]event.WinnerShare, 0, len(j.Distribution))
	for i, s := range j.Distribution {
		percent, err := decimal.NewFromString(s.Percent)
		if err != nil {
			return nil, fmt.Errorf("parse distribution[%d].percent %q: %w", i, s.Percent, err)
		}
		if s.Currency == "" {
			return nil, fmt.Errorf("distribution[%d]: empty currency", i)
		}
		dist = append(dist, event.WinnerShare{
			Winner:   s.Winner,
			Currency: s.Currency,
			Percent:  percent,
		})
	}

	return &event.GameCompleted{
		Game:         gameID,
		EntryFees:    fees,
		Distribution: dist,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type reserveDepositJSON struct {
	DepositID   string `json:"deposit_id"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseReserveDeposit(data []byte) (*event.ReserveDeposit, error) {
	var j reserveDepositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ReserveDeposit: %w", err)
	}

	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	amount, err := decimal.NewFromString(j.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", j.Amount, err)
	}
	if j.Currency == "" {
		return nil, fmt.Errorf("reserve deposit %s: empty currency", depositID)
	}

	return &event.ReserveDeposit{
		DepositID: depositID,
		Currency:  j.Currency,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type settlementRetryJSON struct {
	RetryID     string `json:"retry_id"`
	GameID      string `json:"game_id"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSettlementRetry(data []byte) (*event.SettlementRetry, error) {
	var j settlementRetryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SettlementRetry: %w", err)
	}

	retryID, err := uuid.Parse(j.RetryID)
	if err != nil {
		return nil, fmt.Errorf("parse retry_id: %w", err)
	}
	gameID, err := uuid.Parse(j.GameID)
	if err != nil {
		return nil, fmt.Errorf("parse game_id: %w", err)
	}

	return &event.SettlementRetry{
		RetryID:   retryID,
		Game:      gameID,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
