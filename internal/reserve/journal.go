package reserve

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementType classifies reserve movements for the audit trail
type MovementType int32

const (
	MovementUnknown MovementType = iota

	// MovementFeeIntake books a game's collected entry fees into its
	// custody pool when settlement begins.
	MovementFeeIntake

	// MovementSurplusSweep moves a game's surplus out of its pool into
	// the currency's reserve.
	MovementSurplusSweep

	// MovementConversionOut sends swept surplus across the conversion
	// boundary, priced by the rate source.
	MovementConversionOut

	// MovementConversionIn receives converted value into the deficit
	// currency's reserve.
	MovementConversionIn

	// MovementDeficitFund fronts reserve liquidity into a game pool so
	// the deficit currency's payouts are fully covered.
	MovementDeficitFund

	// MovementTopUp books an operator treasury deposit into a reserve.
	MovementTopUp

	// MovementPayout books a confirmed on-chain payout leg out of the
	// game pool.
	MovementPayout
)

func (mt MovementType) String() string {
	switch mt {
	case MovementFeeIntake:
		return "FeeIntake"
	case MovementSurplusSweep:
		return "SurplusSweep"
	case MovementConversionOut:
		return "ConversionOut"
	case MovementConversionIn:
		return "ConversionIn"
	case MovementDeficitFund:
		return "DeficitFund"
	case MovementTopUp:
		return "TopUp"
	case MovementPayout:
		return "Payout"
	default:
		return "Unknown"
	}
}

// ParseMovementType is the inverse of String, used when loading the
// audit trail back from storage.
func ParseMovementType(s string) (MovementType, error) {
	switch s {
	case "FeeIntake":
		return MovementFeeIntake, nil
	case "SurplusSweep":
		return MovementSurplusSweep, nil
	case "ConversionOut":
		return MovementConversionOut, nil
	case "ConversionIn":
		return MovementConversionIn, nil
	case "DeficitFund":
		return MovementDeficitFund, nil
	case "TopUp":
		return MovementTopUp, nil
	case "Payout":
		return MovementPayout, nil
	default:
		return MovementUnknown, fmt.Errorf("unknown movement type %q", s)
	}
}

// Movement is one double-entry row in the reserve ledger. Amounts are
// positive base units in the row's currency; by convention the debit
// account increases and the credit account decreases.
type Movement struct {
	MovementID    uuid.UUID
	BatchID       uuid.UUID
	GameRef       string // game UUID string, empty for treasury top-ups
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Currency      string
	Amount        int64
	Type          MovementType
	Rate          decimal.Decimal // conversion rate applied, zero otherwise
	Timestamp     int64           // unix micros
}

// Batch groups the movements of one bridge (or top-up) so they are
// validated and applied atomically.
type Batch struct {
	BatchID   uuid.UUID
	Movements []Movement
}

// Validate checks batch integrity before any balance is touched.
func (b *Batch) Validate() error {
	if len(b.Movements) == 0 {
		return fmt.Errorf("batch %s has no movements", b.BatchID)
	}

	for i, m := range b.Movements {
		if m.BatchID != b.BatchID {
			return fmt.Errorf("movement %d: batch ID %s does not match %s", i, m.BatchID, b.BatchID)
		}
		if m.Amount <= 0 {
			return fmt.Errorf("movement %d (%s): non-positive amount %d", i, m.Type, m.Amount)
		}
		if m.DebitAccount == m.CreditAccount {
			return fmt.Errorf("movement %d (%s): self transfer on %s", i, m.Type, m.DebitAccount.AccountPath())
		}
		if m.DebitAccount.Currency != m.Currency || m.CreditAccount.Currency != m.Currency {
			return fmt.Errorf("movement %d (%s): account currencies %s/%s do not match row currency %s",
				i, m.Type, m.DebitAccount.Currency, m.CreditAccount.Currency, m.Currency)
		}
	}

	return nil
}
