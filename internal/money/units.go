package money

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Amounts move through two representations: decimal for planning and
// reporting, and integer base units (the chain's smallest denomination)
// for everything that touches a ledger. Conversions between the two must
// be exact; a decimal that does not land on a base-unit boundary is a bug
// upstream, never something to silently re-round here.

// RoundToCurrency rounds an amount to the currency's precision,
// half away from zero.
func RoundToCurrency(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Round(decimals)
}

// Quantum returns the smallest representable amount at the given
// precision, e.g. 0.000001 for 6 decimals.
func Quantum(decimals int32) decimal.Decimal {
	return decimal.New(1, -decimals)
}

// ToBaseUnits converts a decimal amount to integer base units.
// Fails if the amount has sub-quantum precision, is negative, or
// overflows int64.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount %s is negative", amount)
	}

	shifted := amount.Shift(decimals)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s not representable at %d decimals", amount, decimals)
	}

	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("amount %s overflows int64 base units", amount)
	}
	return bi.Int64(), nil
}

// FromBaseUnits converts integer base units back to a decimal amount.
func FromBaseUnits(base int64, decimals int32) decimal.Decimal {
	return decimal.New(base, -decimals)
}

// BaseUnitsToBig returns the base-unit amount as a big.Int for chains
// whose amount fields are wider than 64 bits.
func BaseUnitsToBig(base int64) *big.Int {
	return big.NewInt(base)
}

// BaseUnitsToUint64 returns the base-unit amount as uint64 for chains
// with 64-bit amount fields. Fails on negative amounts.
func BaseUnitsToUint64(base int64) (uint64, error) {
	if base < 0 {
		return 0, fmt.Errorf("base units %d negative", base)
	}
	return uint64(base), nil
}
