package reserve

import (
	"fmt"
)

// Ledger tracks account balances in base units per currency. Every
// movement debits one account and credits another in the same currency,
// so the per-currency sum over all accounts (boundary accounts included)
// is always zero.
//
// Not thread-safe; callers serialize access through the bridge's
// currency locks.
type Ledger struct {
	balances map[AccountKey]int64
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[AccountKey]int64),
	}
}

// Balance returns the current balance of an account in base units.
func (l *Ledger) Balance(key AccountKey) int64 {
	return l.balances[key]
}

// ReserveBalance returns the standing reserve for a currency.
func (l *Ledger) ReserveBalance(currency string) int64 {
	return l.balances[NewReserveAccountKey(currency)]
}

// apply books one movement: debit account up, credit account down.
func (l *Ledger) apply(m Movement) {
	l.balances[m.DebitAccount] += m.Amount
	l.balances[m.CreditAccount] -= m.Amount
}

// revert undoes one movement. Used when the audit write fails after an
// in-memory apply.
func (l *Ledger) revert(m Movement) {
	l.balances[m.DebitAccount] -= m.Amount
	l.balances[m.CreditAccount] += m.Amount
}

// NegativeBalanceError reports the account a batch would overdraw.
type NegativeBalanceError struct {
	Account AccountKey
	Balance int64
	Delta   int64
}

func (e *NegativeBalanceError) Error() string {
	return fmt.Sprintf("account %s would go negative: balance %d, delta %d",
		e.Account.AccountPath(), e.Balance, e.Delta)
}

// PreviewBatch checks that applying the batch would leave no reserve or
// game account negative. Boundary accounts are exempt. Returns the
// worst violation without mutating any balance.
func (l *Ledger) PreviewBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	deltas := make(map[AccountKey]int64)
	for _, m := range batch.Movements {
		deltas[m.DebitAccount] += m.Amount
		deltas[m.CreditAccount] -= m.Amount
	}

	var worst *NegativeBalanceError
	for key, delta := range deltas {
		if key.MayGoNegative() {
			continue
		}
		if after := l.balances[key] + delta; after < 0 {
			if worst == nil || after < worst.Balance+worst.Delta {
				worst = &NegativeBalanceError{Account: key, Balance: l.balances[key], Delta: delta}
			}
		}
	}
	if worst != nil {
		return worst
	}
	return nil
}

// ApplyBatch validates and applies the batch. The batch either applies
// fully or not at all.
func (l *Ledger) ApplyBatch(batch *Batch) error {
	if err := l.PreviewBatch(batch); err != nil {
		return err
	}
	for _, m := range batch.Movements {
		l.apply(m)
	}
	return nil
}

// RevertBatch undoes a previously applied batch.
func (l *Ledger) RevertBatch(batch *Batch) {
	for _, m := range batch.Movements {
		l.revert(m)
	}
}

// Replay rebuilds balances from persisted movements. Skips validation:
// the rows were validated when first applied.
func (l *Ledger) Replay(movements []Movement) {
	for _, m := range movements {
		l.apply(m)
	}
}

// GlobalBalance sums all accounts per currency. A non-zero entry means
// a corrupted ledger: every movement is zero-sum within its currency.
func (l *Ledger) GlobalBalance() map[string]int64 {
	totals := make(map[string]int64)
	for key, balance := range l.balances {
		totals[key.Currency] += balance
	}
	return totals
}

// Snapshot returns a copy of all balances for reporting.
func (l *Ledger) Snapshot() map[AccountKey]int64 {
	snap := make(map[AccountKey]int64, len(l.balances))
	for k, v := range l.balances {
		snap[k] = v
	}
	return snap
}
