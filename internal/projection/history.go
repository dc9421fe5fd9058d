package projection

// History entry kinds, one per observable step of a settlement's life.
const (
	KindPlanned        = "planned"
	KindBridged        = "bridged"
	KindLegSubmitted   = "leg_submitted"
	KindLegConfirmed   = "leg_confirmed"
	KindLegFailed      = "leg_failed"
	KindSettled        = "settled"
	KindPartialFailure = "partial_failure"
	KindCancelled      = "cancelled"
	KindParked         = "parked"
	KindResumed        = "resumed"
)

// HistoryEntry is one row in a game's settlement timeline. The
// timeline is a projection: convenient to read, rebuildable in spirit,
// never the source of truth for settlement state.
type HistoryEntry struct {
	GameID     string
	Sequence   int64
	Kind       string
	Currency   string // empty for whole-settlement entries
	Detail     string // tx reference, error text, amounts
	OccurredAt int64  // unix micros
}

// MovementEntry is the slice of a reserve movement the balance
// projection needs. Debit increases the account, credit decreases it,
// matching the reserve ledger's convention.
type MovementEntry struct {
	DebitAccount  string
	CreditAccount string
	Currency      string
	Amount        int64
}
