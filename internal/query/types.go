package query

// LegResponse is one currency leg of a settlement for API queries.
type LegResponse struct {
	Currency  string `json:"currency"`
	Chain     string `json:"chain"`
	Status    string `json:"status"`
	TxRef     string `json:"tx_ref,omitempty"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// SettlementResponse is a game's settlement state for API queries.
type SettlementResponse struct {
	GameID         string        `json:"game_id"`
	Status         string        `json:"status"`
	PlanHash       string        `json:"plan_hash"` // hex
	SourceSequence int64         `json:"source_sequence"`
	Version        int64         `json:"version"`
	Legs           []LegResponse `json:"legs"`
	AsOfSequence   int64         `json:"as_of_sequence"`
}

// PayoutResponse is one planned payout. Amount is a decimal string;
// BaseUnits is the exact on-chain amount.
type PayoutResponse struct {
	Winner    string `json:"winner"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	BaseUnits int64  `json:"base_units"`
}

// PaymentResponse is one executed payout, recorded when its leg
// confirmed on chain.
type PaymentResponse struct {
	PaymentID   string `json:"payment_id"`
	GameID      string `json:"game_id"`
	Currency    string `json:"currency"`
	Winner      string `json:"winner"`
	Amount      string `json:"amount"`
	BaseUnits   int64  `json:"base_units"`
	TxRef       string `json:"tx_ref"`
	ConfirmedAt string `json:"confirmed_at"`
}

// MovementResponse is one reserve audit trail row.
type MovementResponse struct {
	MovementID    string `json:"movement_id"`
	BatchID       string `json:"batch_id"`
	GameRef       string `json:"game_ref,omitempty"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Currency      string `json:"currency"`
	Amount        int64  `json:"amount"`
	Type          string `json:"type"`
	Rate          string `json:"rate,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// HistoryResponse is one settlement timeline entry.
type HistoryResponse struct {
	GameID       string `json:"game_id"`
	Sequence     int64  `json:"sequence"`
	Kind         string `json:"kind"`
	Currency     string `json:"currency,omitempty"`
	Detail       string `json:"detail,omitempty"`
	OccurredAt   int64  `json:"occurred_at"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ReserveBalanceResponse is one currency's standing reserve.
type ReserveBalanceResponse struct {
	Currency     string `json:"currency"`
	Balance      int64  `json:"balance"` // base units
	AsOfSequence int64  `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy            bool                 `json:"is_healthy"`
	HashChainBreaks      []int64              `json:"hash_chain_breaks,omitempty"`
	UnbalancedCurrencies []UnbalancedCurrency `json:"unbalanced_currencies,omitempty"`
}

// UnbalancedCurrency is a currency whose balances no longer sum to
// zero across all accounts.
type UnbalancedCurrency struct {
	Currency  string `json:"currency"`
	Imbalance int64  `json:"imbalance"`
}
