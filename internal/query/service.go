package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// QueryService provides read-only access to settlement state and the
// projection tables. Settlement records and payouts are read from the
// authoritative settlement schema; balances and timelines come from
// projections and carry as_of_sequence for freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetSettlement returns a game's settlement with its legs, or nil when
// the game was never planned.
func (qs *QueryService) GetSettlement(ctx context.Context, game uuid.UUID) (*SettlementResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		resp     SettlementResponse
		planHash []byte
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT game_id, status, plan_hash, source_sequence, version
		FROM settlement.settlement_records
		WHERE game_id = $1
	`, game.String()).Scan(&resp.GameID, &resp.Status, &planHash, &resp.SourceSequence, &resp.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	resp.PlanHash = hex.EncodeToString(planHash)
	resp.AsOfSequence = asOfSeq

	rows, err := qs.db.QueryContext(ctx, `
		SELECT currency, chain, status, tx_ref, attempts, last_error
		FROM settlement.settlement_legs
		WHERE game_id = $1
		ORDER BY currency
	`, game.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var leg LegResponse
		if err := rows.Scan(&leg.Currency, &leg.Chain, &leg.Status,
			&leg.TxRef, &leg.Attempts, &leg.LastError); err != nil {
			return nil, err
		}
		resp.Legs = append(resp.Legs, leg)
	}
	return &resp, rows.Err()
}

// GetPayouts returns a game's planned payout table.
func (qs *QueryService) GetPayouts(ctx context.Context, game uuid.UUID) ([]PayoutResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT winner, currency, amount, base_units
		FROM settlement.payouts
		WHERE game_id = $1
		ORDER BY currency, winner
	`, game.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []PayoutResponse
	for rows.Next() {
		var p PayoutResponse
		if err := rows.Scan(&p.Winner, &p.Currency, &p.Amount, &p.BaseUnits); err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// GetPayments returns a game's executed payouts, one row per winner per
// confirmed leg.
func (qs *QueryService) GetPayments(ctx context.Context, game uuid.UUID) ([]PaymentResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT payment_id, game_id, currency, winner, amount, base_units, tx_ref, confirmed_at
		FROM settlement.payments
		WHERE game_id = $1
		ORDER BY currency, winner
	`, game.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []PaymentResponse
	for rows.Next() {
		var p PaymentResponse
		if err := rows.Scan(&p.PaymentID, &p.GameID, &p.Currency, &p.Winner,
			&p.Amount, &p.BaseUnits, &p.TxRef, &p.ConfirmedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// GetMovements returns reserve movements, newest first, optionally
// filtered to one game. Cursor pagination via beforeMicros.
func (qs *QueryService) GetMovements(ctx context.Context, game *uuid.UUID, limit int, beforeMicros *int64) ([]MovementResponse, error) {
	query := `
		SELECT movement_id, batch_id, game_ref, debit_account, credit_account,
		       currency, amount, movement_type, rate, created_at_micros
		FROM settlement.reserve_movements
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if game != nil {
		query += fmt.Sprintf(" AND game_ref = $%d", argIdx)
		args = append(args, game.String())
		argIdx++
	}
	if beforeMicros != nil {
		query += fmt.Sprintf(" AND created_at_micros < $%d", argIdx)
		args = append(args, *beforeMicros)
		argIdx++
	}

	query += " ORDER BY created_at_micros DESC, movement_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []MovementResponse
	for rows.Next() {
		var m MovementResponse
		if err := rows.Scan(&m.MovementID, &m.BatchID, &m.GameRef,
			&m.DebitAccount, &m.CreditAccount, &m.Currency, &m.Amount,
			&m.Type, &m.Rate, &m.Timestamp); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// GetHistory returns a game's settlement timeline in event order.
func (qs *QueryService) GetHistory(ctx context.Context, game uuid.UUID) ([]HistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT game_id, sequence, kind, currency, detail, occurred_at_micros
		FROM projections.settlement_history
		WHERE game_id = $1
		ORDER BY occurred_at_micros, kind
	`, game.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []HistoryResponse
	for rows.Next() {
		var h HistoryResponse
		h.AsOfSequence = asOfSeq
		if err := rows.Scan(&h.GameID, &h.Sequence, &h.Kind,
			&h.Currency, &h.Detail, &h.OccurredAt); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetReserveBalances returns every currency's standing reserve from the
// balance projection.
func (qs *QueryService) GetReserveBalances(ctx context.Context) ([]ReserveBalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT currency, balance
		FROM projections.reserve_balances
		WHERE account_path LIKE 'reserve:%'
		ORDER BY currency
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []ReserveBalanceResponse
	for rows.Next() {
		var b ReserveBalanceResponse
		b.AsOfSequence = asOfSeq
		if err := rows.Scan(&b.Currency, &b.Balance); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// VerifyIntegrity checks the event log hash chain and the per-currency
// zero-sum invariant across the movement audit trail.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Hash chain continuity: every event's prev_hash must equal the
	// previous event's state_hash.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Zero-sum: double-entry movements keep each currency's balances
	// summing to zero across all accounts. A non-zero sum means the
	// balance projection drifted from the audit trail.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT currency, SUM(balance) AS total
		FROM projections.reserve_balances
		GROUP BY currency
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedCurrency
		if err := balanceRows.Scan(&u.Currency, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedCurrencies = append(report.UnbalancedCurrencies, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedCurrencies) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
