package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"PrizeSettle/internal/money"
	"PrizeSettle/internal/planner"
	"PrizeSettle/internal/reserve"
	"PrizeSettle/internal/state"
)

// SettlementStore is the synchronous persistence surface of the
// pipeline. Everything ordering-critical goes through here before the
// corresponding side effect runs: the plan is durable before any
// reserve moves, movements are durable before balances change, a leg's
// confirmation and its payment records commit in one transaction.
//
// The asynchronous event-log batching lives in the persistence worker;
// this store never batches and never retries. Callers decide how a
// failed write is handled.
type SettlementStore struct {
	db *sql.DB
}

func NewSettlementStore(db *sql.DB) *SettlementStore {
	return &SettlementStore{db: db}
}

// PersistPlan durably records a settlement, its legs and its payout
// table in one transaction. Insert-if-absent: when a record for the
// game already exists nothing is written and created is false, so the
// caller can compare plan hashes before resuming.
func (st *SettlementStore) PersistPlan(ctx context.Context, s *state.Settlement, plan *planner.Plan) (created bool, err error) {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("persist plan: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO settlement.settlement_records
			(game_id, status, plan_hash, source_sequence, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (game_id) DO NOTHING
	`, s.Game.String(), s.Status.String(), s.PlanHash[:], s.Sequence, s.Version)
	if err != nil {
		return false, fmt.Errorf("persist plan %s: record: %w", s.Game, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("persist plan %s: rows affected: %w", s.Game, err)
	}
	if n == 0 {
		// A previous attempt already persisted this game's plan.
		return false, tx.Commit()
	}

	if err := st.insertLegs(ctx, tx, s); err != nil {
		return false, err
	}
	if err := st.insertPayouts(ctx, tx, plan); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("persist plan %s: commit: %w", s.Game, err)
	}
	return true, nil
}

func (st *SettlementStore) insertLegs(ctx context.Context, tx *sql.Tx, s *state.Settlement) error {
	currencies := s.LegCurrencies()
	if len(currencies) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.settlement_legs
		(game_id, currency, chain, status, tx_ref, attempts, last_error, updated_at)
		VALUES `

	values := make([]string, 0, len(currencies))
	args := make([]interface{}, 0, len(currencies)*7)

	for i, code := range currencies {
		leg := s.Leg(code)
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, NOW())",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			s.Game.String(), leg.Currency, string(leg.Chain),
			leg.Status.String(), leg.TxRef, leg.Attempts, leg.LastError,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (game_id, currency) DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("persist plan %s: legs: %w", s.Game, err)
	}
	return nil
}

func (st *SettlementStore) insertPayouts(ctx context.Context, tx *sql.Tx, plan *planner.Plan) error {
	if len(plan.Payouts) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.payouts
		(game_id, currency, winner, amount, base_units)
		VALUES `

	values := make([]string, 0, len(plan.Payouts))
	args := make([]interface{}, 0, len(plan.Payouts)*5)

	for i, po := range plan.Payouts {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args,
			plan.Game.String(), po.Currency, po.Winner,
			po.Amount.String(), po.BaseUnits,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (game_id, currency, winner) DO NOTHING"

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("persist plan %s: payouts: %w", plan.Game, err)
	}
	return nil
}

// UpdateStatus records a settlement status transition.
func (st *SettlementStore) UpdateStatus(ctx context.Context, game uuid.UUID, status state.Status, version int64) error {
	_, err := st.db.ExecContext(ctx, `
		UPDATE settlement.settlement_records
		SET status = $2, version = $3, updated_at = NOW()
		WHERE game_id = $1
	`, game.String(), status.String(), version)
	if err != nil {
		return fmt.Errorf("update status %s: %w", game, err)
	}
	return nil
}

// UpdateLeg records a leg's current state. Upsert rather than plain
// update so a leg introduced after the initial plan write (a resumed
// game whose stored legs predate a code change) still lands.
func (st *SettlementStore) UpdateLeg(ctx context.Context, game uuid.UUID, leg *state.Leg) error {
	_, err := st.db.ExecContext(ctx, `
		INSERT INTO settlement.settlement_legs
			(game_id, currency, chain, status, tx_ref, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (game_id, currency) DO UPDATE SET
			status = EXCLUDED.status,
			tx_ref = EXCLUDED.tx_ref,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
	`, game.String(), leg.Currency, string(leg.Chain),
		leg.Status.String(), leg.TxRef, leg.Attempts, leg.LastError)
	if err != nil {
		return fmt.Errorf("update leg %s/%s: %w", game, leg.Currency, err)
	}
	return nil
}

// MarkLegConfirmed commits a leg's confirmation together with its
// payment audit records. One transaction: a confirmed leg without its
// payments (or the reverse) never becomes visible.
func (st *SettlementStore) MarkLegConfirmed(ctx context.Context, game uuid.UUID, leg *state.Leg, payouts []planner.Payout) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("confirm leg %s/%s: begin tx: %w", game, leg.Currency, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO settlement.settlement_legs
			(game_id, currency, chain, status, tx_ref, attempts, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (game_id, currency) DO UPDATE SET
			status = EXCLUDED.status,
			tx_ref = EXCLUDED.tx_ref,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
	`, game.String(), leg.Currency, string(leg.Chain),
		leg.Status.String(), leg.TxRef, leg.Attempts, leg.LastError); err != nil {
		return fmt.Errorf("confirm leg %s/%s: leg row: %w", game, leg.Currency, err)
	}

	if len(payouts) > 0 {
		query := `INSERT INTO settlement.payments
			(payment_id, game_id, currency, winner, amount, base_units, tx_ref, confirmed_at)
			VALUES `

		values := make([]string, 0, len(payouts))
		args := make([]interface{}, 0, len(payouts)*7)

		for i, po := range payouts {
			base := i * 7
			values = append(values, fmt.Sprintf(
				"($%d, $%d, $%d, $%d, $%d, $%d, $%d, NOW())",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7,
			))
			args = append(args,
				uuid.New().String(), game.String(), po.Currency, po.Winner,
				po.Amount.String(), po.BaseUnits, leg.TxRef,
			)
		}

		query += strings.Join(values, ", ")
		query += " ON CONFLICT (game_id, currency, winner) DO NOTHING"

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("confirm leg %s/%s: payments: %w", game, leg.Currency, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("confirm leg %s/%s: commit: %w", game, leg.Currency, err)
	}
	return nil
}

// AppendMovements durably records a movement batch. Implements
// reserve.AuditStore: the bridge calls this before applying the batch
// to in-memory balances, so replay after a crash reconstructs exactly
// the balances that were live.
func (st *SettlementStore) AppendMovements(ctx context.Context, movements []reserve.Movement) error {
	if len(movements) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.reserve_movements
		(movement_id, batch_id, game_ref, debit_account, credit_account, currency, amount, movement_type, rate, created_at_micros)
		VALUES `

	values := make([]string, 0, len(movements))
	args := make([]interface{}, 0, len(movements)*10)

	for i, m := range movements {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
			base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			m.MovementID.String(), m.BatchID.String(), m.GameRef,
			m.DebitAccount.AccountPath(), m.CreditAccount.AccountPath(),
			m.Currency, m.Amount, m.Type.String(), m.Rate.String(), m.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (movement_id) DO NOTHING"

	if _, err := st.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("append movements: %w", err)
	}
	return nil
}

// LoadMovements returns the full movement audit trail in write order,
// for replaying into the in-memory reserve ledger on startup.
func (st *SettlementStore) LoadMovements(ctx context.Context) ([]reserve.Movement, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT movement_id, batch_id, game_ref, debit_account, credit_account,
			currency, amount, movement_type, rate, created_at_micros
		FROM settlement.reserve_movements
		ORDER BY created_at_micros, movement_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load movements: %w", err)
	}
	defer rows.Close()

	var movements []reserve.Movement
	for rows.Next() {
		var (
			movementID, batchID, debit, credit, mtype, rate string
			m                                               reserve.Movement
		)
		if err := rows.Scan(&movementID, &batchID, &m.GameRef, &debit, &credit,
			&m.Currency, &m.Amount, &mtype, &rate, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("load movements: scan: %w", err)
		}

		if m.MovementID, err = uuid.Parse(movementID); err != nil {
			return nil, fmt.Errorf("load movements: movement_id %q: %w", movementID, err)
		}
		if m.BatchID, err = uuid.Parse(batchID); err != nil {
			return nil, fmt.Errorf("load movements: batch_id %q: %w", batchID, err)
		}
		if m.DebitAccount, err = reserve.ParseAccountPath(debit); err != nil {
			return nil, fmt.Errorf("load movements: %w", err)
		}
		if m.CreditAccount, err = reserve.ParseAccountPath(credit); err != nil {
			return nil, fmt.Errorf("load movements: %w", err)
		}
		if m.Type, err = reserve.ParseMovementType(mtype); err != nil {
			return nil, fmt.Errorf("load movements: %w", err)
		}
		if m.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("load movements: rate %q: %w", rate, err)
		}

		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// LoadInFlight returns every non-terminal settlement with its legs, in
// source-sequence order, for resuming after a restart.
func (st *SettlementStore) LoadInFlight(ctx context.Context) ([]*state.Settlement, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT game_id, status, plan_hash, source_sequence, version
		FROM settlement.settlement_records
		WHERE status NOT IN ($1, $2)
		ORDER BY source_sequence, game_id
	`, state.StatusSettled.String(), state.StatusCancelled.String())
	if err != nil {
		return nil, fmt.Errorf("load in-flight: %w", err)
	}

	var (
		settlements []*state.Settlement
		byGame      = make(map[string]*state.Settlement)
		gameIDs     []string
	)
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		settlements = append(settlements, s)
		byGame[s.Game.String()] = s
		gameIDs = append(gameIDs, s.Game.String())
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(settlements) == 0 {
		return nil, nil
	}

	legRows, err := st.db.QueryContext(ctx, `
		SELECT game_id, currency, chain, status, tx_ref, attempts, last_error
		FROM settlement.settlement_legs
		WHERE game_id = ANY($1::uuid[])
		ORDER BY game_id, currency
	`, pq.Array(gameIDs))
	if err != nil {
		return nil, fmt.Errorf("load in-flight: legs: %w", err)
	}
	defer legRows.Close()

	for legRows.Next() {
		var (
			gameID, chain, status string
			leg                   state.Leg
		)
		if err := legRows.Scan(&gameID, &leg.Currency, &chain, &status,
			&leg.TxRef, &leg.Attempts, &leg.LastError); err != nil {
			return nil, fmt.Errorf("load in-flight: leg scan: %w", err)
		}
		if leg.Status, err = state.ParseLegStatus(status); err != nil {
			return nil, fmt.Errorf("load in-flight: %w", err)
		}
		leg.Chain = money.ChainKind(chain)

		s := byGame[gameID]
		if s == nil {
			continue
		}
		if s.Legs == nil {
			s.Legs = make(map[string]*state.Leg)
		}
		l := leg
		s.Legs[leg.Currency] = &l
	}
	return settlements, legRows.Err()
}

// LoadSettlement returns one game's persisted settlement with its legs,
// or nil when the game was never planned.
func (st *SettlementStore) LoadSettlement(ctx context.Context, game uuid.UUID) (*state.Settlement, error) {
	row := st.db.QueryRowContext(ctx, `
		SELECT game_id, status, plan_hash, source_sequence, version
		FROM settlement.settlement_records
		WHERE game_id = $1
	`, game.String())

	s, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	legRows, err := st.db.QueryContext(ctx, `
		SELECT currency, chain, status, tx_ref, attempts, last_error
		FROM settlement.settlement_legs
		WHERE game_id = $1
		ORDER BY currency
	`, game.String())
	if err != nil {
		return nil, fmt.Errorf("load settlement %s: legs: %w", game, err)
	}
	defer legRows.Close()

	s.Legs = make(map[string]*state.Leg)
	for legRows.Next() {
		var (
			chain, status string
			leg           state.Leg
		)
		if err := legRows.Scan(&leg.Currency, &chain, &status,
			&leg.TxRef, &leg.Attempts, &leg.LastError); err != nil {
			return nil, fmt.Errorf("load settlement %s: leg scan: %w", game, err)
		}
		if leg.Status, err = state.ParseLegStatus(status); err != nil {
			return nil, fmt.Errorf("load settlement %s: %w", game, err)
		}
		leg.Chain = money.ChainKind(chain)
		l := leg
		s.Legs[leg.Currency] = &l
	}
	return s, legRows.Err()
}

// LoadPayouts returns a game's persisted payout table in plan order.
// Resume paths go through here so amounts are always the ones the plan
// committed, never recomputed.
func (st *SettlementStore) LoadPayouts(ctx context.Context, game uuid.UUID) ([]planner.Payout, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT winner, currency, amount, base_units
		FROM settlement.payouts
		WHERE game_id = $1
		ORDER BY currency, winner
	`, game.String())
	if err != nil {
		return nil, fmt.Errorf("load payouts %s: %w", game, err)
	}
	defer rows.Close()

	var payouts []planner.Payout
	for rows.Next() {
		var (
			po     planner.Payout
			amount string
		)
		if err := rows.Scan(&po.Winner, &po.Currency, &amount, &po.BaseUnits); err != nil {
			return nil, fmt.Errorf("load payouts %s: scan: %w", game, err)
		}
		if po.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("load payouts %s: amount %q: %w", game, amount, err)
		}
		payouts = append(payouts, po)
	}
	return payouts, rows.Err()
}

// LoadChainHead returns the sequence and state hash of the last durable
// event, so a restarted engine continues the hash chain instead of
// restarting it. A zero sequence means the log is empty.
func (st *SettlementStore) LoadChainHead(ctx context.Context) (int64, [32]byte, error) {
	var (
		seq  int64
		hash []byte
		out  [32]byte
	)
	err := st.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, out, nil
	}
	if err != nil {
		return 0, out, fmt.Errorf("load chain head: %w", err)
	}
	if len(hash) != len(out) {
		return 0, out, fmt.Errorf("load chain head: state hash is %d bytes", len(hash))
	}
	copy(out[:], hash)
	return seq, out, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSettlement(row scanner) (*state.Settlement, error) {
	var (
		gameID, status string
		planHash       []byte
		s              state.Settlement
	)
	if err := row.Scan(&gameID, &status, &planHash, &s.Sequence, &s.Version); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan settlement: %w", err)
	}

	game, err := uuid.Parse(gameID)
	if err != nil {
		return nil, fmt.Errorf("scan settlement: game_id %q: %w", gameID, err)
	}
	s.Game = game

	if s.Status, err = state.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("scan settlement %s: %w", gameID, err)
	}
	if len(planHash) != len(s.PlanHash) {
		return nil, fmt.Errorf("scan settlement %s: plan hash is %d bytes", gameID, len(planHash))
	}
	copy(s.PlanHash[:], planHash)

	return &s, nil
}

// touchTimeout bounds the short bookkeeping queries that run inline in
// the settlement path.
const touchTimeout = 2 * time.Second

// MarkCancelled flips a still-planning settlement to cancelled. The
// guard in SQL keeps the window honest: once the status row has left
// planning the cancel loses the race and reports false.
func (st *SettlementStore) MarkCancelled(ctx context.Context, game uuid.UUID, version int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, touchTimeout)
	defer cancel()

	res, err := st.db.ExecContext(ctx, `
		UPDATE settlement.settlement_records
		SET status = $2, version = $3, updated_at = NOW()
		WHERE game_id = $1 AND status = $4
	`, game.String(), state.StatusCancelled.String(), version, state.StatusPlanning.String())
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", game, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel %s: rows affected: %w", game, err)
	}
	return n > 0, nil
}
