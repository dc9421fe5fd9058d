package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// Update carries everything one processed event contributes to the
// projection tables: reserve balance deltas and timeline entries.
type Update struct {
	Sequence  int64
	Movements []MovementEntry
	History   []HistoryEntry
}

// Worker maintains the projection tables from processed events. The
// input channel is non-blocking with drop on the producer side: if
// projections fall behind, balances can be rebuilt from the movement
// audit trail and the authoritative settlement state lives in the
// settlement schema regardless.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Update
}

func NewWorker(db *sql.DB, inputChan <-chan Update) *Worker {
	return &Worker{db: db, inputChan: inputChan}
}

// Run consumes updates until ctx is cancelled or the channel closes.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case update, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.apply(ctx, update); err != nil {
				// Projections are eventually consistent; keep going.
				log.Printf("WARN: projection update failed at seq=%d: %v", update.Sequence, err)
			}
		}
	}
}

func (pw *Worker) apply(ctx context.Context, update Update) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range update.Movements {
		if err := pw.applyMovement(ctx, tx, m, update.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, h := range update.History {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.settlement_history
				(game_id, sequence, kind, currency, detail, occurred_at_micros)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, h.GameID, h.Sequence, h.Kind, h.Currency, h.Detail, h.OccurredAt); err != nil {
			return fmt.Errorf("history projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, update.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *Worker) applyMovement(ctx context.Context, tx *sql.Tx, m MovementEntry, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.reserve_balances (account_path, currency, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_path, currency)
		DO UPDATE SET balance = projections.reserve_balances.balance + $3, last_sequence = $4
	`, m.DebitAccount, m.Currency, m.Amount, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.reserve_balances (account_path, currency, balance, last_sequence)
		VALUES ($1, $2, -$3, $4)
		ON CONFLICT (account_path, currency)
		DO UPDATE SET balance = projections.reserve_balances.balance - $3, last_sequence = $4
	`, m.CreditAccount, m.Currency, m.Amount, seq); err != nil {
		return err
	}

	return nil
}

// RebuildProjections reconstructs the balance projection from the
// movement audit trail. The history timeline is append-only and is
// left in place; only derived balances are recomputed.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`TRUNCATE projections.reserve_balances`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
	}

	// Debits increase the account balance.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.reserve_balances (account_path, currency, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			currency,
			SUM(amount) AS balance,
			0 AS last_sequence
		FROM settlement.reserve_movements
		GROUP BY debit_account, currency
		ON CONFLICT (account_path, currency) DO UPDATE
			SET balance = EXCLUDED.balance
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credits decrease it.
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.reserve_balances (account_path, currency, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			currency,
			-SUM(amount) AS balance,
			0 AS last_sequence
		FROM settlement.reserve_movements
		GROUP BY credit_account, currency
		ON CONFLICT (account_path, currency) DO UPDATE
			SET balance = projections.reserve_balances.balance + EXCLUDED.balance
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
