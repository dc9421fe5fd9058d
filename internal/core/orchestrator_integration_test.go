package core_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"PrizeSettle/internal/chain"
	"PrizeSettle/internal/core"
	"PrizeSettle/internal/event"
	"PrizeSettle/internal/money"
	"PrizeSettle/internal/persistence"
	"PrizeSettle/internal/rates"
	"PrizeSettle/internal/reserve"
	"PrizeSettle/internal/state"
	"PrizeSettle/internal/testutil"
)

// integrationEngine is one "process": an orchestrator against the real
// Postgres store with a live persistence worker draining the event log
// channel. Tests build a second one against the same database to model
// a restart.
type integrationEngine struct {
	orch    *core.Orchestrator
	store   *persistence.SettlementStore
	bridge  *reserve.Bridge
	evm     *fakeAdapter
	solana  *fakeAdapter
	persist chan persistence.EventRow
	done    chan struct{}
}

func startIntegrationEngine(t *testing.T, db *sql.DB) *integrationEngine {
	t.Helper()

	store := persistence.NewSettlementStore(db)
	registry := money.DefaultRegistry()
	bridge := reserve.NewBridge(registry, rates.NewFixedTable(nil), store, nil)

	movements, err := store.LoadMovements(context.Background())
	if err != nil {
		t.Fatalf("load movements: %v", err)
	}
	bridge.Replay(movements)

	evm := newFakeAdapter(money.ChainEVM)
	solana := newFakeAdapter(money.ChainSolana)
	persistChan := make(chan persistence.EventRow, 256)

	orch := core.NewOrchestrator(core.Options{
		Registry: registry,
		Bridge:   bridge,
		Store:    store,
		Adapters: map[money.ChainKind]chain.Adapter{
			money.ChainEVM:    evm,
			money.ChainSolana: solana,
		},
		Dedup: core.NewIdempotencyChecker(128, persistence.NewPostgresIdempotencyChecker(db), nil),
		Retry: chain.RetryPolicy{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		ConfirmPoll:    time.Millisecond,
		ConfirmTimeout: 2 * time.Second,
		PersistChan:    persistChan,
	})

	seq, head, err := store.LoadChainHead(context.Background())
	if err != nil {
		t.Fatalf("load chain head: %v", err)
	}
	orch.SetChainHead(seq, head)
	orch.Start(context.Background())

	done := make(chan struct{})
	worker := persistence.NewWorker(db, persistChan, 10, 5*time.Millisecond, nil)
	go func() {
		defer close(done)
		_ = worker.Run(context.Background())
	}()

	return &integrationEngine{
		orch:    orch,
		store:   store,
		bridge:  bridge,
		evm:     evm,
		solana:  solana,
		persist: persistChan,
		done:    done,
	}
}

// stop drains the engine: settlement goroutines first, then the event
// log worker via channel close so the final batch flushes.
func (e *integrationEngine) stop() {
	e.orch.Wait()
	close(e.persist)
	<-e.done
}

func setupIntegration(t *testing.T) *sql.DB {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	migrator := persistence.NewMigrator(db, "../../migrations")
	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func countRows(t *testing.T, db *sql.DB, query string, args ...interface{}) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query: %v", err)
	}
	return n
}

// ============================================================================
// Test: settle, restart, redeliver
// ============================================================================

// A game settles end to end; a second engine started against the same
// database must recognize the redelivered event through the durable
// dedup tier and extend the hash chain instead of forking it.
func TestIntegration_SettleRestartRedeliver(t *testing.T) {
	db := setupIntegration(t)
	game := uuid.New()
	evt := gameEvent(game,
		[]event.FeeContribution{{Currency: "ABT", Amount: d("100")}},
		[]event.WinnerShare{{Winner: "0xwinner", Currency: "ABT", Percent: d("100")}},
	)

	first := startIntegrationEngine(t, db)
	if err := first.orch.ProcessEvent(context.Background(), evt, []byte(`{"game":"a"}`)); err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	first.stop()

	stored, err := first.store.LoadSettlement(context.Background(), game)
	if err != nil {
		t.Fatalf("load settlement: %v", err)
	}
	if stored == nil || stored.Status != state.StatusSettled {
		t.Fatalf("stored settlement: %+v, want settled", stored)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM settlement.payments WHERE game_id = $1`, game.String()); n != 1 {
		t.Fatalf("payments: got %d rows, want 1", n)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM event_log.events`); n != 1 {
		t.Fatalf("event log: got %d rows, want 1", n)
	}

	// "Restart": fresh engine, same database, same event redelivered.
	second := startIntegrationEngine(t, db)
	if got := second.orch.Sequence(); got != 1 {
		t.Fatalf("chain head after restart: got %d, want 1", got)
	}
	if err := second.orch.ProcessEvent(context.Background(), evt, []byte(`{"game":"a"}`)); err != nil {
		t.Fatalf("redelivered ProcessEvent: %v", err)
	}
	second.stop()

	if got := second.orch.Sequence(); got != 1 {
		t.Errorf("sequence advanced on duplicate: got %d, want 1", got)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM event_log.events`); n != 1 {
		t.Errorf("event log after redelivery: got %d rows, want 1", n)
	}
	if second.evm.submitCount() != 0 {
		t.Errorf("duplicate caused %d submissions", second.evm.submitCount())
	}

	// The replayed reserve ledger must agree with the first process.
	if bal := second.bridge.GamePoolBalance(game, "ABT"); bal != 0 {
		t.Errorf("replayed game pool: got %d, want 0", bal)
	}
}

// ============================================================================
// Test: crash during partial failure, resume, retry
// ============================================================================

func TestIntegration_PartialFailureSurvivesRestart(t *testing.T) {
	db := setupIntegration(t)
	game := uuid.New()

	first := startIntegrationEngine(t, db)
	first.solana.setSubmitErr(&chain.SubmissionError{
		Chain: money.ChainSolana, Op: "send", Err: errors.New("rpc down"),
	})

	err := first.orch.ProcessEvent(context.Background(), gameEvent(game,
		[]event.FeeContribution{
			{Currency: "ABT", Amount: d("100")},
			{Currency: "SPL", Amount: d("100")},
		},
		[]event.WinnerShare{
			{Winner: "0xalice", Currency: "ABT", Percent: d("50")},
			{Winner: "sol-bob", Currency: "SPL", Percent: d("50")},
		},
	), []byte(`{}`))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	first.stop()

	// Restart with a healthy chain. ResumeAll restores the partial
	// failure but leaves it to the operator.
	second := startIntegrationEngine(t, db)
	if err := second.orch.ResumeAll(context.Background()); err != nil {
		t.Fatalf("ResumeAll: %v", err)
	}
	second.orch.Wait()
	if n := second.orch.ActiveCount(); n != 1 {
		t.Fatalf("active after resume: got %d, want 1", n)
	}
	if second.solana.submitCount() != 0 {
		t.Fatalf("resume auto-retried a partial failure")
	}

	retryErr := second.orch.ProcessEvent(context.Background(), &event.SettlementRetry{
		RetryID:   uuid.New(),
		Game:      game,
		Timestamp: time.Now(),
	}, []byte(`{}`))
	if retryErr != nil {
		t.Fatalf("retry ProcessEvent: %v", retryErr)
	}
	second.stop()

	stored, err := second.store.LoadSettlement(context.Background(), game)
	if err != nil {
		t.Fatalf("load settlement: %v", err)
	}
	if stored == nil || stored.Status != state.StatusSettled {
		t.Fatalf("status after retry: %+v, want settled", stored)
	}
	if n := countRows(t, db, `SELECT COUNT(*) FROM settlement.payments WHERE game_id = $1`, game.String()); n != 2 {
		t.Errorf("payments: got %d rows, want 2", n)
	}

	// ABT confirmed before the crash; the retry must not have paid it
	// again.
	if n := countRows(t, db,
		`SELECT COUNT(*) FROM settlement.payments WHERE game_id = $1 AND currency = 'ABT'`,
		game.String()); n != 1 {
		t.Errorf("ABT payments: got %d rows, want 1", n)
	}
}
