package reserve_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PrizeSettle/internal/event"
	"PrizeSettle/internal/money"
	"PrizeSettle/internal/planner"
	"PrizeSettle/internal/rates"
	"PrizeSettle/internal/reserve"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// captureStore records audited movements and can be told to fail.
type captureStore struct {
	mu        sync.Mutex
	movements []reserve.Movement
	fail      bool
}

func (c *captureStore) AppendMovements(_ context.Context, movements []reserve.Movement) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return fmt.Errorf("audit store down")
	}
	c.movements = append(c.movements, movements...)
	return nil
}

func (c *captureStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.movements)
}

func newBridge(store reserve.AuditStore) *reserve.Bridge {
	return reserve.NewBridge(money.DefaultRegistry(), rates.NewFixedTable(nil), store, nil)
}

// ============================================================================
// Test: cross-currency bridge
// ============================================================================

// The two-currency game: 100 ABT + 100 SPL collected, winners owed
// 180 ABT and 20 SPL. The bridge sweeps SPL's 80 surplus, converts it
// 1:1, and funds ABT's 80 deficit. Reserves net to zero, so this works
// with no standing liquidity at all.
func TestBridge_CrossCurrencyExample(t *testing.T) {
	store := &captureStore{}
	b := newBridge(store)
	game := uuid.New()
	ctx := context.Background()

	fees := []event.FeeContribution{
		{Currency: "ABT", Amount: d("100")},
		{Currency: "SPL", Amount: d("100")},
	}
	if _, err := b.IntakeFees(ctx, game, fees); err != nil {
		t.Fatalf("intake failed: %v", err)
	}

	imbalances := []planner.Imbalance{
		{Currency: "ABT", Deficit: d("80"), Surplus: decimal.Zero},
		{Currency: "SPL", Deficit: decimal.Zero, Surplus: d("80")},
	}
	batch, err := b.Bridge(ctx, game, imbalances)
	if err != nil {
		t.Fatalf("bridge failed: %v", err)
	}

	types := make(map[reserve.MovementType]int)
	for _, m := range batch.Movements {
		types[m.Type]++
	}
	if types[reserve.MovementSurplusSweep] != 1 || types[reserve.MovementConversionOut] != 1 ||
		types[reserve.MovementConversionIn] != 1 || types[reserve.MovementDeficitFund] != 1 {
		t.Errorf("movement types: got %v", types)
	}

	// Game pools now hold exactly what the payout legs need.
	if got := b.GamePoolBalance(game, "ABT"); got != 180_000_000 {
		t.Errorf("ABT pool: got %d, want 180_000_000", got)
	}
	if got := b.GamePoolBalance(game, "SPL"); got != 20_000_000_000 {
		t.Errorf("SPL pool: got %d, want 20_000_000_000", got)
	}

	// The reserves broke even.
	balances := b.ReserveBalances()
	if !balances["ABT"].IsZero() || !balances["SPL"].IsZero() {
		t.Errorf("reserves should net to zero: %v", balances)
	}

	// Zero-sum per currency across all accounts.
	for currency, total := range b.GlobalBalance() {
		if total != 0 {
			t.Errorf("currency %s not zero-sum: %d", currency, total)
		}
	}

	// Every movement was audited: 2 intakes + 4 bridge movements.
	if store.count() != 6 {
		t.Errorf("audited movements: got %d, want 6", store.count())
	}
}

func TestBridge_RateConversion(t *testing.T) {
	table := rates.NewFixedTable(map[string]decimal.Decimal{"ABT/SPL": d("0.9")})
	b := reserve.NewBridge(money.DefaultRegistry(), table, &captureStore{}, nil)
	game := uuid.New()
	ctx := context.Background()

	// 100 ABT surplus at 0.9 covers a 90 SPL deficit exactly.
	if _, err := b.IntakeFees(ctx, game, []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}); err != nil {
		t.Fatalf("intake failed: %v", err)
	}

	imbalances := []planner.Imbalance{
		{Currency: "ABT", Surplus: d("100")},
		{Currency: "SPL", Deficit: d("90")},
	}
	if _, err := b.Bridge(ctx, game, imbalances); err != nil {
		t.Fatalf("bridge failed: %v", err)
	}

	if got := b.GamePoolBalance(game, "SPL"); got != 90_000_000_000 {
		t.Errorf("SPL pool: got %d, want 90_000_000_000", got)
	}
	balances := b.ReserveBalances()
	if !balances["ABT"].IsZero() {
		t.Errorf("ABT reserve: got %s, want 0", balances["ABT"])
	}
	if !balances["SPL"].IsZero() {
		t.Errorf("SPL reserve: got %s, want 0", balances["SPL"])
	}
}

// ============================================================================
// Test: all-or-nothing
// ============================================================================

func TestBridge_InsufficientReserve_NothingMoves(t *testing.T) {
	store := &captureStore{}
	b := newBridge(store)
	game := uuid.New()
	ctx := context.Background()

	// A winner paid in SPL but no SPL fees and no SPL reserve.
	if _, err := b.IntakeFees(ctx, game, []event.FeeContribution{{Currency: "ABT", Amount: d("10")}}); err != nil {
		t.Fatalf("intake failed: %v", err)
	}
	audited := store.count()

	imbalances := []planner.Imbalance{
		{Currency: "ABT", Surplus: d("10")},
		{Currency: "SPL", Deficit: d("100")},
	}
	_, err := b.Bridge(ctx, game, imbalances)

	var short *reserve.InsufficientReserveError
	if !errors.As(err, &short) {
		t.Fatalf("got %v, want InsufficientReserveError", err)
	}
	if short.Currency != "SPL" {
		t.Errorf("short currency: got %s, want SPL", short.Currency)
	}

	// All-or-nothing: the ABT surplus was not swept either.
	if got := b.GamePoolBalance(game, "ABT"); got != 10_000_000 {
		t.Errorf("ABT pool: got %d, want 10_000_000 untouched", got)
	}
	if store.count() != audited {
		t.Errorf("failed bridge audited movements: got %d, want %d", store.count(), audited)
	}
}

func TestBridge_TopUpThenRetry(t *testing.T) {
	b := newBridge(&captureStore{})
	game := uuid.New()
	ctx := context.Background()

	imbalances := []planner.Imbalance{{Currency: "SPL", Deficit: d("100")}}

	var short *reserve.InsufficientReserveError
	if _, err := b.Bridge(ctx, game, imbalances); !errors.As(err, &short) {
		t.Fatalf("got %v, want InsufficientReserveError", err)
	}

	if _, err := b.TopUp(ctx, "SPL", d("250")); err != nil {
		t.Fatalf("top-up failed: %v", err)
	}

	if _, err := b.Bridge(ctx, game, imbalances); err != nil {
		t.Fatalf("bridge after top-up failed: %v", err)
	}

	if got := b.GamePoolBalance(game, "SPL"); got != 100_000_000_000 {
		t.Errorf("SPL pool: got %d, want 100_000_000_000", got)
	}
	if got := b.ReserveBalances()["SPL"]; !got.Equal(d("150")) {
		t.Errorf("SPL reserve: got %s, want 150", got)
	}
}

func TestBridge_AuditFailure_NothingApplied(t *testing.T) {
	store := &captureStore{fail: true}
	b := newBridge(store)
	ctx := context.Background()

	if _, err := b.TopUp(ctx, "ABT", d("50")); err == nil {
		t.Fatal("top-up should fail when audit store is down")
	}

	if got := b.ReserveBalances()["ABT"]; !got.IsZero() {
		t.Errorf("ABT reserve: got %s, want 0 after failed audit", got)
	}
}

// ============================================================================
// Test: idempotent resume paths
// ============================================================================

func TestBridge_IntakeIdempotent(t *testing.T) {
	store := &captureStore{}
	b := newBridge(store)
	game := uuid.New()
	ctx := context.Background()
	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}

	if _, err := b.IntakeFees(ctx, game, fees); err != nil {
		t.Fatalf("intake failed: %v", err)
	}
	again, err := b.IntakeFees(ctx, game, fees)
	if err != nil {
		t.Fatalf("second intake failed: %v", err)
	}
	if again != nil {
		t.Error("second intake should be a no-op")
	}

	if got := b.GamePoolBalance(game, "ABT"); got != 100_000_000 {
		t.Errorf("ABT pool: got %d, want 100_000_000", got)
	}
	if store.count() != 1 {
		t.Errorf("audited movements: got %d, want 1", store.count())
	}
}

func TestBridge_RecordPayoutIdempotent(t *testing.T) {
	b := newBridge(&captureStore{})
	game := uuid.New()
	ctx := context.Background()

	if _, err := b.IntakeFees(ctx, game, []event.FeeContribution{{Currency: "ABT", Amount: d("180")}}); err != nil {
		t.Fatalf("intake failed: %v", err)
	}

	if _, err := b.RecordPayout(ctx, game, "ABT", 180_000_000); err != nil {
		t.Fatalf("payout failed: %v", err)
	}
	if got := b.GamePoolBalance(game, "ABT"); got != 0 {
		t.Errorf("ABT pool: got %d, want 0 after payout", got)
	}

	again, err := b.RecordPayout(ctx, game, "ABT", 180_000_000)
	if err != nil {
		t.Fatalf("second payout failed: %v", err)
	}
	if again != nil {
		t.Error("second payout should be a no-op")
	}
}

func TestBridge_ZeroImbalances_NoOp(t *testing.T) {
	store := &captureStore{}
	b := newBridge(store)

	batch, err := b.Bridge(context.Background(), uuid.New(), []planner.Imbalance{
		{Currency: "ABT", Deficit: decimal.Zero, Surplus: decimal.Zero},
	})
	if err != nil {
		t.Fatalf("bridge failed: %v", err)
	}
	if batch != nil {
		t.Error("balanced game should produce no movements")
	}
	if store.count() != 0 {
		t.Errorf("audited movements: got %d, want 0", store.count())
	}
}

// ============================================================================
// Test: replay and concurrency
// ============================================================================

func TestBridge_ReplayRebuildsBalances(t *testing.T) {
	store := &captureStore{}
	b := newBridge(store)
	ctx := context.Background()

	if _, err := b.TopUp(ctx, "ABT", d("75")); err != nil {
		t.Fatalf("top-up failed: %v", err)
	}
	if _, err := b.TopUp(ctx, "SPL", d("12.5")); err != nil {
		t.Fatalf("top-up failed: %v", err)
	}

	restarted := newBridge(&captureStore{})
	restarted.Replay(store.movements)

	balances := restarted.ReserveBalances()
	if !balances["ABT"].Equal(d("75")) {
		t.Errorf("ABT reserve after replay: got %s, want 75", balances["ABT"])
	}
	if !balances["SPL"].Equal(d("12.5")) {
		t.Errorf("SPL reserve after replay: got %s, want 12.5", balances["SPL"])
	}
}

func TestBridge_ConcurrentTopUps(t *testing.T) {
	b := newBridge(&captureStore{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.TopUp(ctx, "ABT", d("1")); err != nil {
				t.Errorf("top-up failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := b.ReserveBalances()["ABT"]; !got.Equal(d("20")) {
		t.Errorf("ABT reserve: got %s, want 20", got)
	}
}
