package reserve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PrizeSettle/internal/event"
	"PrizeSettle/internal/money"
	"PrizeSettle/internal/observability"
	"PrizeSettle/internal/planner"
	"PrizeSettle/internal/rates"
)

// AuditStore durably records movement batches. AppendMovements must
// commit before the batch takes effect in memory; a batch that cannot
// be audited never moves a balance.
type AuditStore interface {
	AppendMovements(ctx context.Context, movements []Movement) error
}

// InsufficientReserveError means a deficit could not be covered by the
// game's surpluses plus the deficit currency's standing reserve. The
// bridge moves nothing when this is returned; a treasury top-up
// followed by a retry is the recovery path.
type InsufficientReserveError struct {
	Currency  string
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientReserveError) Error() string {
	return fmt.Sprintf("insufficient %s reserve: need %s, have %s", e.Currency, e.Needed, e.Available)
}

// Bridge rebalances value between per-currency reserve pools so every
// currency's game pool can cover its planned payouts.
//
// A bridge is all-or-nothing: the full movement batch is generated,
// previewed against current balances, audited to durable storage, and
// only then applied. Two levels of locking protect it: per-currency
// locks serialize whole operations touching the same currency, and a
// short mutex guards the balance map itself.
type Bridge struct {
	registry *money.Registry
	rates    rates.Source
	store    AuditStore
	logger   zerolog.Logger
	metrics  *observability.Metrics

	locks *currencyLocks

	mu     sync.Mutex
	ledger *Ledger
}

func NewBridge(
	registry *money.Registry,
	rateSource rates.Source,
	store AuditStore,
	metrics *observability.Metrics,
) *Bridge {
	return &Bridge{
		registry: registry,
		rates:    rateSource,
		store:    store,
		logger:   observability.NewLogger("bridge"),
		metrics:  metrics,
		locks:    newCurrencyLocks(),
		ledger:   NewLedger(),
	}
}

// Replay rebuilds in-memory balances from persisted movements. Called
// once on startup before any operation runs.
func (b *Bridge) Replay(movements []Movement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ledger.Replay(movements)
	b.publishBalances()
}

// IntakeFees books a game's collected entry fees into its custody
// pool. Safe to call again on resume: if the pool already holds the
// fees the call is a no-op.
func (b *Bridge) IntakeFees(ctx context.Context, game uuid.UUID, fees []event.FeeContribution) (*Batch, error) {
	currencies := make([]string, 0, len(fees))
	for _, fee := range fees {
		if fee.Amount.IsPositive() {
			currencies = append(currencies, b.lockKey(fee.Currency))
		}
	}
	if len(currencies) == 0 {
		return nil, nil
	}

	unlock := b.locks.acquire(currencies)
	defer unlock()

	batch := &Batch{BatchID: uuid.New()}
	now := time.Now().UnixMicro()
	gameRef := game.String()

	for _, fee := range fees {
		if !fee.Amount.IsPositive() {
			continue
		}
		cur, ok := b.registry.Get(fee.Currency)
		if !ok {
			return nil, fmt.Errorf("intake: unknown currency %q", fee.Currency)
		}
		amount, err := money.ToBaseUnits(fee.Amount, cur.Decimals)
		if err != nil {
			return nil, fmt.Errorf("intake %s: %w", fee.Currency, err)
		}

		pool := NewGameAccountKey(game, fee.Currency)
		if b.balance(pool) >= amount {
			// Already booked on a previous attempt.
			continue
		}

		batch.Movements = append(batch.Movements, Movement{
			MovementID:    uuid.New(),
			BatchID:       batch.BatchID,
			GameRef:       gameRef,
			DebitAccount:  pool,
			CreditAccount: NewExternalAccountKey(ExternalIntake, fee.Currency),
			Currency:      fee.Currency,
			Amount:        amount,
			Type:          MovementFeeIntake,
			Timestamp:     now,
		})
	}

	if len(batch.Movements) == 0 {
		return nil, nil
	}
	return batch, b.commit(ctx, game.String(), batch)
}

// Bridge covers every deficit in the plan from the game's surpluses,
// converted at the rate source's quotes, drawing any remainder from the
// deficit currency's standing reserve. All movements commit atomically
// or the balances stay untouched.
func (b *Bridge) Bridge(ctx context.Context, game uuid.UUID, imbalances []planner.Imbalance) (*Batch, error) {
	var deficits, surpluses []planner.Imbalance
	for _, imb := range imbalances {
		if _, ok := b.registry.Get(imb.Currency); !ok {
			return nil, fmt.Errorf("bridge: unknown currency %q", imb.Currency)
		}
		if imb.Deficit.IsPositive() {
			deficits = append(deficits, imb)
		}
		if imb.Surplus.IsPositive() {
			surpluses = append(surpluses, imb)
		}
	}
	if len(deficits) == 0 && len(surpluses) == 0 {
		return nil, nil
	}

	// Quote all conversion pairs before taking any lock. The rate
	// source may hit the network; locks never wait on it.
	quotes := make(map[string]decimal.Decimal)
	for _, d := range deficits {
		for _, s := range surpluses {
			pair := s.Currency + "/" + d.Currency
			rate, err := b.rates.Rate(ctx, s.Currency, d.Currency)
			if err != nil {
				return nil, fmt.Errorf("bridge: quote %s: %w", pair, err)
			}
			if !rate.IsPositive() {
				return nil, fmt.Errorf("bridge: non-positive rate for %s", pair)
			}
			quotes[pair] = rate
		}
	}

	keys := make([]string, 0, len(imbalances))
	for _, imb := range imbalances {
		keys = append(keys, b.lockKey(imb.Currency))
	}
	unlock := b.locks.acquire(keys)
	defer unlock()

	batch, err := b.buildBridgeBatch(game, deficits, surpluses, quotes)
	if err != nil {
		if b.metrics != nil {
			var short *InsufficientReserveError
			if errors.As(err, &short) {
				b.metrics.BridgeInsufficient.WithLabelValues(short.Currency).Inc()
			}
		}
		return nil, err
	}
	if batch == nil {
		return nil, nil
	}

	if err := b.commit(ctx, game.String(), batch); err != nil {
		return nil, err
	}

	b.logger.Info().
		Str("game_id", game.String()).
		Int("movements", len(batch.Movements)).
		Msg("bridge committed")
	return batch, nil
}

// buildBridgeBatch allocates surpluses to deficits greedily in sorted
// currency order. Conversion rounding always favors the reserves: the
// surplus taken is rounded up, the deficit covered rounded down, so
// coverage is never overstated.
func (b *Bridge) buildBridgeBatch(
	game uuid.UUID,
	deficits, surpluses []planner.Imbalance,
	quotes map[string]decimal.Decimal,
) (*Batch, error) {
	batch := &Batch{BatchID: uuid.New()}
	now := time.Now().UnixMicro()
	gameRef := game.String()

	add := func(mt MovementType, debit, credit AccountKey, currency string, amount int64, rate decimal.Decimal) {
		batch.Movements = append(batch.Movements, Movement{
			MovementID:    uuid.New(),
			BatchID:       batch.BatchID,
			GameRef:       gameRef,
			DebitAccount:  debit,
			CreditAccount: credit,
			Currency:      currency,
			Amount:        amount,
			Type:          mt,
			Rate:          rate,
			Timestamp:     now,
		})
	}

	// Sweep every surplus into its reserve. Whatever is not consumed
	// by conversions below stays there.
	remaining := make(map[string]decimal.Decimal, len(surpluses))
	for _, s := range surpluses {
		cur := b.registry.MustGet(s.Currency)
		amount, err := money.ToBaseUnits(s.Surplus, cur.Decimals)
		if err != nil {
			return nil, fmt.Errorf("bridge sweep %s: %w", s.Currency, err)
		}
		add(MovementSurplusSweep,
			NewReserveAccountKey(s.Currency),
			NewGameAccountKey(game, s.Currency),
			s.Currency, amount, decimal.Decimal{})
		remaining[s.Currency] = s.Surplus
	}

	for _, d := range deficits {
		dCur := b.registry.MustGet(d.Currency)
		remD := d.Deficit

		for _, s := range surpluses {
			if !remD.IsPositive() {
				break
			}
			avail := remaining[s.Currency]
			if !avail.IsPositive() {
				continue
			}

			sCur := b.registry.MustGet(s.Currency)
			rate := quotes[s.Currency+"/"+d.Currency]

			take := remD.Div(rate).RoundCeil(sCur.Decimals)
			if take.GreaterThan(avail) {
				take = avail
			}
			give := take.Mul(rate).RoundFloor(dCur.Decimals)
			if give.GreaterThan(remD) {
				give = remD
			}
			if !give.IsPositive() {
				continue
			}

			takeBase, err := money.ToBaseUnits(take, sCur.Decimals)
			if err != nil {
				return nil, fmt.Errorf("bridge convert %s: %w", s.Currency, err)
			}
			giveBase, err := money.ToBaseUnits(give, dCur.Decimals)
			if err != nil {
				return nil, fmt.Errorf("bridge convert %s: %w", d.Currency, err)
			}

			add(MovementConversionOut,
				NewExternalAccountKey(ExternalConversion, s.Currency),
				NewReserveAccountKey(s.Currency),
				s.Currency, takeBase, rate)
			add(MovementConversionIn,
				NewReserveAccountKey(d.Currency),
				NewExternalAccountKey(ExternalConversion, d.Currency),
				d.Currency, giveBase, rate)

			remaining[s.Currency] = avail.Sub(take)
			remD = remD.Sub(give)
		}

		// The game pool must reach its full required amount; the
		// reserve fronts the whole deficit and keeps what conversions
		// brought in.
		fund, err := money.ToBaseUnits(d.Deficit, dCur.Decimals)
		if err != nil {
			return nil, fmt.Errorf("bridge fund %s: %w", d.Currency, err)
		}
		add(MovementDeficitFund,
			NewGameAccountKey(game, d.Currency),
			NewReserveAccountKey(d.Currency),
			d.Currency, fund, decimal.Decimal{})
	}

	if len(batch.Movements) == 0 {
		return nil, nil
	}

	b.mu.Lock()
	err := b.ledger.PreviewBatch(batch)
	b.mu.Unlock()
	if err != nil {
		var neg *NegativeBalanceError
		if errors.As(err, &neg) && neg.Account.Scope == AccountScopeReserve {
			cur := b.registry.MustGet(neg.Account.Currency)
			return nil, &InsufficientReserveError{
				Currency:  neg.Account.Currency,
				Needed:    money.FromBaseUnits(-neg.Delta, cur.Decimals),
				Available: money.FromBaseUnits(neg.Balance, cur.Decimals),
			}
		}
		return nil, err
	}

	return batch, nil
}

// TopUp books an operator treasury deposit into a currency's reserve.
func (b *Bridge) TopUp(ctx context.Context, currency string, amount decimal.Decimal) (*Batch, error) {
	cur, ok := b.registry.Get(currency)
	if !ok {
		return nil, fmt.Errorf("top-up: unknown currency %q", currency)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("top-up %s: non-positive amount %s", currency, amount)
	}
	base, err := money.ToBaseUnits(amount, cur.Decimals)
	if err != nil {
		return nil, fmt.Errorf("top-up %s: %w", currency, err)
	}

	unlock := b.locks.acquire([]string{b.lockKey(currency)})
	defer unlock()

	batch := &Batch{BatchID: uuid.New()}
	batch.Movements = append(batch.Movements, Movement{
		MovementID:    uuid.New(),
		BatchID:       batch.BatchID,
		DebitAccount:  NewReserveAccountKey(currency),
		CreditAccount: NewExternalAccountKey(ExternalTreasury, currency),
		Currency:      currency,
		Amount:        base,
		Type:          MovementTopUp,
		Timestamp:     time.Now().UnixMicro(),
	})

	if err := b.commit(ctx, "", batch); err != nil {
		return nil, err
	}

	b.logger.Info().
		Str("currency", currency).
		Str("amount", amount.String()).
		Msg("reserve topped up")
	return batch, nil
}

// RecordPayout books a confirmed payout leg out of the game pool. Safe
// to call again on resume: once the pool no longer covers the leg the
// call is a no-op.
func (b *Bridge) RecordPayout(ctx context.Context, game uuid.UUID, currency string, amount int64) (*Batch, error) {
	if amount <= 0 {
		return nil, nil
	}
	if _, ok := b.registry.Get(currency); !ok {
		return nil, fmt.Errorf("payout: unknown currency %q", currency)
	}

	unlock := b.locks.acquire([]string{b.lockKey(currency)})
	defer unlock()

	pool := NewGameAccountKey(game, currency)
	if b.balance(pool) < amount {
		// Already booked on a previous attempt.
		return nil, nil
	}

	batch := &Batch{BatchID: uuid.New()}
	batch.Movements = append(batch.Movements, Movement{
		MovementID:    uuid.New(),
		BatchID:       batch.BatchID,
		GameRef:       game.String(),
		DebitAccount:  NewExternalAccountKey(ExternalPayouts, currency),
		CreditAccount: pool,
		Currency:      currency,
		Amount:        amount,
		Type:          MovementPayout,
		Timestamp:     time.Now().UnixMicro(),
	})

	return batch, b.commit(ctx, game.String(), batch)
}

// commit audits the batch, then applies it. The preview inside
// ApplyBatch cannot fail here for bridge batches (already previewed
// under the same locks); for the simpler single-movement batches it is
// the only preview.
func (b *Bridge) commit(ctx context.Context, gameRef string, batch *Batch) error {
	b.mu.Lock()
	err := b.ledger.PreviewBatch(batch)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	if b.store != nil {
		if err := b.store.AppendMovements(ctx, batch.Movements); err != nil {
			if b.metrics != nil {
				b.metrics.BridgeAuditErrors.Inc()
			}
			return fmt.Errorf("audit movements: %w", err)
		}
	}

	b.mu.Lock()
	if err := b.ledger.ApplyBatch(batch); err != nil {
		// Audited but not applied: balances and audit now disagree,
		// which recovery by replay would silently paper over.
		b.mu.Unlock()
		panic(fmt.Sprintf("FATAL: audited batch failed to apply (game=%s): %v", gameRef, err))
	}
	b.publishBalances()
	b.mu.Unlock()

	if b.metrics != nil {
		for _, m := range batch.Movements {
			b.metrics.ReserveMovements.WithLabelValues(m.Type.String(), m.Currency).Inc()
		}
	}
	return nil
}

// GamePoolBalance returns a game pool's current balance in base units.
func (b *Bridge) GamePoolBalance(game uuid.UUID, currency string) int64 {
	return b.balance(NewGameAccountKey(game, currency))
}

// ReserveBalances returns every currency's standing reserve as decimal
// amounts.
func (b *Bridge) ReserveBalances() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, code := range b.registry.Codes() {
		cur := b.registry.MustGet(code)
		out[code] = money.FromBaseUnits(b.ledger.ReserveBalance(code), cur.Decimals)
	}
	return out
}

// GlobalBalance exposes the ledger's per-currency zero-sum check.
func (b *Bridge) GlobalBalance() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger.GlobalBalance()
}

func (b *Bridge) balance(key AccountKey) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger.Balance(key)
}

// publishBalances refreshes the reserve gauges. Caller holds b.mu.
func (b *Bridge) publishBalances() {
	if b.metrics == nil {
		return
	}
	for _, code := range b.registry.Codes() {
		cur := b.registry.MustGet(code)
		amount := money.FromBaseUnits(b.ledger.ReserveBalance(code), cur.Decimals)
		f, _ := amount.Float64()
		b.metrics.ReserveBalance.WithLabelValues(code).Set(f)
	}
}

func (b *Bridge) lockKey(currency string) string {
	cur, ok := b.registry.Get(currency)
	if !ok {
		return "unknown/" + currency
	}
	return string(cur.Chain) + "/" + cur.Code
}

// currencyLocks hands out one mutex per (chain, currency) pair.
// Acquire sorts the keys so two operations locking overlapping sets
// cannot deadlock.
type currencyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newCurrencyLocks() *currencyLocks {
	return &currencyLocks{locks: make(map[string]*sync.Mutex)}
}

func (cl *currencyLocks) acquire(keys []string) (release func()) {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, k := range sorted {
		cl.mu.Lock()
		m, ok := cl.locks[k]
		if !ok {
			m = &sync.Mutex{}
			cl.locks[k] = m
		}
		cl.mu.Unlock()

		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
