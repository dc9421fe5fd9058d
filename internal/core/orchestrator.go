// Package core contains the settlement orchestrator: the single
// component that turns validated events into durable settlement
// progress. It owns the global sequence, the hash chain and the
// lifecycle of every in-flight game.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"PrizeSettle/internal/chain"
	"PrizeSettle/internal/event"
	"PrizeSettle/internal/ingestion"
	"PrizeSettle/internal/money"
	"PrizeSettle/internal/observability"
	"PrizeSettle/internal/persistence"
	"PrizeSettle/internal/planner"
	"PrizeSettle/internal/projection"
	"PrizeSettle/internal/reserve"
	"PrizeSettle/internal/state"
)

var (
	// ErrUnknownGame means no settlement is tracked for the game id.
	ErrUnknownGame = errors.New("unknown game")

	// ErrNotCancellable means the settlement has left the planning
	// phase; from there it always runs to an outcome.
	ErrNotCancellable = errors.New("settlement is no longer cancellable")
)

// Store is the durable settlement state the orchestrator depends on.
// Implemented by persistence.SettlementStore; faked in unit tests.
type Store interface {
	PersistPlan(ctx context.Context, s *state.Settlement, plan *planner.Plan) (created bool, err error)
	UpdateStatus(ctx context.Context, game uuid.UUID, status state.Status, version int64) error
	UpdateLeg(ctx context.Context, game uuid.UUID, leg *state.Leg) error
	MarkLegConfirmed(ctx context.Context, game uuid.UUID, leg *state.Leg, payouts []planner.Payout) error
	MarkCancelled(ctx context.Context, game uuid.UUID, version int64) (bool, error)
	LoadInFlight(ctx context.Context) ([]*state.Settlement, error)
	LoadSettlement(ctx context.Context, game uuid.UUID) (*state.Settlement, error)
	LoadPayouts(ctx context.Context, game uuid.UUID) ([]planner.Payout, error)
}

// Options wires an Orchestrator. Zero-value retry, poll and timeout
// fields fall back to operational defaults.
type Options struct {
	Registry *money.Registry
	Bridge   *reserve.Bridge
	Store    Store
	Adapters map[money.ChainKind]chain.Adapter
	Dedup    *IdempotencyChecker
	Metrics  *observability.Metrics

	Retry          chain.RetryPolicy
	ConfirmPoll    time.Duration
	ConfirmTimeout time.Duration

	PersistChan    chan<- persistence.EventRow
	ProjectionChan chan<- projection.Update
	PublishChan    chan<- ingestion.PublishableOutcome
}

// Orchestrator drives settlements through
// Planning -> Bridging -> Submitting -> Settled | PartialFailure.
//
// Event intake is serialized by the caller; per-game settlement work
// runs on its own goroutine. Durable writes happen before the side
// effects they describe: the plan before any reserve movement, the leg
// row before the next submission attempt.
type Orchestrator struct {
	registry *money.Registry
	planner  *planner.Planner
	bridge   *reserve.Bridge
	store    Store
	adapters map[money.ChainKind]chain.Adapter
	dedup    *IdempotencyChecker
	guard    *SubmissionGuard
	manager  *state.SettlementManager
	metrics  *observability.Metrics
	logger   zerolog.Logger

	retry          chain.RetryPolicy
	confirmPoll    time.Duration
	confirmTimeout time.Duration

	persistChan    chan<- persistence.EventRow
	projectionChan chan<- projection.Update
	publishChan    chan<- ingestion.PublishableOutcome

	// seqMu serializes envelope emission so sequence order and hash
	// chain order are the same order the persistence worker sees.
	seqMu    sync.Mutex
	sequence int64
	hasher   *StateHasher

	// launchMu guards the planning->bridging handoff against Cancel.
	launchMu sync.Mutex
	launched map[uuid.UUID]bool

	settleMu sync.Mutex
	settling map[uuid.UUID]bool

	runCtx context.Context
	wg     sync.WaitGroup
}

func NewOrchestrator(opts Options) *Orchestrator {
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = chain.DefaultRetryPolicy()
	}
	confirmPoll := opts.ConfirmPoll
	if confirmPoll == 0 {
		confirmPoll = 2 * time.Second
	}
	confirmTimeout := opts.ConfirmTimeout
	if confirmTimeout == 0 {
		confirmTimeout = 2 * time.Minute
	}

	return &Orchestrator{
		registry:       opts.Registry,
		planner:        planner.New(opts.Registry),
		bridge:         opts.Bridge,
		store:          opts.Store,
		adapters:       opts.Adapters,
		dedup:          opts.Dedup,
		guard:          NewSubmissionGuard(),
		manager:        state.NewSettlementManager(),
		metrics:        opts.Metrics,
		logger:         observability.NewLogger("orchestrator"),
		retry:          retry,
		confirmPoll:    confirmPoll,
		confirmTimeout: confirmTimeout,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
		publishChan:    opts.PublishChan,
		launched:       make(map[uuid.UUID]bool),
		settling:       make(map[uuid.UUID]bool),
		runCtx:         context.Background(),
	}
}

// SetChainHead positions the sequence counter and hash chain at the
// last durable envelope. Must be called before the first event.
func (o *Orchestrator) SetChainHead(sequence int64, hash [32]byte) {
	o.seqMu.Lock()
	defer o.seqMu.Unlock()
	o.sequence = sequence
	if sequence > 0 {
		o.hasherRef().SetHead(hash)
	}
}

func (o *Orchestrator) hasherRef() *StateHasher {
	if o.hasher == nil {
		o.hasher = NewStateHasher()
	}
	return o.hasher
}

// Start sets the context settlement goroutines run under. Cancelling
// it stops in-flight legs at their next blocking point.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runCtx = ctx
}

// Wait blocks until every settlement goroutine has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Sequence returns the current global event sequence.
func (o *Orchestrator) Sequence() int64 {
	o.seqMu.Lock()
	defer o.seqMu.Unlock()
	return o.sequence
}

// ActiveCount returns the number of tracked settlements.
func (o *Orchestrator) ActiveCount() int {
	return o.manager.Len()
}

// ProcessEvent validates, deduplicates and applies one event. A non-nil
// return means the event was NOT durably accepted and the source should
// redeliver it; a nil return means it is safe to acknowledge, whether
// the event was applied or rejected.
func (o *Orchestrator) ProcessEvent(ctx context.Context, evt event.Event, payload []byte) error {
	eventType := evt.EventType().String()
	start := time.Now()

	dup, err := o.dedup.IsDuplicate(ctx, eventType, evt.IdempotencyKey())
	if err != nil {
		return err
	}
	if dup {
		o.logger.Debug().
			Str("event_type", eventType).
			Str("idempotency_key", evt.IdempotencyKey()).
			Msg("duplicate event dropped")
		if o.metrics != nil {
			o.metrics.EventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	switch e := evt.(type) {
	case *event.GameCompleted:
		err = o.handleGameCompleted(ctx, e, payload)
	case *event.ReserveDeposit:
		err = o.handleReserveDeposit(ctx, e, payload)
	case *event.SettlementRetry:
		err = o.handleRetry(ctx, e, payload)
	default:
		o.reject(eventType, "unknown_type")
		return nil
	}
	if err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.EventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}
	return nil
}

func (o *Orchestrator) handleGameCompleted(ctx context.Context, e *event.GameCompleted, payload []byte) error {
	eventType := e.EventType().String()
	s := o.manager.GetOrCreate(e.Game, e.Sequence)
	if s.Status != state.StatusPlanning {
		// Redelivery that slipped past dedup; the settlement is already
		// under way.
		o.reject(eventType, "already_in_flight")
		return nil
	}

	plan, err := o.planner.Plan(e.Game, e.EntryFees, e.Distribution)
	if err != nil {
		var invalid *planner.InvalidDistributionError
		if errors.As(err, &invalid) {
			o.logger.Warn().
				Str("game_id", e.Game.String()).
				Err(err).
				Msg("game rejected: invalid distribution")
			o.reject(eventType, "invalid_distribution")
			o.manager.Remove(e.Game)
			return nil
		}
		return fmt.Errorf("plan %s: %w", e.Game, err)
	}

	s.PlanHash = HashPayouts(e.Game, plan.Payouts)
	for _, code := range plan.Currencies() {
		cur := o.registry.MustGet(code)
		s.EnsureLeg(code, cur.Chain)
	}

	created, err := o.store.PersistPlan(ctx, s, plan)
	if err != nil {
		return err
	}
	if !created {
		return o.resumeExisting(ctx, e, s, plan)
	}

	// Fees go into the game pool before the event is acknowledged, so a
	// crash anywhere after this point resumes against funded pools. The
	// intake is a no-op on redelivery.
	intake, err := o.bridge.IntakeFees(ctx, e.Game, e.EntryFees)
	if err != nil {
		return fmt.Errorf("intake fees %s: %w", e.Game, err)
	}

	seq := o.appendEnvelope(e, payload)
	o.dedup.MarkProcessed(eventType, e.IdempotencyKey())

	if o.metrics != nil {
		o.metrics.EventsApplied.WithLabelValues(eventType).Inc()
		o.metrics.SettlementsStarted.Inc()
	}
	o.logger.Info().
		Str("game_id", e.Game.String()).
		Int64("sequence", seq).
		Int("payouts", len(plan.Payouts)).
		Str("combined", plan.Combined.String()).
		Msg("settlement planned")

	update := projection.Update{
		Sequence:  seq,
		Movements: movementEntries(intake),
		History: []projection.HistoryEntry{{
			GameID:     e.Game.String(),
			Sequence:   seq,
			Kind:       projection.KindPlanned,
			Detail:     fmt.Sprintf("combined=%s payouts=%d", plan.Combined, len(plan.Payouts)),
			OccurredAt: time.Now().UnixMicro(),
		}},
	}
	o.project(update)

	o.launchSettlement(s, plan.Payouts)
	return nil
}

// resumeExisting handles a GameCompleted redelivery whose plan is
// already durable. The stored plan hash is authoritative: a payload
// producing a different plan for the same game id is rejected.
func (o *Orchestrator) resumeExisting(ctx context.Context, e *event.GameCompleted, s *state.Settlement, plan *planner.Plan) error {
	eventType := e.EventType().String()

	stored, err := o.store.LoadSettlement(ctx, e.Game)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("game %s: plan row vanished after conflict", e.Game)
	}
	if stored.PlanHash != s.PlanHash {
		o.logger.Error().
			Str("game_id", e.Game.String()).
			Msg("game rejected: plan hash mismatch with stored plan")
		o.reject(eventType, "plan_mismatch")
		o.manager.Remove(e.Game)
		return nil
	}
	if stored.Status.IsTerminal() {
		o.dedup.MarkProcessed(eventType, e.IdempotencyKey())
		o.manager.Remove(e.Game)
		return nil
	}

	// Adopt the durable progress, then continue from wherever the
	// previous attempt stopped.
	o.manager.Restore(stored)

	if _, err := o.bridge.IntakeFees(ctx, e.Game, e.EntryFees); err != nil {
		return fmt.Errorf("intake fees %s: %w", e.Game, err)
	}
	o.dedup.MarkProcessed(eventType, e.IdempotencyKey())

	o.launchSettlement(stored, plan.Payouts)
	return nil
}

func (o *Orchestrator) handleReserveDeposit(ctx context.Context, e *event.ReserveDeposit, payload []byte) error {
	eventType := e.EventType().String()

	if _, ok := o.registry.Get(e.Currency); !ok {
		o.reject(eventType, "unknown_currency")
		return nil
	}
	if !e.Amount.IsPositive() {
		o.reject(eventType, "non_positive_amount")
		return nil
	}

	batch, err := o.bridge.TopUp(ctx, e.Currency, e.Amount)
	if err != nil {
		return fmt.Errorf("top-up %s: %w", e.Currency, err)
	}

	seq := o.appendEnvelope(e, payload)
	o.dedup.MarkProcessed(eventType, e.IdempotencyKey())
	if o.metrics != nil {
		o.metrics.EventsApplied.WithLabelValues(eventType).Inc()
	}
	o.logger.Info().
		Str("currency", e.Currency).
		Str("amount", e.Amount.String()).
		Int64("sequence", seq).
		Msg("reserve deposit applied")

	o.project(projection.Update{Sequence: seq, Movements: movementEntries(batch)})

	// Fresh reserves may unblock games parked on an insufficient
	// reserve; re-kick them all.
	o.rekickParked(ctx, seq)
	return nil
}

func (o *Orchestrator) handleRetry(ctx context.Context, e *event.SettlementRetry, payload []byte) error {
	eventType := e.EventType().String()

	s := o.manager.Get(e.Game)
	if s == nil {
		stored, err := o.store.LoadSettlement(ctx, e.Game)
		if err != nil {
			return err
		}
		if stored == nil || stored.Status.IsTerminal() {
			o.reject(eventType, "not_retryable")
			return nil
		}
		o.manager.Restore(stored)
		s = stored
	}
	if s.Status.IsTerminal() {
		o.reject(eventType, "not_retryable")
		return nil
	}

	if s.Status == state.StatusPartialFailure {
		if err := s.TransitionTo(state.StatusSubmitting); err != nil {
			return err
		}
		for _, code := range s.FailedCurrencies() {
			leg := s.Leg(code)
			leg.Attempts = 0
			leg.LastError = ""
			// TxRef stays: the failed attempt's transaction may have
			// landed after the failure was recorded, and the leg gets
			// one confirmation pass on it before anything is re-sent.
			if err := leg.TransitionTo(state.LegSubmitted); err != nil {
				return err
			}
		}
		if err := o.store.UpdateStatus(ctx, s.Game, s.Status, s.Version); err != nil {
			return err
		}
	}

	payouts, err := o.store.LoadPayouts(ctx, e.Game)
	if err != nil {
		return err
	}

	seq := o.appendEnvelope(e, payload)
	o.dedup.MarkProcessed(eventType, e.IdempotencyKey())
	if o.metrics != nil {
		o.metrics.EventsApplied.WithLabelValues(eventType).Inc()
	}
	o.logger.Info().
		Str("game_id", e.Game.String()).
		Str("status", s.Status.String()).
		Msg("settlement retry accepted")

	o.project(projection.Update{
		Sequence: seq,
		History: []projection.HistoryEntry{{
			GameID:     e.Game.String(),
			Sequence:   seq,
			Kind:       projection.KindResumed,
			OccurredAt: time.Now().UnixMicro(),
		}},
	})

	o.relaunchSettlement(s, payouts)
	return nil
}

// Cancel aborts a settlement that is still in Planning. Once the
// settle goroutine has taken the game past planning the cancel is
// refused; the settlement runs to an outcome instead.
func (o *Orchestrator) Cancel(ctx context.Context, game uuid.UUID) error {
	o.launchMu.Lock()
	defer o.launchMu.Unlock()

	s := o.manager.Get(game)
	if s == nil {
		return ErrUnknownGame
	}
	// launched is checked first: once the settle goroutine exists it owns
	// the Settlement and the status may be mid-write.
	if o.launched[game] || s.Status != state.StatusPlanning {
		return ErrNotCancellable
	}
	if err := s.TransitionTo(state.StatusCancelled); err != nil {
		return err
	}

	// The durable row may not exist yet when cancel wins the race with
	// plan persistence; in-memory removal is then the whole cancel.
	if _, err := o.store.MarkCancelled(ctx, game, s.Version); err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.SettlementOutcomes.WithLabelValues(state.StatusCancelled.String()).Inc()
	}
	o.logger.Info().Str("game_id", game.String()).Msg("settlement cancelled")

	o.project(projection.Update{
		Sequence: o.Sequence(),
		History: []projection.HistoryEntry{{
			GameID:     game.String(),
			Sequence:   o.Sequence(),
			Kind:       projection.KindCancelled,
			OccurredAt: time.Now().UnixMicro(),
		}},
	})

	o.manager.Remove(game)
	return nil
}

// ResumeAll restores in-flight settlements from durable state and
// relaunches the ones that can make progress unattended. Games still
// in Planning and games in PartialFailure wait for an operator retry
// or cancel.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	settlements, err := o.store.LoadInFlight(ctx)
	if err != nil {
		return err
	}

	for _, s := range settlements {
		payouts, err := o.store.LoadPayouts(ctx, s.Game)
		if err != nil {
			return err
		}
		if HashPayouts(s.Game, payouts) != s.PlanHash {
			panic(fmt.Sprintf("FATAL: stored payouts for game %s do not match the persisted plan hash", s.Game))
		}

		o.manager.Restore(s)

		switch s.Status {
		case state.StatusBridging, state.StatusSubmitting:
			o.logger.Info().
				Str("game_id", s.Game.String()).
				Str("status", s.Status.String()).
				Msg("resuming settlement")
			o.markLaunched(s.Game)
			o.relaunchSettlement(s, payouts)
		default:
			o.logger.Info().
				Str("game_id", s.Game.String()).
				Str("status", s.Status.String()).
				Msg("settlement restored, waiting for operator")
		}
	}

	o.publishGauges()
	return nil
}

// --- settlement execution ---

func (o *Orchestrator) markLaunched(game uuid.UUID) {
	o.launchMu.Lock()
	o.launched[game] = true
	o.launchMu.Unlock()
}

func (o *Orchestrator) launchSettlement(s *state.Settlement, payouts []planner.Payout) {
	o.markLaunched(s.Game)
	o.relaunchSettlement(s, payouts)
}

func (o *Orchestrator) relaunchSettlement(s *state.Settlement, payouts []planner.Payout) {
	o.settleMu.Lock()
	if o.settling[s.Game] {
		o.settleMu.Unlock()
		return
	}
	o.settling[s.Game] = true
	o.settleMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.settleMu.Lock()
			delete(o.settling, s.Game)
			o.settleMu.Unlock()
		}()
		o.settle(o.runCtx, s, payouts)
	}()
}

func (o *Orchestrator) settle(ctx context.Context, s *state.Settlement, payouts []planner.Payout) {
	start := time.Now()
	o.publishGauges()

	if s.Status == state.StatusPlanning {
		o.launchMu.Lock()
		if s.Status == state.StatusCancelled {
			o.launchMu.Unlock()
			return
		}
		err := s.TransitionTo(state.StatusBridging)
		o.launchMu.Unlock()
		if err != nil {
			o.logger.Error().Str("game_id", s.Game.String()).Err(err).Msg("settlement stuck")
			return
		}
		if err := o.store.UpdateStatus(ctx, s.Game, s.Status, s.Version); err != nil {
			o.logger.Error().Str("game_id", s.Game.String()).Err(err).Msg("status write failed, parking")
			o.park(s)
			return
		}
	}

	if s.Status == state.StatusBridging {
		if !o.runBridging(ctx, s, payouts) {
			return
		}
	}

	if s.Status == state.StatusSubmitting {
		o.runSubmitting(ctx, s, payouts)
	}

	if o.metrics != nil && s.Status.IsTerminal() {
		o.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}
	o.publishGauges()
}

// runBridging funds every unconfirmed leg's game pool, moving the
// settlement to Submitting. Returns false when the game parked.
func (o *Orchestrator) runBridging(ctx context.Context, s *state.Settlement, payouts []planner.Payout) bool {
	imbalances := o.imbalances(s, payouts)

	batch, err := o.bridge.Bridge(ctx, s.Game, imbalances)
	if err != nil {
		var short *reserve.InsufficientReserveError
		if errors.As(err, &short) {
			o.logger.Warn().
				Str("game_id", s.Game.String()).
				Str("currency", short.Currency).
				Str("needed", short.Needed.String()).
				Str("available", short.Available.String()).
				Msg("insufficient reserve, parking settlement")
		} else {
			o.logger.Error().Str("game_id", s.Game.String()).Err(err).Msg("bridge failed, parking settlement")
		}
		o.park(s)
		return false
	}

	for _, code := range s.LegCurrencies() {
		leg := s.Leg(code)
		if leg.Status != state.LegNotStarted {
			continue
		}
		if err := leg.TransitionTo(state.LegBridged); err != nil {
			o.logger.Error().Str("game_id", s.Game.String()).Err(err).Msg("leg transition failed")
			continue
		}
		o.persistLeg(ctx, s, leg)
	}

	if err := s.TransitionTo(state.StatusSubmitting); err != nil {
		o.logger.Error().Str("game_id", s.Game.String()).Err(err).Msg("settlement stuck")
		return false
	}
	if err := o.store.UpdateStatus(ctx, s.Game, s.Status, s.Version); err != nil {
		o.logger.Error().Str("game_id", s.Game.String()).Err(err).Msg("status write failed")
	}

	o.project(projection.Update{
		Sequence:  o.Sequence(),
		Movements: movementEntries(batch),
		History: []projection.HistoryEntry{{
			GameID:     s.Game.String(),
			Sequence:   o.Sequence(),
			Kind:       projection.KindBridged,
			OccurredAt: time.Now().UnixMicro(),
		}},
	})
	return true
}

// runSubmitting drives every unconfirmed leg to Confirmed or Failed,
// in parallel, then records the outcome.
func (o *Orchestrator) runSubmitting(ctx context.Context, s *state.Settlement, payouts []planner.Payout) {
	var g errgroup.Group
	for _, code := range s.LegCurrencies() {
		leg := s.Leg(code)
		if leg.Status == state.LegConfirmed {
			continue
		}
		legPayouts := payoutsFor(payouts, code)
		g.Go(func() error {
			o.runLeg(ctx, s, leg, legPayouts)
			return nil
		})
	}
	_ = g.Wait() // leg errors are recorded on the legs themselves

	if ctx.Err() != nil {
		// Shutting down mid-submission; resume picks this up.
		return
	}

	outcome := s.Outcome()
	if err := s.TransitionTo(outcome); err != nil {
		o.logger.Error().Str("game_id", s.Game.String()).Err(err).Msg("settlement stuck")
		return
	}
	if err := o.store.UpdateStatus(ctx, s.Game, s.Status, s.Version); err != nil {
		o.logger.Error().Str("game_id", s.Game.String()).Err(err).Msg("outcome write failed")
	}

	if o.metrics != nil {
		o.metrics.SettlementOutcomes.WithLabelValues(outcome.String()).Inc()
	}
	o.logger.Info().
		Str("game_id", s.Game.String()).
		Str("outcome", outcome.String()).
		Strs("failed_legs", s.FailedCurrencies()).
		Msg("settlement finished")

	kind := projection.KindSettled
	if outcome == state.StatusPartialFailure {
		kind = projection.KindPartialFailure
	}
	o.project(projection.Update{
		Sequence: o.Sequence(),
		History: []projection.HistoryEntry{{
			GameID:     s.Game.String(),
			Sequence:   o.Sequence(),
			Kind:       kind,
			OccurredAt: time.Now().UnixMicro(),
		}},
	})
	o.publishOutcome(s)

	if outcome == state.StatusSettled {
		o.manager.Remove(s.Game)
	}
	// PartialFailure stays tracked so an operator retry finds it.
}

// runLeg drives one currency leg: presence check, submit, confirm.
// Presence checks, submissions and lost confirmations share the retry
// budget; simulation rejections do not consume it and are bounded by
// the confirmation window instead.
func (o *Orchestrator) runLeg(ctx context.Context, s *state.Settlement, leg *state.Leg, payouts []planner.Payout) {
	release, ok := o.guard.TryAcquire(s.Game, leg.Currency)
	if !ok {
		return
	}
	defer release()

	if leg.Status == state.LegConfirmed {
		return
	}

	adapter := o.adapters[leg.Chain]
	if adapter == nil {
		leg.LastError = fmt.Sprintf("no adapter for chain %s", leg.Chain)
		o.failLeg(ctx, s, leg)
		return
	}

	wireID := chain.WireGameID(s.Game)
	req := buildSubmitRequest(wireID, payouts)
	chainLabel := string(leg.Chain)

	// A leg resumed with a known transaction gets one confirmation pass
	// before anything is re-sent.
	if leg.Status == state.LegSubmitted && leg.TxRef != "" {
		switch o.awaitConfirm(ctx, adapter, leg.TxRef) {
		case confirmDone:
			o.confirmLeg(ctx, s, leg, payouts)
			return
		case confirmAborted:
			return
		case confirmLost:
			// Fall through to the presence check.
		}
	}

	// Nothing reaches the chain when simulation rejects, so those
	// retries are free; the window keeps a permanently rejecting
	// transaction from spinning forever.
	simWindow := time.Now().Add(o.confirmTimeout)
	simRejects := 0

	for leg.Attempts < o.retry.MaxAttempts {
		leg.Attempts++
		if o.metrics != nil {
			o.metrics.SubmissionAttempts.WithLabelValues(chainLabel, leg.Currency).Inc()
		}

		presence, perr := adapter.IsSettled(ctx, wireID)
		switch presence {
		case chain.PresenceUnknown:
			// Never submit blind: an unknown answer burns an attempt
			// and waits for the chain to come back.
			if perr != nil {
				leg.LastError = perr.Error()
			}
			if !o.backoff(ctx, leg.Attempts) {
				return
			}
			continue
		case chain.PresencePresent:
			if o.metrics != nil {
				o.metrics.AlreadySettledShort.WithLabelValues(chainLabel).Inc()
			}
			o.confirmLeg(ctx, s, leg, payouts)
			return
		}

		txRef, err := adapter.Submit(ctx, req)
		if err != nil {
			var already *chain.AlreadySettledError
			var sim *chain.SimulationFailedError
			switch {
			case errors.As(err, &already):
				o.confirmLeg(ctx, s, leg, payouts)
				return
			case errors.As(err, &sim):
				if o.metrics != nil {
					o.metrics.SimulationRejects.WithLabelValues(chainLabel).Inc()
				}
				leg.Attempts--
				simRejects++
				leg.LastError = err.Error()
				o.persistLeg(ctx, s, leg)
				if time.Now().After(simWindow) {
					o.failLeg(ctx, s, leg)
					return
				}
				// Could be a racing earlier broadcast; the next loop
				// iteration re-checks presence first.
				if !o.backoff(ctx, simRejects) {
					return
				}
				continue
			default:
				leg.LastError = err.Error()
				o.persistLeg(ctx, s, leg)
				if !o.backoff(ctx, leg.Attempts) {
					return
				}
				continue
			}
		}

		leg.TxRef = txRef
		leg.LastError = ""
		if leg.Status == state.LegBridged {
			if err := leg.TransitionTo(state.LegSubmitted); err != nil {
				o.logger.Error().Str("game_id", s.Game.String()).Err(err).Msg("leg transition failed")
			}
		}
		o.persistLeg(ctx, s, leg)
		o.project(projection.Update{
			Sequence: o.Sequence(),
			History: []projection.HistoryEntry{{
				GameID:     s.Game.String(),
				Sequence:   o.Sequence(),
				Kind:       projection.KindLegSubmitted,
				Currency:   leg.Currency,
				Detail:     txRef,
				OccurredAt: time.Now().UnixMicro(),
			}},
		})

		switch o.awaitConfirm(ctx, adapter, txRef) {
		case confirmDone:
			o.confirmLeg(ctx, s, leg, payouts)
			return
		case confirmAborted:
			return
		case confirmLost:
			leg.LastError = fmt.Sprintf("transaction %s failed or timed out", txRef)
			o.persistLeg(ctx, s, leg)
			if !o.backoff(ctx, leg.Attempts) {
				return
			}
			// Loop re-checks presence before resubmitting.
		}
	}

	o.failLeg(ctx, s, leg)
}

type confirmResult int

const (
	confirmDone confirmResult = iota
	confirmLost
	confirmAborted
)

// awaitConfirm polls the transaction's fate until it is confirmed,
// known-failed or the confirmation window closes.
func (o *Orchestrator) awaitConfirm(ctx context.Context, adapter chain.Adapter, txRef string) confirmResult {
	deadline := time.Now().Add(o.confirmTimeout)
	for {
		cstate, err := adapter.Confirm(ctx, txRef)
		switch cstate {
		case chain.ConfirmConfirmed:
			return confirmDone
		case chain.ConfirmFailed:
			return confirmLost
		}
		if err != nil && ctx.Err() != nil {
			return confirmAborted
		}
		if time.Now().After(deadline) {
			return confirmLost
		}
		if err := o.retry.Wait(ctx, o.confirmPoll); err != nil {
			return confirmAborted
		}
	}
}

// confirmLeg finishes a leg: durable confirmation plus the payment
// rows in one transaction, then the payout movement in the reserve
// ledger. Both writes are idempotent, so a crash between them heals on
// the next resume.
func (o *Orchestrator) confirmLeg(ctx context.Context, s *state.Settlement, leg *state.Leg, payouts []planner.Payout) {
	if leg.Status != state.LegConfirmed {
		if err := leg.TransitionTo(state.LegConfirmed); err != nil {
			o.logger.Error().Str("game_id", s.Game.String()).Err(err).Msg("leg transition failed")
			return
		}
	}
	leg.LastError = ""

	if err := o.store.MarkLegConfirmed(ctx, s.Game, leg, payouts); err != nil {
		o.logger.Error().
			Str("game_id", s.Game.String()).
			Str("currency", leg.Currency).
			Err(err).
			Msg("leg confirmation write failed")
	}

	var total int64
	for _, po := range payouts {
		total += po.BaseUnits
	}
	batch, err := o.bridge.RecordPayout(ctx, s.Game, leg.Currency, total)
	if err != nil {
		o.logger.Error().
			Str("game_id", s.Game.String()).
			Str("currency", leg.Currency).
			Err(err).
			Msg("payout movement failed")
	}

	if o.metrics != nil {
		o.metrics.LegOutcomes.WithLabelValues(string(leg.Chain), leg.Currency, "confirmed").Inc()
	}
	o.logger.Info().
		Str("game_id", s.Game.String()).
		Str("currency", leg.Currency).
		Str("tx_ref", leg.TxRef).
		Msg("leg confirmed")

	o.project(projection.Update{
		Sequence:  o.Sequence(),
		Movements: movementEntries(batch),
		History: []projection.HistoryEntry{{
			GameID:     s.Game.String(),
			Sequence:   o.Sequence(),
			Kind:       projection.KindLegConfirmed,
			Currency:   leg.Currency,
			Detail:     leg.TxRef,
			OccurredAt: time.Now().UnixMicro(),
		}},
	})
}

func (o *Orchestrator) failLeg(ctx context.Context, s *state.Settlement, leg *state.Leg) {
	if leg.Status != state.LegFailed {
		if err := leg.TransitionTo(state.LegFailed); err != nil {
			o.logger.Error().Str("game_id", s.Game.String()).Err(err).Msg("leg transition failed")
			return
		}
	}
	o.persistLeg(ctx, s, leg)

	if o.metrics != nil {
		o.metrics.LegOutcomes.WithLabelValues(string(leg.Chain), leg.Currency, "failed").Inc()
	}
	o.logger.Warn().
		Str("game_id", s.Game.String()).
		Str("currency", leg.Currency).
		Str("last_error", leg.LastError).
		Msg("leg failed")

	o.project(projection.Update{
		Sequence: o.Sequence(),
		History: []projection.HistoryEntry{{
			GameID:     s.Game.String(),
			Sequence:   o.Sequence(),
			Kind:       projection.KindLegFailed,
			Currency:   leg.Currency,
			Detail:     leg.LastError,
			OccurredAt: time.Now().UnixMicro(),
		}},
	})
}

func (o *Orchestrator) persistLeg(ctx context.Context, s *state.Settlement, leg *state.Leg) {
	if err := o.store.UpdateLeg(ctx, s.Game, leg); err != nil {
		o.logger.Error().
			Str("game_id", s.Game.String()).
			Str("currency", leg.Currency).
			Err(err).
			Msg("leg write failed")
	}
}

// backoff sleeps the policy delay for the attempt. Returns false when
// the context was cancelled, meaning the leg should stop where it is.
func (o *Orchestrator) backoff(ctx context.Context, attempt int) bool {
	return o.retry.Wait(ctx, o.retry.Delay(attempt)) == nil
}

func (o *Orchestrator) park(s *state.Settlement) {
	o.manager.Park(s.Game)
	o.publishGauges()
	o.project(projection.Update{
		Sequence: o.Sequence(),
		History: []projection.HistoryEntry{{
			GameID:     s.Game.String(),
			Sequence:   o.Sequence(),
			Kind:       projection.KindParked,
			OccurredAt: time.Now().UnixMicro(),
		}},
	})
}

func (o *Orchestrator) rekickParked(ctx context.Context, seq int64) {
	for _, game := range o.manager.TakeParked() {
		s := o.manager.Get(game)
		if s == nil {
			continue
		}
		payouts, err := o.store.LoadPayouts(ctx, game)
		if err != nil {
			o.logger.Error().Str("game_id", game.String()).Err(err).Msg("re-kick: payouts load failed")
			o.manager.Park(game)
			continue
		}
		o.logger.Info().Str("game_id", game.String()).Msg("re-kicking parked settlement")
		o.project(projection.Update{
			Sequence: seq,
			History: []projection.HistoryEntry{{
				GameID:     game.String(),
				Sequence:   seq,
				Kind:       projection.KindResumed,
				OccurredAt: time.Now().UnixMicro(),
			}},
		})
		o.relaunchSettlement(s, payouts)
	}
	o.publishGauges()
}

// --- envelope & fan-out plumbing ---

// appendEnvelope assigns the next sequence, extends the hash chain and
// hands the envelope to the persistence worker. The send blocks: the
// event log is the source of truth and is never dropped.
func (o *Orchestrator) appendEnvelope(evt event.Event, payload []byte) int64 {
	o.seqMu.Lock()
	defer o.seqMu.Unlock()

	o.sequence++
	seq := o.sequence

	prev := o.hasherRef().PrevHash()
	hash := o.hasherRef().ComputeHash(seq, payload)

	if o.persistChan != nil {
		o.persistChan <- persistence.EventRow{
			Sequence:       seq,
			EventType:      evt.EventType().String(),
			IdempotencyKey: evt.IdempotencyKey(),
			GameID:         evt.GameID(),
			Payload:        payload,
			StateHash:      hash[:],
			PrevHash:       prev[:],
			Timestamp:      eventTimestamp(evt),
			SourceSequence: evt.SourceSequence(),
		}
	}

	if o.metrics != nil {
		o.metrics.Sequence.Set(float64(seq))
	}
	return seq
}

func eventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.GameCompleted:
		return e.Timestamp
	case *event.ReserveDeposit:
		return e.Timestamp
	case *event.SettlementRetry:
		return e.Timestamp
	default:
		return time.Now()
	}
}

// project hands an update to the projection worker without blocking;
// projections are rebuildable, the settlement path is not allowed to
// wait on them.
func (o *Orchestrator) project(update projection.Update) {
	if o.projectionChan == nil {
		return
	}
	if len(update.Movements) == 0 && len(update.History) == 0 {
		return
	}
	select {
	case o.projectionChan <- update:
	default:
		if o.metrics != nil {
			o.metrics.ProjectionDrops.Inc()
		}
	}
}

func (o *Orchestrator) publishOutcome(s *state.Settlement) {
	if o.publishChan == nil {
		return
	}

	legs := make([]ingestion.OutcomeLeg, 0, len(s.Legs))
	for _, code := range s.LegCurrencies() {
		leg := s.Leg(code)
		legs = append(legs, ingestion.OutcomeLeg{
			Currency: leg.Currency,
			Chain:    string(leg.Chain),
			Status:   leg.Status.String(),
			TxRef:    leg.TxRef,
			Error:    leg.LastError,
		})
	}

	out := ingestion.PublishableOutcome{
		GameID:    s.Game.String(),
		Outcome:   s.Status.String(),
		Sequence:  o.Sequence(),
		Legs:      legs,
		Timestamp: time.Now(),
	}

	select {
	case o.publishChan <- out:
	default:
		if o.metrics != nil {
			o.metrics.PublishDrops.Inc()
		}
	}
}

func (o *Orchestrator) publishGauges() {
	if o.metrics == nil {
		return
	}
	o.metrics.ActiveSettlements.Set(float64(len(o.manager.Active())))
	o.metrics.ParkedGames.Set(float64(o.manager.ParkedCount()))
}

func (o *Orchestrator) reject(eventType, reason string) {
	if o.metrics != nil {
		o.metrics.EventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// imbalances computes the per-currency gap between what the game pool
// holds and what the unconfirmed legs still owe. Pool balances come
// from the replayed reserve ledger, so the computation is correct on a
// fresh game and on resume alike.
func (o *Orchestrator) imbalances(s *state.Settlement, payouts []planner.Payout) []planner.Imbalance {
	required := make(map[string]decimal.Decimal)
	for _, po := range payouts {
		leg := s.Leg(po.Currency)
		if leg != nil && leg.Status == state.LegConfirmed {
			continue
		}
		required[po.Currency] = required[po.Currency].Add(po.Amount)
	}

	var out []planner.Imbalance
	for _, code := range o.registry.Codes() {
		cur := o.registry.MustGet(code)
		held := money.FromBaseUnits(o.bridge.GamePoolBalance(s.Game, code), cur.Decimals)
		req := required[code]
		if held.IsZero() && req.IsZero() {
			continue
		}
		imb := planner.Imbalance{Currency: code, Deficit: decimal.Zero, Surplus: decimal.Zero}
		switch req.Cmp(held) {
		case 1:
			imb.Deficit = req.Sub(held)
		case -1:
			imb.Surplus = held.Sub(req)
		}
		out = append(out, imb)
	}
	return out
}

func payoutsFor(payouts []planner.Payout, currency string) []planner.Payout {
	var out []planner.Payout
	for _, po := range payouts {
		if po.Currency == currency {
			out = append(out, po)
		}
	}
	return out
}

func buildSubmitRequest(wireID [32]byte, payouts []planner.Payout) chain.SubmitRequest {
	req := chain.SubmitRequest{GameID: wireID}
	for _, po := range payouts {
		req.Winners = append(req.Winners, po.Winner)
		req.Amounts = append(req.Amounts, po.BaseUnits)
	}
	return req
}

func movementEntries(batch *reserve.Batch) []projection.MovementEntry {
	if batch == nil {
		return nil
	}
	out := make([]projection.MovementEntry, 0, len(batch.Movements))
	for _, m := range batch.Movements {
		out = append(out, projection.MovementEntry{
			DebitAccount:  m.DebitAccount.AccountPath(),
			CreditAccount: m.CreditAccount.AccountPath(),
			Currency:      m.Currency,
			Amount:        m.Amount,
		})
	}
	return out
}
