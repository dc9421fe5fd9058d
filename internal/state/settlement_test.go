package state_test

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"PrizeSettle/internal/money"
	"PrizeSettle/internal/state"
)

func testGame() uuid.UUID {
	return uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
}

// ============================================================================
// Test: settlement status graph
// ============================================================================

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from state.Status
		to   state.Status
		ok   bool
	}{
		{state.StatusPlanning, state.StatusBridging, true},
		{state.StatusPlanning, state.StatusCancelled, true},
		{state.StatusPlanning, state.StatusSubmitting, false},
		{state.StatusPlanning, state.StatusSettled, false},
		{state.StatusBridging, state.StatusSubmitting, true},
		{state.StatusBridging, state.StatusCancelled, false},
		{state.StatusBridging, state.StatusPlanning, false},
		{state.StatusSubmitting, state.StatusSettled, true},
		{state.StatusSubmitting, state.StatusPartialFailure, true},
		{state.StatusSubmitting, state.StatusCancelled, false},
		{state.StatusPartialFailure, state.StatusSubmitting, true},
		{state.StatusPartialFailure, state.StatusSettled, false},
		{state.StatusSettled, state.StatusSubmitting, false},
		{state.StatusCancelled, state.StatusBridging, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		s    state.Status
		want bool
	}{
		{state.StatusPlanning, false},
		{state.StatusBridging, false},
		{state.StatusSubmitting, false},
		{state.StatusPartialFailure, false}, // retryable
		{state.StatusSettled, true},
		{state.StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.s.IsTerminal(); got != tt.want {
			t.Errorf("%s terminal: got %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestParseStatus_RoundTrip(t *testing.T) {
	all := []state.Status{
		state.StatusPlanning, state.StatusBridging, state.StatusSubmitting,
		state.StatusSettled, state.StatusPartialFailure, state.StatusCancelled,
	}
	for _, s := range all {
		got, err := state.ParseStatus(s.String())
		if err != nil {
			t.Errorf("parse %q: %v", s.String(), err)
			continue
		}
		if got != s {
			t.Errorf("round trip %s: got %s", s, got)
		}
	}

	if _, err := state.ParseStatus("exploded"); err == nil {
		t.Error("parse of unknown status succeeded")
	}
}

// ============================================================================
// Test: leg status graph
// ============================================================================

func TestLegTransitions(t *testing.T) {
	tests := []struct {
		from state.LegStatus
		to   state.LegStatus
		ok   bool
	}{
		{state.LegNotStarted, state.LegBridged, true},
		{state.LegNotStarted, state.LegSubmitted, false},
		{state.LegBridged, state.LegSubmitted, true},
		{state.LegBridged, state.LegConfirmed, true}, // found already settled
		{state.LegBridged, state.LegFailed, true},
		{state.LegSubmitted, state.LegConfirmed, true},
		{state.LegSubmitted, state.LegFailed, true},
		{state.LegFailed, state.LegSubmitted, true},
		{state.LegFailed, state.LegConfirmed, false},
		{state.LegConfirmed, state.LegFailed, false},
		{state.LegConfirmed, state.LegSubmitted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestParseLegStatus_RoundTrip(t *testing.T) {
	all := []state.LegStatus{
		state.LegNotStarted, state.LegBridged, state.LegSubmitted,
		state.LegConfirmed, state.LegFailed,
	}
	for _, ls := range all {
		got, err := state.ParseLegStatus(ls.String())
		if err != nil {
			t.Errorf("parse %q: %v", ls.String(), err)
			continue
		}
		if got != ls {
			t.Errorf("round trip %s: got %s", ls, got)
		}
	}
}

// ============================================================================
// Test: settlement entity
// ============================================================================

func TestSettlementTransitionTo(t *testing.T) {
	s := &state.Settlement{Game: testGame(), Status: state.StatusPlanning}

	if err := s.TransitionTo(state.StatusBridging); err != nil {
		t.Fatalf("planning -> bridging: %v", err)
	}
	if s.Status != state.StatusBridging {
		t.Errorf("status: got %s, want bridging", s.Status)
	}
	if s.Version != 1 {
		t.Errorf("version: got %d, want 1", s.Version)
	}

	if err := s.TransitionTo(state.StatusSettled); err == nil {
		t.Error("bridging -> settled allowed")
	}
	if s.Status != state.StatusBridging || s.Version != 1 {
		t.Error("failed transition mutated the settlement")
	}
}

func TestSettlementLegs(t *testing.T) {
	s := &state.Settlement{Game: testGame(), Status: state.StatusPlanning}

	abt := s.EnsureLeg("ABT", money.ChainEVM)
	if abt.Status != state.LegNotStarted {
		t.Errorf("new leg status: got %s, want not_started", abt.Status)
	}
	if again := s.EnsureLeg("ABT", money.ChainEVM); again != abt {
		t.Error("EnsureLeg created a duplicate leg")
	}
	s.EnsureLeg("SPL", money.ChainSolana)

	if got := s.LegCurrencies(); len(got) != 2 || got[0] != "ABT" || got[1] != "SPL" {
		t.Errorf("leg currencies: got %v", got)
	}
	if s.Leg("ABT") == nil || s.Leg("XRP") != nil {
		t.Error("Leg lookup wrong")
	}
}

func TestSettlementOutcome(t *testing.T) {
	s := &state.Settlement{Game: testGame()}
	abt := s.EnsureLeg("ABT", money.ChainEVM)
	spl := s.EnsureLeg("SPL", money.ChainSolana)

	abt.Status = state.LegConfirmed
	spl.Status = state.LegFailed
	if got := s.Outcome(); got != state.StatusPartialFailure {
		t.Errorf("outcome with failed leg: got %s, want partial_failure", got)
	}
	if got := s.FailedCurrencies(); len(got) != 1 || got[0] != "SPL" {
		t.Errorf("failed currencies: got %v", got)
	}

	spl.Status = state.LegConfirmed
	if got := s.Outcome(); got != state.StatusSettled {
		t.Errorf("outcome all confirmed: got %s, want settled", got)
	}
}

func TestSettlementCanonicalBytes_Deterministic(t *testing.T) {
	build := func(order []string) *state.Settlement {
		s := &state.Settlement{Game: testGame(), Status: state.StatusSubmitting, Sequence: 42}
		for _, c := range order {
			kind := money.ChainEVM
			if c == "SPL" {
				kind = money.ChainSolana
			}
			leg := s.EnsureLeg(c, kind)
			leg.Status = state.LegSubmitted
			leg.TxRef = "ref-" + c
			leg.Attempts = 2
		}
		s.Version = 0
		return s
	}

	a := build([]string{"ABT", "SPL"})
	b := build([]string{"SPL", "ABT"})

	if !bytes.Equal(a.CanonicalBytes(), b.CanonicalBytes()) {
		t.Error("canonical bytes depend on leg insertion order")
	}

	b.Legs["SPL"].Attempts = 3
	if bytes.Equal(a.CanonicalBytes(), b.CanonicalBytes()) {
		t.Error("canonical bytes ignore leg attempts")
	}
}

// ============================================================================
// Test: settlement manager
// ============================================================================

func TestSettlementManager_GetOrCreate(t *testing.T) {
	m := state.NewSettlementManager()
	game := testGame()

	if m.Get(game) != nil {
		t.Fatal("empty manager returned a settlement")
	}

	s := m.GetOrCreate(game, 7)
	if s.Status != state.StatusPlanning || s.Sequence != 7 {
		t.Errorf("new settlement: status=%s seq=%d", s.Status, s.Sequence)
	}
	if again := m.GetOrCreate(game, 99); again != s {
		t.Error("GetOrCreate created a duplicate")
	}
	if m.Len() != 1 {
		t.Errorf("len: got %d, want 1", m.Len())
	}
}

func TestSettlementManager_Parking(t *testing.T) {
	m := state.NewSettlementManager()
	a := uuid.MustParse("550e8400-e29b-41d4-a716-446655440001")
	b := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	m.GetOrCreate(a, 1)
	m.GetOrCreate(b, 2)
	m.Park(a)
	m.Park(b)
	m.Park(a) // idempotent

	if got := m.ParkedCount(); got != 2 {
		t.Fatalf("parked count: got %d, want 2", got)
	}

	games := m.TakeParked()
	if len(games) != 2 {
		t.Fatalf("take parked: got %d games, want 2", len(games))
	}
	// sorted by id string; b sorts before a
	if games[0] != b || games[1] != a {
		t.Errorf("parked order: got %v", games)
	}

	if m.TakeParked() != nil {
		t.Error("second TakeParked returned games")
	}
	if m.ParkedCount() != 0 {
		t.Error("parked set not drained")
	}
}

func TestSettlementManager_RestoreAndRemove(t *testing.T) {
	m := state.NewSettlementManager()
	game := testGame()

	restored := &state.Settlement{Game: game, Status: state.StatusSubmitting, Sequence: 3}
	m.Restore(restored)
	if got := m.Get(game); got != restored {
		t.Fatal("restore did not install the settlement")
	}

	active := m.Active()
	if len(active) != 1 || active[0] != restored {
		t.Errorf("active: got %v", active)
	}

	restored.Status = state.StatusSettled
	if got := m.Active(); len(got) != 0 {
		t.Errorf("terminal settlement still active: %v", got)
	}

	m.Remove(game)
	if m.Get(game) != nil || m.Len() != 0 {
		t.Error("remove left the settlement behind")
	}
}
