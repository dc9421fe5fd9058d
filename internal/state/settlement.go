package state

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"PrizeSettle/internal/money"
)

// Status tracks a settlement through the pipeline.
type Status int32

const (
	StatusPlanning Status = iota
	StatusBridging
	StatusSubmitting
	StatusSettled
	StatusPartialFailure
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPlanning:
		return "planning"
	case StatusBridging:
		return "bridging"
	case StatusSubmitting:
		return "submitting"
	case StatusSettled:
		return "settled"
	case StatusPartialFailure:
		return "partial_failure"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of String, used when loading rows.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "planning":
		return StatusPlanning, nil
	case "bridging":
		return StatusBridging, nil
	case "submitting":
		return StatusSubmitting, nil
	case "settled":
		return StatusSettled, nil
	case "partial_failure":
		return StatusPartialFailure, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return StatusPlanning, fmt.Errorf("unknown settlement status %q", s)
	}
}

// IsTerminal reports whether no further transitions are possible.
// PartialFailure is NOT terminal: a retry re-enters submission.
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

// CanTransitionTo validates status transitions. Cancellation is only
// reachable from Planning; once a plan is persisted the settlement runs
// to an outcome.
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusPlanning: {
			StatusBridging,
			StatusCancelled,
		},
		StatusBridging: {
			StatusSubmitting,
		},
		StatusSubmitting: {
			StatusSettled,
			StatusPartialFailure,
		},
		StatusPartialFailure: {
			StatusSubmitting, // operator retry of failed legs
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if next == a {
			return true
		}
	}
	return false
}

// LegStatus tracks one currency's payout within a settlement.
type LegStatus int32

const (
	LegNotStarted LegStatus = iota
	LegBridged
	LegSubmitted
	LegConfirmed
	LegFailed
)

func (ls LegStatus) String() string {
	switch ls {
	case LegNotStarted:
		return "not_started"
	case LegBridged:
		return "bridged"
	case LegSubmitted:
		return "submitted"
	case LegConfirmed:
		return "confirmed"
	case LegFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseLegStatus is the inverse of String, used when loading rows.
func ParseLegStatus(s string) (LegStatus, error) {
	switch s {
	case "not_started":
		return LegNotStarted, nil
	case "bridged":
		return LegBridged, nil
	case "submitted":
		return LegSubmitted, nil
	case "confirmed":
		return LegConfirmed, nil
	case "failed":
		return LegFailed, nil
	default:
		return LegNotStarted, fmt.Errorf("unknown leg status %q", s)
	}
}

// CanTransitionTo validates leg transitions. Bridged jumps straight to
// Confirmed when the chain already holds the settlement, skipping a
// redundant submission. A confirmed leg is immovable.
func (ls LegStatus) CanTransitionTo(next LegStatus) bool {
	validTransitions := map[LegStatus][]LegStatus{
		LegNotStarted: {
			LegBridged,
		},
		LegBridged: {
			LegSubmitted,
			LegConfirmed, // already settled on chain
			LegFailed,    // presence checks exhausted the retry budget
		},
		LegSubmitted: {
			LegConfirmed,
			LegFailed,
		},
		LegFailed: {
			LegSubmitted, // retry
		},
	}

	allowed, ok := validTransitions[ls]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if next == a {
			return true
		}
	}
	return false
}

// Leg is one currency's on-chain payout within a settlement.
type Leg struct {
	Currency  string
	Chain     money.ChainKind
	Status    LegStatus
	TxRef     string
	Attempts  int
	LastError string
}

// TransitionTo moves the leg through its lifecycle, rejecting moves the
// graph does not allow.
func (l *Leg) TransitionTo(next LegStatus) error {
	if !l.Status.CanTransitionTo(next) {
		return fmt.Errorf("leg %s: illegal transition %s -> %s", l.Currency, l.Status, next)
	}
	l.Status = next
	return nil
}

// Settlement is the in-memory record of one game moving through the
// pipeline. The map of settlements is guarded by the manager; each
// Settlement itself is owned by the single goroutine settling that game.
type Settlement struct {
	Game     uuid.UUID
	Status   Status
	PlanHash [32]byte
	Legs     map[string]*Leg // keyed by currency code
	Sequence int64           // source sequence of the triggering event
	Version  int64
}

// TransitionTo moves the settlement through its lifecycle, rejecting
// moves the graph does not allow.
func (s *Settlement) TransitionTo(next Status) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("settlement %s: illegal transition %s -> %s", s.Game, s.Status, next)
	}
	s.Status = next
	s.Version++
	return nil
}

// EnsureLeg returns the leg for a currency, creating it in NotStarted
// if the plan just introduced it.
func (s *Settlement) EnsureLeg(currency string, chain money.ChainKind) *Leg {
	if s.Legs == nil {
		s.Legs = make(map[string]*Leg)
	}
	leg := s.Legs[currency]
	if leg == nil {
		leg = &Leg{Currency: currency, Chain: chain, Status: LegNotStarted}
		s.Legs[currency] = leg
		s.Version++
	}
	return leg
}

// Leg returns the leg for a currency or nil.
func (s *Settlement) Leg(currency string) *Leg {
	return s.Legs[currency]
}

// LegCurrencies returns the leg currency codes in sorted order.
func (s *Settlement) LegCurrencies() []string {
	codes := make([]string, 0, len(s.Legs))
	for c := range s.Legs {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// FailedCurrencies returns the currencies of failed legs, sorted.
func (s *Settlement) FailedCurrencies() []string {
	var codes []string
	for c, leg := range s.Legs {
		if leg.Status == LegFailed {
			codes = append(codes, c)
		}
	}
	sort.Strings(codes)
	return codes
}

// Outcome reports the status implied by terminal legs: Settled when
// every leg confirmed, PartialFailure otherwise. Only meaningful once
// no leg remains in flight.
func (s *Settlement) Outcome() Status {
	for _, leg := range s.Legs {
		if leg.Status != LegConfirmed {
			return StatusPartialFailure
		}
	}
	return StatusSettled
}

// CanonicalBytes returns a deterministic serialization for hashing.
// Legs are emitted in currency order so map iteration cannot leak in.
func (s *Settlement) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	buf = append(buf, s.Game[:]...)
	buf = append(buf, byte(s.Status))
	buf = append(buf, s.PlanHash[:]...)
	buf = appendInt64LE(buf, s.Sequence)

	codes := s.LegCurrencies()
	buf = append(buf, byte(len(codes)))
	for _, c := range codes {
		leg := s.Legs[c]
		buf = append(buf, byte(len(c)))
		buf = append(buf, c...)
		buf = append(buf, byte(len(leg.Chain)))
		buf = append(buf, []byte(leg.Chain)...)
		buf = append(buf, byte(leg.Status))
		buf = append(buf, byte(len(leg.TxRef)))
		buf = append(buf, leg.TxRef...)
		buf = appendInt64LE(buf, int64(leg.Attempts))
	}

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
