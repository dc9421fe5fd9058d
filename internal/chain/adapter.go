// Package chain submits prize settlements to their destination ledgers.
//
// Two implementations share the Adapter interface: an EVM adapter
// driving the prize pool contract over JSON-RPC, and a Solana-style
// adapter driving the prize pool program. Both derive the settlement
// account deterministically from the wire game id and simulate before
// broadcasting. Presence checks distinguish "absent" from "could not
// check"; callers never submit on an unknown answer.
package chain

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"

	"PrizeSettle/internal/money"
)

// WireGameID derives the 32-byte on-chain game identifier from the
// internal game UUID. Both chain families receive the same identifier,
// so a game settles under one name everywhere.
func WireGameID(game uuid.UUID) [32]byte {
	return sha256.Sum256(game[:])
}

// Presence is the answer to "does the chain already hold a settlement
// for this game?".
type Presence int32

const (
	// PresenceUnknown means the chain could not be consulted. Submitting
	// on an unknown answer risks paying winners twice; callers re-check
	// until they get a definitive one.
	PresenceUnknown Presence = iota
	PresenceAbsent
	PresencePresent
)

func (p Presence) String() string {
	switch p {
	case PresenceUnknown:
		return "unknown"
	case PresenceAbsent:
		return "absent"
	case PresencePresent:
		return "present"
	default:
		return fmt.Sprintf("presence(%d)", int32(p))
	}
}

// ConfirmState is the fate of a submitted transaction as far as the
// chain will say.
type ConfirmState int32

const (
	ConfirmPending ConfirmState = iota
	ConfirmConfirmed
	ConfirmFailed
)

func (s ConfirmState) String() string {
	switch s {
	case ConfirmPending:
		return "pending"
	case ConfirmConfirmed:
		return "confirmed"
	case ConfirmFailed:
		return "failed"
	default:
		return fmt.Sprintf("confirm(%d)", int32(s))
	}
}

// SubmitRequest carries one settlement leg in wire form: chain-native
// winner addresses and integer base-unit amounts, index-aligned.
// Adapters encode exactly what they are given and never recompute or
// re-round an amount.
type SubmitRequest struct {
	GameID  [32]byte
	Winners []string
	Amounts []int64
}

// Adapter drives settlement submission for one chain family. Methods
// are single round-trips plus local signing; retries belong to the
// caller. Implementations are safe for concurrent use.
type Adapter interface {
	// Chain reports which ledger family this adapter drives.
	Chain() money.ChainKind

	// IsSettled checks whether the game's settlement is already recorded
	// on chain. PresenceUnknown always carries a non-nil error saying
	// why the chain could not answer.
	IsSettled(ctx context.Context, gameID [32]byte) (Presence, error)

	// Submit simulates, signs and broadcasts the settlement transaction
	// and returns a chain-native transaction reference. On a
	// *SimulationFailedError nothing was broadcast.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// Confirm reports the fate of a previously submitted transaction.
	// ConfirmPending with a non-nil error means the chain could not be
	// consulted, not that the transaction is known to be in flight.
	Confirm(ctx context.Context, txRef string) (ConfirmState, error)
}

// SubmissionError is a transient transport or node failure anywhere in
// the submit path. The transaction may or may not have reached the
// chain; callers re-check presence before retrying.
type SubmissionError struct {
	Chain money.ChainKind
	Op    string
	Err   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Chain, e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// SimulationFailedError means the pre-broadcast dry run was rejected.
// Nothing was sent, so retrying is always safe. A game that is already
// settled on chain also surfaces here; callers disambiguate by
// re-checking IsSettled.
type SimulationFailedError struct {
	Chain money.ChainKind
	Err   error
}

func (e *SimulationFailedError) Error() string {
	return fmt.Sprintf("%s simulation failed: %v", e.Chain, e.Err)
}

func (e *SimulationFailedError) Unwrap() error { return e.Err }

// AlreadySettledError means the chain already holds a settlement for
// this game. The outcome the submission wanted is in place, so callers
// treat it as success.
type AlreadySettledError struct {
	GameID [32]byte
	Chain  money.ChainKind
}

func (e *AlreadySettledError) Error() string {
	return fmt.Sprintf("game %x already settled on %s", e.GameID[:8], e.Chain)
}
