package reserve

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	// AccountScopeReserve holds the bridge's standing liquidity, one
	// account per currency.
	AccountScopeReserve AccountScope = iota

	// AccountScopeGame holds one game's custodied entry fees, one
	// account per (game, currency).
	AccountScopeGame

	// AccountScopeExternal marks value crossing the system boundary:
	// fee intake, treasury top-ups, cross-currency conversion, and
	// on-chain payouts. External accounts may go negative; they absorb
	// the other side of every boundary movement so each currency stays
	// zero-sum.
	AccountScopeExternal
)

// ExternalName identifies which boundary an external account sits on.
type ExternalName string

const (
	ExternalIntake     ExternalName = "intake"
	ExternalTreasury   ExternalName = "treasury"
	ExternalConversion ExternalName = "conversion"
	ExternalPayouts    ExternalName = "payouts"
)

// AccountKey is the in-memory key for reserve balance tracking.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // game UUID for game pools, external name bytes otherwise
	Currency string
}

// NewReserveAccountKey returns the reserve account for a currency.
func NewReserveAccountKey(currency string) AccountKey {
	return AccountKey{
		Scope:    AccountScopeReserve,
		Currency: currency,
	}
}

// NewGameAccountKey returns the custody pool for one game and currency.
func NewGameAccountKey(game uuid.UUID, currency string) AccountKey {
	return AccountKey{
		Scope:    AccountScopeGame,
		EntityID: game,
		Currency: currency,
	}
}

// NewExternalAccountKey returns a boundary account.
func NewExternalAccountKey(name ExternalName, currency string) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeExternal,
		EntityID: entityID,
		Currency: currency,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeReserve:
		return fmt.Sprintf("reserve:%s", k.Currency)
	case AccountScopeGame:
		gid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("game:%s:%s", gid.String(), k.Currency)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", externalNameFromBytes(k.EntityID), k.Currency)
	}
	return "unknown"
}

// MayGoNegative reports whether the account is a boundary account that
// is allowed to carry a negative balance.
func (k AccountKey) MayGoNegative() bool {
	return k.Scope == AccountScopeExternal
}

func externalNameFromBytes(b [16]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// ParseAccountPath rebuilds an AccountKey from its path string. Used
// when replaying persisted movements into the in-memory ledger.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 2 && parts[0] == "reserve":
		return NewReserveAccountKey(parts[1]), nil

	case len(parts) == 3 && parts[0] == "game":
		gid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse account path %q: %w", path, err)
		}
		return NewGameAccountKey(gid, parts[2]), nil

	case len(parts) == 3 && parts[0] == "external":
		return NewExternalAccountKey(ExternalName(parts[1]), parts[2]), nil
	}

	return AccountKey{}, fmt.Errorf("parse account path %q: unexpected shape", path)
}
