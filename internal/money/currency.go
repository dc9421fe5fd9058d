package money

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ChainKind identifies which ledger family a currency settles on.
type ChainKind string

const (
	ChainEVM    ChainKind = "evm"
	ChainSolana ChainKind = "solana"
)

// Currency describes a prize currency: its code, the chain it settles on,
// and the number of decimal places carried by its smallest on-chain unit.
type Currency struct {
	Code     string
	Chain    ChainKind
	Decimals int32
}

// Registry maps currency codes to their chain and precision.
// Lookups are read-only after construction, safe for concurrent use.
type Registry struct {
	currencies map[string]Currency
}

func NewRegistry(currencies ...Currency) *Registry {
	m := make(map[string]Currency, len(currencies))
	for _, c := range currencies {
		m[c.Code] = c
	}
	return &Registry{currencies: m}
}

// DefaultRegistry returns the standard two-chain deployment:
// ABT on the EVM chain (6 decimals), SPL on the Solana-like chain (9 decimals).
func DefaultRegistry() *Registry {
	return NewRegistry(
		Currency{Code: "ABT", Chain: ChainEVM, Decimals: 6},
		Currency{Code: "SPL", Chain: ChainSolana, Decimals: 9},
	)
}

func (r *Registry) Get(code string) (Currency, bool) {
	c, ok := r.currencies[code]
	return c, ok
}

// MustGet panics on unknown codes. Only for callers that have already
// validated the code against the registry.
func (r *Registry) MustGet(code string) Currency {
	c, ok := r.currencies[code]
	if !ok {
		panic(fmt.Sprintf("FATAL: unknown currency %q", code))
	}
	return c
}

// Codes returns all registered currency codes in lexicographic order.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.currencies))
	for code := range r.currencies {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (r *Registry) Len() int {
	return len(r.currencies)
}

// ParseRegistry builds a registry from a config string of the form
// "ABT:evm:6,SPL:solana:9". Used to load PRIZE_CURRENCIES at startup.
func ParseRegistry(spec string) (*Registry, error) {
	parts := strings.Split(spec, ",")
	currencies := make([]Currency, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("currency entry %q: want code:chain:decimals", part)
		}

		code := strings.TrimSpace(fields[0])
		if code == "" {
			return nil, fmt.Errorf("currency entry %q: empty code", part)
		}

		var chain ChainKind
		switch strings.ToLower(strings.TrimSpace(fields[1])) {
		case "evm":
			chain = ChainEVM
		case "solana":
			chain = ChainSolana
		default:
			return nil, fmt.Errorf("currency entry %q: unknown chain %q", part, fields[1])
		}

		decimals, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("currency entry %q: parse decimals: %w", part, err)
		}
		if decimals < 0 || decimals > 18 {
			return nil, fmt.Errorf("currency entry %q: decimals %d out of range [0,18]", part, decimals)
		}

		currencies = append(currencies, Currency{Code: code, Chain: chain, Decimals: int32(decimals)})
	}

	if len(currencies) == 0 {
		return nil, fmt.Errorf("no currencies in %q", spec)
	}
	return NewRegistry(currencies...), nil
}
