package rates

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Source quotes conversion rates between reserve currencies. Rate
// returns how many units of `to` one unit of `from` is worth. The
// bridge treats rates as authoritative for the duration of one bridge
// call; it never caches them across games.
type Source interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

var one = decimal.NewFromInt(1)

// FixedTable is a static rate table. Pairs not present (in either
// direction) quote 1:1, which is the correct default when all prize
// currencies are pegged to the same face value.
type FixedTable struct {
	pairs map[string]decimal.Decimal
}

func NewFixedTable(pairs map[string]decimal.Decimal) *FixedTable {
	m := make(map[string]decimal.Decimal, len(pairs))
	for k, v := range pairs {
		m[k] = v
	}
	return &FixedTable{pairs: m}
}

// ParseFixedTable builds a table from a config string like
// "ABT/SPL=1.25,SPL/ABT=0.8". An empty string yields the all-1:1 table.
func ParseFixedTable(spec string) (*FixedTable, error) {
	pairs := make(map[string]decimal.Decimal)

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		eq := strings.SplitN(part, "=", 2)
		if len(eq) != 2 {
			return nil, fmt.Errorf("rate entry %q: want FROM/TO=rate", part)
		}
		pair := strings.TrimSpace(eq[0])
		if !strings.Contains(pair, "/") {
			return nil, fmt.Errorf("rate entry %q: want FROM/TO=rate", part)
		}

		rate, err := decimal.NewFromString(strings.TrimSpace(eq[1]))
		if err != nil {
			return nil, fmt.Errorf("rate entry %q: parse rate: %w", part, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate entry %q: rate must be positive", part)
		}

		pairs[pair] = rate
	}

	return NewFixedTable(pairs), nil
}

func (t *FixedTable) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return one, nil
	}
	if rate, ok := t.pairs[from+"/"+to]; ok {
		return rate, nil
	}
	if inverse, ok := t.pairs[to+"/"+from]; ok {
		return one.Div(inverse), nil
	}
	return one, nil
}
