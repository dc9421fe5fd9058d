package planner

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PrizeSettle/internal/event"
	"PrizeSettle/internal/money"
)

// Planner turns a completed game's entry fees and winner distribution
// into a settlement plan: exact per-winner payouts plus the per-currency
// imbalances the bridge must cover. Plan is a pure function of its
// inputs: no I/O, no clock, no randomness. Same inputs, same plan.
type Planner struct {
	registry *money.Registry
}

func New(registry *money.Registry) *Planner {
	return &Planner{registry: registry}
}

// percentTolerance is how far the distribution sum may drift from 100.
var (
	hundred          = decimal.NewFromInt(100)
	percentTolerance = decimal.RequireFromString("0.01")
)

// Payout is one winner's prize in one currency.
type Payout struct {
	Winner    string
	Currency  string
	Amount    decimal.Decimal
	BaseUnits int64
}

// Imbalance is the per-currency gap between what winners are owed and
// what the game collected. At most one of Deficit/Surplus is non-zero.
type Imbalance struct {
	Currency string
	Deficit  decimal.Decimal
	Surplus  decimal.Decimal
}

// Plan is the full settlement plan for one game.
type Plan struct {
	Game       uuid.UUID
	Payouts    []Payout    // sorted by (currency, winner)
	Imbalances []Imbalance // sorted by currency, one entry per involved currency
	Combined   decimal.Decimal
}

// InvalidDistributionError reports a distribution that cannot be settled.
type InvalidDistributionError struct {
	Reason string
	Sum    decimal.Decimal
}

func (e *InvalidDistributionError) Error() string {
	if e.Sum.IsZero() && e.Reason != "" {
		return fmt.Sprintf("invalid distribution: %s", e.Reason)
	}
	return fmt.Sprintf("invalid distribution: %s (sum=%s)", e.Reason, e.Sum)
}

// Plan computes the settlement plan for a completed game.
//
// The prize pool is the COMBINED total across all fee currencies. Each
// share receives round(percent/100 * combined) at its payout currency's
// precision. The rounding remainder (combined minus the sum of rounded
// payouts) is handed to winners finest payout currency first, so any
// remainder some payout currency can represent lands there in full and
// the pool is conserved; within a currency the lexicographically first
// winner address absorbs it.
//
// Per currency: required = sum of payouts, collected = entry fees,
// deficit = max(0, required-collected), surplus = max(0, collected-required).
func (p *Planner) Plan(game uuid.UUID, fees []event.FeeContribution, dist []event.WinnerShare) (*Plan, error) {
	if err := p.validate(fees, dist); err != nil {
		return nil, err
	}

	collected := make(map[string]decimal.Decimal)
	combined := decimal.Zero
	for _, fee := range fees {
		collected[fee.Currency] = collected[fee.Currency].Add(fee.Amount)
		combined = combined.Add(fee.Amount)
	}

	// Aggregate shares per (winner, currency) so a duplicated entry
	// becomes one payout, then round each at its currency's precision.
	type payoutKey struct {
		winner   string
		currency string
	}
	shares := make(map[payoutKey]decimal.Decimal)
	for _, ws := range dist {
		if ws.Percent.IsZero() {
			continue
		}
		key := payoutKey{winner: ws.Winner, currency: ws.Currency}
		shares[key] = shares[key].Add(ws.Percent)
	}

	payouts := make([]Payout, 0, len(shares))
	for key, pct := range shares {
		cur := p.registry.MustGet(key.currency)
		exact := combined.Mul(pct).Div(hundred)
		amount := money.RoundToCurrency(exact, cur.Decimals)
		payouts = append(payouts, Payout{
			Winner:   key.winner,
			Currency: key.currency,
			Amount:   amount,
		})
	}

	// Remainder distribution, finest payout currency first. A remainder
	// that some payout currency can represent is applied there exactly;
	// dust finer than every payout currency stays in the game pool and
	// sweeps to the reserve as surplus, never silently dropped. Within a
	// precision tier the lexicographically first winner absorbs it.
	if len(payouts) > 0 {
		paid := decimal.Zero
		for _, po := range payouts {
			paid = paid.Add(po.Amount)
		}
		residual := combined.Sub(paid)

		order := make([]int, len(payouts))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			pa, pb := payouts[order[a]], payouts[order[b]]
			da := p.registry.MustGet(pa.Currency).Decimals
			db := p.registry.MustGet(pb.Currency).Decimals
			if da != db {
				return da > db
			}
			if pa.Winner != pb.Winner {
				return pa.Winner < pb.Winner
			}
			return pa.Currency < pb.Currency
		})

		for _, idx := range order {
			if residual.IsZero() {
				break
			}
			cur := p.registry.MustGet(payouts[idx].Currency)
			var adj decimal.Decimal
			if residual.IsNegative() {
				// Round the correction away from zero: an overpay the
				// currency cannot represent flips to underpay dust,
				// which stays in the pool instead of leaking out.
				adj = residual.RoundFloor(cur.Decimals)
				if payouts[idx].Amount.Add(adj).IsNegative() {
					// A correction may not push a payout below zero;
					// the rest carries to the next winner.
					adj = payouts[idx].Amount.Neg()
				}
			} else {
				adj = residual.RoundDown(cur.Decimals)
			}
			if adj.IsZero() {
				continue
			}
			payouts[idx].Amount = payouts[idx].Amount.Add(adj)
			residual = residual.Sub(adj)
		}
	}

	// Drop zero payouts (zero-percent shares, empty pools) and convert
	// the rest to base units.
	kept := payouts[:0]
	for _, po := range payouts {
		if po.Amount.IsZero() {
			continue
		}
		cur := p.registry.MustGet(po.Currency)
		base, err := money.ToBaseUnits(po.Amount, cur.Decimals)
		if err != nil {
			return nil, fmt.Errorf("payout %s/%s: %w", po.Winner, po.Currency, err)
		}
		po.BaseUnits = base
		kept = append(kept, po)
	}
	payouts = kept

	sort.Slice(payouts, func(i, j int) bool {
		if payouts[i].Currency != payouts[j].Currency {
			return payouts[i].Currency < payouts[j].Currency
		}
		return payouts[i].Winner < payouts[j].Winner
	})

	// Per-currency imbalances over every currency that collected fees
	// or owes payouts.
	required := make(map[string]decimal.Decimal)
	for _, po := range payouts {
		required[po.Currency] = required[po.Currency].Add(po.Amount)
	}

	involved := make(map[string]bool)
	for code := range collected {
		involved[code] = true
	}
	for code := range required {
		involved[code] = true
	}

	codes := make([]string, 0, len(involved))
	for code := range involved {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	imbalances := make([]Imbalance, 0, len(codes))
	for _, code := range codes {
		req := required[code]
		col := collected[code]
		imb := Imbalance{Currency: code, Deficit: decimal.Zero, Surplus: decimal.Zero}
		switch req.Cmp(col) {
		case 1:
			imb.Deficit = req.Sub(col)
		case -1:
			imb.Surplus = col.Sub(req)
		}
		imbalances = append(imbalances, imb)
	}

	return &Plan{
		Game:       game,
		Payouts:    payouts,
		Imbalances: imbalances,
		Combined:   combined,
	}, nil
}

func (p *Planner) validate(fees []event.FeeContribution, dist []event.WinnerShare) error {
	for _, fee := range fees {
		cur, ok := p.registry.Get(fee.Currency)
		if !ok {
			return &InvalidDistributionError{Reason: fmt.Sprintf("unknown fee currency %q", fee.Currency)}
		}
		if fee.Amount.IsNegative() {
			return &InvalidDistributionError{Reason: fmt.Sprintf("negative entry fees for %s", fee.Currency)}
		}
		if !money.RoundToCurrency(fee.Amount, cur.Decimals).Equal(fee.Amount) {
			return &InvalidDistributionError{Reason: fmt.Sprintf("entry fee %s has sub-quantum precision for %s", fee.Amount, fee.Currency)}
		}
	}

	sum := decimal.Zero
	for _, ws := range dist {
		if ws.Winner == "" {
			return &InvalidDistributionError{Reason: "empty winner address"}
		}
		if _, ok := p.registry.Get(ws.Currency); !ok {
			return &InvalidDistributionError{Reason: fmt.Sprintf("unknown payout currency %q", ws.Currency)}
		}
		if ws.Percent.IsNegative() {
			return &InvalidDistributionError{Reason: fmt.Sprintf("negative percent for %s", ws.Winner)}
		}
		sum = sum.Add(ws.Percent)
	}

	if sum.Sub(hundred).Abs().Cmp(percentTolerance) > 0 {
		return &InvalidDistributionError{Reason: "percentages do not sum to 100", Sum: sum}
	}
	return nil
}

// RequiredByCurrency returns the per-currency payout totals of a plan.
func (pl *Plan) RequiredByCurrency() map[string]decimal.Decimal {
	required := make(map[string]decimal.Decimal)
	for _, po := range pl.Payouts {
		required[po.Currency] = required[po.Currency].Add(po.Amount)
	}
	return required
}

// PayoutsFor returns the plan's payouts in one currency, preserving the
// plan's (currency, winner) ordering.
func (pl *Plan) PayoutsFor(currency string) []Payout {
	var out []Payout
	for _, po := range pl.Payouts {
		if po.Currency == currency {
			out = append(out, po)
		}
	}
	return out
}

// Currencies returns the sorted currency codes with at least one payout.
func (pl *Plan) Currencies() []string {
	seen := make(map[string]bool)
	var codes []string
	for _, po := range pl.Payouts {
		if !seen[po.Currency] {
			seen[po.Currency] = true
			codes = append(codes, po.Currency)
		}
	}
	sort.Strings(codes)
	return codes
}
