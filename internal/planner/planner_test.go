package planner_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"PrizeSettle/internal/event"
	"PrizeSettle/internal/money"
	"PrizeSettle/internal/planner"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newPlanner() *planner.Planner {
	return planner.New(money.DefaultRegistry())
}

// ============================================================================
// Test: cross-currency settlement example
// ============================================================================

// A game collects 100 ABT and 100 SPL. The 90% winner is paid in ABT,
// the 10% winner in SPL, both computed over the combined 200 pool:
// 180 ABT and 20 SPL. ABT is short 80 and SPL is 80 over.
func TestPlan_CrossCurrencyPool(t *testing.T) {
	p := newPlanner()
	game := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	fees := []event.FeeContribution{
		{Currency: "ABT", Amount: d("100")},
		{Currency: "SPL", Amount: d("100")},
	}
	dist := []event.WinnerShare{
		{Winner: "0xAb5801a7D398351b8bE11C439e05C5b3259aec9B", Currency: "ABT", Percent: d("90")},
		{Winner: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", Currency: "SPL", Percent: d("10")},
	}

	plan, err := p.Plan(game, fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	if !plan.Combined.Equal(d("200")) {
		t.Errorf("combined: got %s, want 200", plan.Combined)
	}

	if len(plan.Payouts) != 2 {
		t.Fatalf("got %d payouts, want 2", len(plan.Payouts))
	}
	if !plan.Payouts[0].Amount.Equal(d("180")) || plan.Payouts[0].Currency != "ABT" {
		t.Errorf("ABT payout: got %s %s, want 180 ABT", plan.Payouts[0].Amount, plan.Payouts[0].Currency)
	}
	if plan.Payouts[0].BaseUnits != 180_000_000 {
		t.Errorf("ABT base units: got %d, want 180_000_000", plan.Payouts[0].BaseUnits)
	}
	if !plan.Payouts[1].Amount.Equal(d("20")) || plan.Payouts[1].Currency != "SPL" {
		t.Errorf("SPL payout: got %s %s, want 20 SPL", plan.Payouts[1].Amount, plan.Payouts[1].Currency)
	}
	if plan.Payouts[1].BaseUnits != 20_000_000_000 {
		t.Errorf("SPL base units: got %d, want 20_000_000_000", plan.Payouts[1].BaseUnits)
	}

	if len(plan.Imbalances) != 2 {
		t.Fatalf("got %d imbalances, want 2", len(plan.Imbalances))
	}
	abt, spl := plan.Imbalances[0], plan.Imbalances[1]
	if abt.Currency != "ABT" || !abt.Deficit.Equal(d("80")) || !abt.Surplus.IsZero() {
		t.Errorf("ABT imbalance: got deficit=%s surplus=%s, want deficit=80", abt.Deficit, abt.Surplus)
	}
	if spl.Currency != "SPL" || !spl.Surplus.Equal(d("80")) || !spl.Deficit.IsZero() {
		t.Errorf("SPL imbalance: got deficit=%s surplus=%s, want surplus=80", spl.Deficit, spl.Surplus)
	}
}

// ============================================================================
// Test: conservation and rounding
// ============================================================================

func TestPlan_PayoutsConserveCombinedTotal(t *testing.T) {
	p := newPlanner()

	fees := []event.FeeContribution{
		{Currency: "ABT", Amount: d("123.456789")},
		{Currency: "ABT", Amount: d("0.543211")},
	}
	dist := []event.WinnerShare{
		{Winner: "0xaaa", Currency: "ABT", Percent: d("17.5")},
		{Winner: "0xbbb", Currency: "ABT", Percent: d("41.25")},
		{Winner: "0xccc", Currency: "ABT", Percent: d("41.25")},
	}

	plan, err := p.Plan(uuid.New(), fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	paid := decimal.Zero
	for _, po := range plan.Payouts {
		paid = paid.Add(po.Amount)
	}
	if !paid.Equal(plan.Combined) {
		t.Errorf("payouts sum %s != combined %s", paid, plan.Combined)
	}
}

func TestPlan_ResidualGoesToLexFirstWinner(t *testing.T) {
	p := newPlanner()

	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}
	dist := []event.WinnerShare{
		{Winner: "0xCCC", Currency: "ABT", Percent: d("33.333333")},
		{Winner: "0xAAA", Currency: "ABT", Percent: d("33.333333")},
		{Winner: "0xBBB", Currency: "ABT", Percent: d("33.333333")},
	}

	plan, err := p.Plan(uuid.New(), fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	byWinner := make(map[string]decimal.Decimal)
	for _, po := range plan.Payouts {
		byWinner[po.Winner] = po.Amount
	}

	// Each exact share is 33.333333; the 0.000001 remainder lands on 0xAAA.
	if !byWinner["0xAAA"].Equal(d("33.333334")) {
		t.Errorf("0xAAA: got %s, want 33.333334", byWinner["0xAAA"])
	}
	if !byWinner["0xBBB"].Equal(d("33.333333")) {
		t.Errorf("0xBBB: got %s, want 33.333333", byWinner["0xBBB"])
	}
	if !byWinner["0xCCC"].Equal(d("33.333333")) {
		t.Errorf("0xCCC: got %s, want 33.333333", byWinner["0xCCC"])
	}
}

// 66.6666666667% of 100 rounds up by 0.000000333 in 6-decimal ABT, an
// amount ABT cannot give back. The 9-decimal SPL payout absorbs the
// correction, so the payouts still sum to the combined pool exactly.
func TestPlan_CrossPrecisionResidualConserved(t *testing.T) {
	p := newPlanner()

	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}
	dist := []event.WinnerShare{
		{Winner: "0xabt", Currency: "ABT", Percent: d("66.6666666667")},
		{Winner: "sol-w", Currency: "SPL", Percent: d("33.3333333333")},
	}

	plan, err := p.Plan(uuid.New(), fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	paid := decimal.Zero
	byCurrency := make(map[string]decimal.Decimal)
	for _, po := range plan.Payouts {
		paid = paid.Add(po.Amount)
		byCurrency[po.Currency] = po.Amount
	}
	if !paid.Equal(plan.Combined) {
		t.Errorf("payouts sum %s != combined %s", paid, plan.Combined)
	}
	if !byCurrency["ABT"].Equal(d("66.666667")) {
		t.Errorf("ABT payout: got %s, want 66.666667", byCurrency["ABT"])
	}
	if !byCurrency["SPL"].Equal(d("33.333333")) {
		t.Errorf("SPL payout: got %s, want 33.333333", byCurrency["SPL"])
	}
}

// A remainder only the finer currency can represent must skip the
// lexicographically earlier winner in the coarser currency.
func TestPlan_ResidualPrefersFinestPrecisionCurrency(t *testing.T) {
	p := newPlanner()

	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}
	dist := []event.WinnerShare{
		{Winner: "0xaaa", Currency: "ABT", Percent: d("33.3333333")},
		{Winner: "zzz-sol", Currency: "SPL", Percent: d("66.6666667")},
	}

	plan, err := p.Plan(uuid.New(), fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	byCurrency := make(map[string]decimal.Decimal)
	paid := decimal.Zero
	for _, po := range plan.Payouts {
		byCurrency[po.Currency] = po.Amount
		paid = paid.Add(po.Amount)
	}
	if !paid.Equal(d("100")) {
		t.Errorf("payouts sum %s != 100", paid)
	}
	if !byCurrency["ABT"].Equal(d("33.333333")) {
		t.Errorf("ABT payout: got %s, want 33.333333 untouched", byCurrency["ABT"])
	}
	if !byCurrency["SPL"].Equal(d("66.666667")) {
		t.Errorf("SPL payout: got %s, want 66.666667 with remainder", byCurrency["SPL"])
	}
}

// At the high tolerance boundary the rounded payouts overshoot the
// pool. The correction may not push a payout below zero; the rest
// carries to the next winner so the sum still matches the pool.
func TestPlan_OverpayCorrectionCarriesAcrossWinners(t *testing.T) {
	p := newPlanner()

	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("20000")}}
	dist := []event.WinnerShare{
		{Winner: "0xaaa", Currency: "ABT", Percent: d("0.0025")},
		{Winner: "0xbbb", Currency: "ABT", Percent: d("100.0075")},
	}

	plan, err := p.Plan(uuid.New(), fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	paid := decimal.Zero
	for _, po := range plan.Payouts {
		if po.Amount.IsNegative() {
			t.Errorf("negative payout %s for %s", po.Amount, po.Winner)
		}
		paid = paid.Add(po.Amount)
	}
	if !paid.Equal(plan.Combined) {
		t.Errorf("payouts sum %s != combined %s", paid, plan.Combined)
	}
	if len(plan.Payouts) != 1 || plan.Payouts[0].Winner != "0xbbb" {
		t.Fatalf("payouts: got %+v, want only 0xbbb", plan.Payouts)
	}
	if !plan.Payouts[0].Amount.Equal(d("20000")) {
		t.Errorf("0xbbb: got %s, want 20000", plan.Payouts[0].Amount)
	}
}

func TestPlan_SubQuantumFee_Invalid(t *testing.T) {
	p := newPlanner()
	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100.0000001")}}
	dist := []event.WinnerShare{{Winner: "0xaaa", Currency: "ABT", Percent: d("100")}}

	var invalid *planner.InvalidDistributionError
	if _, err := p.Plan(uuid.New(), fees, dist); !errors.As(err, &invalid) {
		t.Errorf("got %v, want InvalidDistributionError for 7-decimal ABT fee", err)
	}
}

func TestPlan_DuplicateShareEntriesAggregate(t *testing.T) {
	p := newPlanner()

	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("50")}}
	dist := []event.WinnerShare{
		{Winner: "0xaaa", Currency: "ABT", Percent: d("60")},
		{Winner: "0xaaa", Currency: "ABT", Percent: d("40")},
	}

	plan, err := p.Plan(uuid.New(), fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	if len(plan.Payouts) != 1 {
		t.Fatalf("got %d payouts, want 1 aggregated payout", len(plan.Payouts))
	}
	if !plan.Payouts[0].Amount.Equal(d("50")) {
		t.Errorf("got %s, want 50", plan.Payouts[0].Amount)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	p := newPlanner()
	game := uuid.New()

	fees := []event.FeeContribution{
		{Currency: "SPL", Amount: d("7.25")},
		{Currency: "ABT", Amount: d("13.75")},
	}
	dist := []event.WinnerShare{
		{Winner: "0xbbb", Currency: "SPL", Percent: d("45")},
		{Winner: "0xaaa", Currency: "ABT", Percent: d("55")},
	}

	first, err := p.Plan(game, fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := p.Plan(game, fees, dist)
		if err != nil {
			t.Fatalf("plan failed: %v", err)
		}
		if len(again.Payouts) != len(first.Payouts) {
			t.Fatalf("payout count changed between runs")
		}
		for j := range first.Payouts {
			if again.Payouts[j] != first.Payouts[j] {
				t.Errorf("payout %d differs: got %+v, want %+v", j, again.Payouts[j], first.Payouts[j])
			}
		}
	}
}

// ============================================================================
// Test: distribution validation
// ============================================================================

func TestPlan_SumTolerance(t *testing.T) {
	cases := []struct {
		name     string
		percents []string
		wantErr  bool
	}{
		{"exact_100", []string{"90", "10"}, false},
		{"low_boundary_9999", []string{"89.99", "10"}, false},
		{"high_boundary_10001", []string{"90.01", "10"}, false},
		{"below_tolerance_9998", []string{"89.98", "10"}, true},
		{"above_tolerance_10002", []string{"90.02", "10"}, true},
	}

	p := newPlanner()
	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dist := make([]event.WinnerShare, len(tc.percents))
			for i, pct := range tc.percents {
				dist[i] = event.WinnerShare{Winner: "0xaaa", Currency: "ABT", Percent: d(pct)}
				if i > 0 {
					dist[i].Winner = "0xbbb"
				}
			}

			_, err := p.Plan(uuid.New(), fees, dist)
			var invalid *planner.InvalidDistributionError
			if tc.wantErr {
				if !errors.As(err, &invalid) {
					t.Errorf("got %v, want InvalidDistributionError", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPlan_EmptyDistribution_Invalid(t *testing.T) {
	p := newPlanner()
	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}

	_, err := p.Plan(uuid.New(), fees, nil)
	var invalid *planner.InvalidDistributionError
	if !errors.As(err, &invalid) {
		t.Errorf("got %v, want InvalidDistributionError", err)
	}
}

func TestPlan_UnknownCurrency_Invalid(t *testing.T) {
	p := newPlanner()
	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}
	dist := []event.WinnerShare{{Winner: "0xaaa", Currency: "DOGE", Percent: d("100")}}

	var invalid *planner.InvalidDistributionError
	if _, err := p.Plan(uuid.New(), fees, dist); !errors.As(err, &invalid) {
		t.Errorf("got %v, want InvalidDistributionError", err)
	}

	badFees := []event.FeeContribution{{Currency: "DOGE", Amount: d("100")}}
	goodDist := []event.WinnerShare{{Winner: "0xaaa", Currency: "ABT", Percent: d("100")}}
	if _, err := p.Plan(uuid.New(), badFees, goodDist); !errors.As(err, &invalid) {
		t.Errorf("got %v, want InvalidDistributionError for unknown fee currency", err)
	}
}

func TestPlan_NegativePercent_Invalid(t *testing.T) {
	p := newPlanner()
	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}
	dist := []event.WinnerShare{
		{Winner: "0xaaa", Currency: "ABT", Percent: d("110")},
		{Winner: "0xbbb", Currency: "ABT", Percent: d("-10")},
	}

	var invalid *planner.InvalidDistributionError
	if _, err := p.Plan(uuid.New(), fees, dist); !errors.As(err, &invalid) {
		t.Errorf("got %v, want InvalidDistributionError", err)
	}
}

func TestPlan_EmptyWinnerAddress_Invalid(t *testing.T) {
	p := newPlanner()
	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}
	dist := []event.WinnerShare{{Winner: "", Currency: "ABT", Percent: d("100")}}

	var invalid *planner.InvalidDistributionError
	if _, err := p.Plan(uuid.New(), fees, dist); !errors.As(err, &invalid) {
		t.Errorf("got %v, want InvalidDistributionError", err)
	}
}

// ============================================================================
// Test: imbalance edges
// ============================================================================

func TestPlan_FeeCurrencyWithoutWinners_FullSurplus(t *testing.T) {
	p := newPlanner()
	fees := []event.FeeContribution{
		{Currency: "ABT", Amount: d("100")},
		{Currency: "SPL", Amount: d("40")},
	}
	dist := []event.WinnerShare{{Winner: "0xaaa", Currency: "ABT", Percent: d("100")}}

	plan, err := p.Plan(uuid.New(), fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	// All 140 go to the ABT winner: ABT deficit 40, SPL pure surplus 40.
	for _, imb := range plan.Imbalances {
		switch imb.Currency {
		case "ABT":
			if !imb.Deficit.Equal(d("40")) {
				t.Errorf("ABT deficit: got %s, want 40", imb.Deficit)
			}
		case "SPL":
			if !imb.Surplus.Equal(d("40")) {
				t.Errorf("SPL surplus: got %s, want 40", imb.Surplus)
			}
		}
	}
}

func TestPlan_PayoutCurrencyWithoutFees_FullDeficit(t *testing.T) {
	p := newPlanner()
	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}
	dist := []event.WinnerShare{{Winner: "9xQe", Currency: "SPL", Percent: d("100")}}

	plan, err := p.Plan(uuid.New(), fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	for _, imb := range plan.Imbalances {
		switch imb.Currency {
		case "ABT":
			if !imb.Surplus.Equal(d("100")) {
				t.Errorf("ABT surplus: got %s, want 100", imb.Surplus)
			}
		case "SPL":
			if !imb.Deficit.Equal(d("100")) {
				t.Errorf("SPL deficit: got %s, want 100", imb.Deficit)
			}
		}
	}
}

func TestPlan_ImbalanceExclusive(t *testing.T) {
	p := newPlanner()
	fees := []event.FeeContribution{
		{Currency: "ABT", Amount: d("61.5")},
		{Currency: "SPL", Amount: d("38.5")},
	}
	dist := []event.WinnerShare{
		{Winner: "0xaaa", Currency: "ABT", Percent: d("70")},
		{Winner: "9xQe", Currency: "SPL", Percent: d("30")},
	}

	plan, err := p.Plan(uuid.New(), fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	for _, imb := range plan.Imbalances {
		if !imb.Deficit.IsZero() && !imb.Surplus.IsZero() {
			t.Errorf("%s has both deficit %s and surplus %s", imb.Currency, imb.Deficit, imb.Surplus)
		}
		if imb.Deficit.IsNegative() || imb.Surplus.IsNegative() {
			t.Errorf("%s has negative imbalance", imb.Currency)
		}
	}
}

func TestPlan_ZeroPool_NoPayouts(t *testing.T) {
	p := newPlanner()
	dist := []event.WinnerShare{{Winner: "0xaaa", Currency: "ABT", Percent: d("100")}}

	plan, err := p.Plan(uuid.New(), nil, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	if len(plan.Payouts) != 0 {
		t.Errorf("got %d payouts, want 0 for empty pool", len(plan.Payouts))
	}
	if !plan.Combined.IsZero() {
		t.Errorf("combined: got %s, want 0", plan.Combined)
	}
}

func TestPlan_ZeroPercentShare_Dropped(t *testing.T) {
	p := newPlanner()
	fees := []event.FeeContribution{{Currency: "ABT", Amount: d("100")}}
	dist := []event.WinnerShare{
		{Winner: "0xaaa", Currency: "ABT", Percent: d("100")},
		{Winner: "0xbbb", Currency: "SPL", Percent: d("0")},
	}

	plan, err := p.Plan(uuid.New(), fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	if len(plan.Payouts) != 1 {
		t.Fatalf("got %d payouts, want 1", len(plan.Payouts))
	}
	if plan.Payouts[0].Winner != "0xaaa" {
		t.Errorf("got winner %s, want 0xaaa", plan.Payouts[0].Winner)
	}
	// SPL had neither fees nor payouts, so it never appears.
	for _, imb := range plan.Imbalances {
		if imb.Currency == "SPL" {
			t.Error("SPL should not appear in imbalances")
		}
	}
}

// ============================================================================
// Test: plan helpers
// ============================================================================

func TestPlan_PayoutsFor(t *testing.T) {
	p := newPlanner()
	fees := []event.FeeContribution{
		{Currency: "ABT", Amount: d("100")},
		{Currency: "SPL", Amount: d("100")},
	}
	dist := []event.WinnerShare{
		{Winner: "0xaaa", Currency: "ABT", Percent: d("50")},
		{Winner: "0xbbb", Currency: "ABT", Percent: d("25")},
		{Winner: "9xQe", Currency: "SPL", Percent: d("25")},
	}

	plan, err := p.Plan(uuid.New(), fees, dist)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}

	abtLegs := plan.PayoutsFor("ABT")
	if len(abtLegs) != 2 {
		t.Errorf("got %d ABT payouts, want 2", len(abtLegs))
	}
	currencies := plan.Currencies()
	if len(currencies) != 2 || currencies[0] != "ABT" || currencies[1] != "SPL" {
		t.Errorf("currencies: got %v, want [ABT SPL]", currencies)
	}
}
