package execution

import (
	"testing"

	"github.com/shopspring/decimal"

	"executor/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testRules() types.InstrumentRules {
	return types.InstrumentRules{
		Symbol:      "BTCUSDT",
		TickSize:    dec("0.01"),
		StepSize:    dec("0.001"),
		MinQty:      dec("0.001"),
		MinNotional: dec("5"),
	}
}

// S1 from SPEC_FULL.md: position too small to ever satisfy min_notional
// within itself — the side must report "done", never submit.
func TestComposeQuantityS1SideDone(t *testing.T) {
	t.Parallel()

	rules := testRules()
	_, ok := ComposeQuantity(dec("0.010"), rules, dec("200"), dec("1"), dec("1"), dec("1"), dec("4"), dec("1000"))
	if ok {
		t.Error("expected side to be done (cannot meet min_notional within the position)")
	}
	if !IsDone(dec("0.010"), rules, dec("200")) {
		t.Error("IsDone should agree: min_notional unreachable within this position")
	}
}

func TestComposeQuantityEnlargesForMinNotional(t *testing.T) {
	t.Parallel()

	rules := testRules()
	qty, ok := ComposeQuantity(dec("1.0"), rules, dec("200"), dec("1"), dec("1"), dec("1"), dec("4"), dec("1000"))
	if !ok {
		t.Fatal("expected composition to succeed")
	}
	if qty.Mul(dec("200")).LessThan(rules.MinNotional) {
		t.Errorf("composed qty %s does not satisfy min_notional", qty)
	}
}

func TestComposeQuantityCapsAtMaxMult(t *testing.T) {
	t.Parallel()

	rules := testRules()
	// roi_mult * accel_mult would be 9 without the cap; max_mult=4 bounds it.
	// Price is high enough that min_notional is already met at the capped
	// target, isolating the max_mult cap from the min_notional enlargement.
	qty, ok := ComposeQuantity(dec("10"), rules, dec("2000"), dec("3"), dec("3"), dec("1"), dec("4"), dec("100000"))
	if !ok {
		t.Fatal("expected composition to succeed")
	}
	want := rules.MinQty.Mul(dec("4"))
	if !qty.Equal(want) {
		t.Errorf("qty = %s, want %s (capped at max_mult)", qty, want)
	}
}

func TestComposeQuantityEnforcesMaxOrderNotional(t *testing.T) {
	t.Parallel()

	rules := testRules()
	qty, ok := ComposeQuantity(dec("10"), rules, dec("200"), dec("1"), dec("1"), dec("1"), dec("4"), dec("1"))
	if !ok {
		t.Fatal("expected composition to still succeed at a smaller size")
	}
	if qty.Mul(dec("200")).GreaterThan(dec("1")) {
		t.Errorf("qty*price = %s exceeds max_order_notional", qty.Mul(dec("200")))
	}
}

func TestComposeQuantityNeverExceedsPosition(t *testing.T) {
	t.Parallel()

	rules := testRules()
	qty, ok := ComposeQuantity(dec("0.002"), rules, dec("200"), dec("4"), dec("4"), dec("1"), dec("4"), dec("1000"))
	if ok && qty.GreaterThan(dec("0.002")) {
		t.Errorf("qty %s exceeds position amt 0.002", qty)
	}
}
