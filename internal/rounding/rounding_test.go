package rounding

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

func TestRoundDownUpToStepIdempotent(t *testing.T) {
	t.Parallel()

	v := dec("1.2347")
	step := dec("0.001")

	down := RoundDownToStep(v, step)
	if !RoundDownToStep(down, step).Equal(down) {
		t.Errorf("RoundDownToStep not idempotent: %s -> %s", down, RoundDownToStep(down, step))
	}

	up := RoundUpToStep(v, step)
	if !RoundUpToStep(up, step).Equal(up) {
		t.Errorf("RoundUpToStep not idempotent: %s -> %s", up, RoundUpToStep(up, step))
	}
}

func TestRoundDownToStep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		v, step, want string
	}{
		{"1.2347", "0.001", "1.234"},
		{"1.0", "0.001", "1"},
		{"0.0009", "0.001", "0"},
	}

	for _, tt := range tests {
		got := RoundDownToStep(dec(tt.v), dec(tt.step))
		if !got.Equal(dec(tt.want)) {
			t.Errorf("RoundDownToStep(%s,%s) = %s, want %s", tt.v, tt.step, got, tt.want)
		}
	}
}

func TestRoundPriceDirectionality(t *testing.T) {
	t.Parallel()

	rules := testRules()
	price := dec("100.005")

	buy := RoundPrice(price, rules, types.Buy)
	if !buy.Equal(dec("100.00")) {
		t.Errorf("buy rounds down: got %s", buy)
	}

	sell := RoundPrice(price, rules, types.Sell)
	if !sell.Equal(dec("100.01")) {
		t.Errorf("sell rounds up: got %s", sell)
	}
}

func TestEnsureMinNotionalAlreadyMet(t *testing.T) {
	t.Parallel()

	rules := testRules()
	qty, ok := EnsureMinNotional(dec("0.1"), dec("200"), dec("1"), rules)
	if !ok || !qty.Equal(dec("0.1")) {
		t.Errorf("expected unchanged qty when already met, got %s ok=%v", qty, ok)
	}
}

func TestEnsureMinNotionalEnlarges(t *testing.T) {
	t.Parallel()

	rules := testRules()
	// 0.001 * 200 = 0.2 < 5 min notional; needs 5/200=0.025 rounded up to step.
	qty, ok := EnsureMinNotional(dec("0.001"), dec("200"), dec("1"), rules)
	if !ok {
		t.Fatal("expected enlargement to succeed within cap")
	}
	if !qty.Equal(dec("0.025")) {
		t.Errorf("expected enlarged qty 0.025, got %s", qty)
	}
}

func TestEnsureMinNotionalExceedsCap(t *testing.T) {
	t.Parallel()

	rules := testRules()
	qty, ok := EnsureMinNotional(dec("0.001"), dec("200"), dec("0.01"), rules)
	if ok {
		t.Errorf("expected failure when enlargement exceeds cap, got qty=%s", qty)
	}
}

func TestClamp(t *testing.T) {
	t.Parallel()

	if got := Clamp(dec("5"), dec("1"), dec("4")); !got.Equal(dec("4")) {
		t.Errorf("Clamp high = %s, want 4", got)
	}
	if got := Clamp(dec("-1"), dec("1"), dec("4")); !got.Equal(dec("1")) {
		t.Errorf("Clamp low = %s, want 1", got)
	}
	if got := Clamp(dec("2"), dec("1"), dec("4")); !got.Equal(dec("2")) {
		t.Errorf("Clamp mid = %s, want 2", got)
	}
}
