package signal

import (
	"testing"
	"time"

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

func testConfig() Config {
	return Config{
		StaleDataMillis:     1000,
		MinSignalIntervalMs: 200,
		AccelWindowMillis:   60000,
		AccelTiers: []AccelTier{
			{Ret: dec("0.005"), Mult: dec("2")},
			{Ret: dec("0.01"), Mult: dec("3")},
		},
		ROITiers: []ROITier{
			{ROI: dec("0.5"), Mult: dec("2")},
		},
	}
}

func TestLongPrimaryFires(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	now := time.Now()
	e.OnQuote("BTCUSDT", dec("200.00"), dec("200.01"), now)
	e.OnTrade("BTCUSDT", dec("199.99"), now)
	e.OnTrade("BTCUSDT", dec("200.00"), now)

	sig, ok := e.Evaluate("BTCUSDT", types.PositionLong, types.Position{}, now)
	if !ok {
		t.Fatal("expected long_primary to fire")
	}
	if sig.Reason != types.ReasonLongPrimary {
		t.Errorf("reason = %s, want long_primary", sig.Reason)
	}
}

func TestThrottleBlocksRepeatSignal(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	now := time.Now()
	e.OnQuote("BTCUSDT", dec("200.00"), dec("200.01"), now)
	e.OnTrade("BTCUSDT", dec("199.99"), now)
	e.OnTrade("BTCUSDT", dec("200.00"), now)

	if _, ok := e.Evaluate("BTCUSDT", types.PositionLong, types.Position{}, now); !ok {
		t.Fatal("expected first signal to fire")
	}
	if _, ok := e.Evaluate("BTCUSDT", types.PositionLong, types.Position{}, now.Add(50*time.Millisecond)); ok {
		t.Error("second signal within min_signal_interval_ms should be throttled")
	}
	if _, ok := e.Evaluate("BTCUSDT", types.PositionLong, types.Position{}, now.Add(250*time.Millisecond)); !ok {
		t.Error("signal after the throttle window should fire again")
	}
}

func TestStaleSnapshotNeverEmits(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	base := time.Now()
	e.OnQuote("BTCUSDT", dec("200.00"), dec("200.01"), base)
	e.OnTrade("BTCUSDT", dec("199.99"), base)
	e.OnTrade("BTCUSDT", dec("200.00"), base)

	later := base.Add(2 * time.Second)
	if _, ok := e.Evaluate("BTCUSDT", types.PositionLong, types.Position{}, later); ok {
		t.Error("stale snapshot must never emit a signal")
	}
}

func TestMarkUpdateDoesNotRefreshStaleness(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	base := time.Now()
	e.OnQuote("BTCUSDT", dec("199.98"), dec("200.00"), base)
	e.OnTrade("BTCUSDT", dec("199.99"), base)
	e.OnTrade("BTCUSDT", dec("200.00"), base)

	later := base.Add(2 * time.Second)
	e.OnMark("BTCUSDT", dec("200.50"), later) // fresh mark, stale trade/quote

	if !e.IsStale("BTCUSDT", later) {
		t.Error("a fresh mark update must not mask stale trade/quote data")
	}
}

func TestCrossedQuoteRejected(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	now := time.Now()
	e.OnQuote("BTCUSDT", dec("200.00"), dec("199.98"), now) // crossed
	snap, ok := e.Snapshot("BTCUSDT")
	if !ok {
		t.Fatal("snapshot should exist")
	}
	if !snap.BestBid.IsZero() || !snap.BestAsk.IsZero() {
		t.Error("crossed quote must be rejected, not stored")
	}
}

func TestAccelMultTierSelection(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	now := time.Now()
	e.OnTrade("BTCUSDT", dec("100"), now)
	e.OnTrade("BTCUSDT", dec("101.2"), now.Add(time.Second)) // +1.2% ret

	mult := e.accelMultFor(types.PositionLong, dec("0.012"))
	if !mult.Equal(dec("3")) {
		t.Errorf("accelMultFor = %s, want 3 (highest qualifying tier)", mult)
	}
}

func TestROIMultDefaultsToOneWithoutLeverage(t *testing.T) {
	t.Parallel()

	e := New(testConfig())
	mult := e.roiMultFor(types.Position{})
	if !mult.Equal(dec("1")) {
		t.Errorf("roiMultFor with no leverage = %s, want 1", mult)
	}
}
