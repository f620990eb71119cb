package execution

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"executor/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		BaseLotMult:                 dec("1"),
		MaxMult:                     dec("4"),
		MaxOrderNotional:            dec("1000"),
		OrderTTLMillis:              800,
		CancelTimeoutMillis:         500,
		RepostCooldownMillis:        300,
		MakerSafetyTicks:            1,
		PricingStyle:                StyleAtTouch,
		BaseMakerTimeoutsToEscalate: 2,
		AggrFillsToDeescalate:       1,
		AggrTimeoutsToDeescalate:    2,
		ClientIDPrefix:              "exec",
	}
}

func newTestEngine() *Engine {
	return New(testConfig(), "run-1", testLogger())
}

// S2 from SPEC_FULL.md: two maker timeouts escalate to aggressive; one
// aggressive fill de-escalates back to maker.
func TestS2EscalationAndDeescalation(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	now := time.Now()
	snap := testSnapshot()
	rules := testRules()
	pos := types.Position{PositionAmt: dec("10"), EntryPrice: dec("200")}
	sig := types.ExitSignal{ROIMult: dec("1"), AccelMult: dec("1")}

	// Repeated maker timeouts with zero fills: the fill-ratio feedback
	// pushes the effective escalation threshold up toward base*4, but it
	// must still escalate eventually (the threshold is bounded, not
	// unbounded).
	escalated := false
	for i := 0; i < 20 && !escalated; i++ {
		intent, ok := e.Evaluate("BTCUSDT", types.PositionLong, snap, pos, rules, sig)
		if !ok {
			t.Fatalf("cycle %d: expected a maker intent", i)
		}
		if intent.TimeInForce != types.TIFGTX {
			t.Fatalf("cycle %d: expected GTX (maker-only), got %s", i, intent.TimeInForce)
		}
		e.MarkSubmitted(now, intent, types.OrderResult{Success: true, OrderID: int64(i + 1)})

		later := now.Add(900 * time.Millisecond)
		actions := e.Tick(later)
		if len(actions) != 1 || actions[0].Kind != ActionCancel {
			t.Fatalf("cycle %d: expected a cancel action after TTL, got %v", i, actions)
		}
		e.OnOrderUpdate(later, types.OrderUpdate{
			Symbol: "BTCUSDT", Side: types.PositionLong, OrderID: int64(i + 1), Status: types.StatusCanceled,
		})
		now = later.Add(400 * time.Millisecond)
		e.Tick(now) // cooldown -> idle

		if e.Snapshot("BTCUSDT", types.PositionLong).Mode == types.ModeAggressiveLimit {
			escalated = true
		}
	}

	snapState := e.Snapshot("BTCUSDT", types.PositionLong)
	if snapState.Mode != types.ModeAggressiveLimit {
		t.Fatalf("expected escalation to AGGRESSIVE_LIMIT within 20 consecutive maker timeouts, mode=%s", snapState.Mode)
	}

	// Now in aggressive mode: one fill should de-escalate back to maker.
	intent, ok := e.Evaluate("BTCUSDT", types.PositionLong, snap, pos, rules, sig)
	if !ok {
		t.Fatal("expected an aggressive intent")
	}
	if intent.TimeInForce != types.TIFGTC {
		t.Fatalf("expected GTC (aggressive), got %s", intent.TimeInForce)
	}
	e.MarkSubmitted(now, intent, types.OrderResult{Success: true, OrderID: 99})
	e.OnOrderUpdate(now, types.OrderUpdate{
		Symbol: "BTCUSDT", Side: types.PositionLong, OrderID: 99, Status: types.StatusFilled, IsMaker: false,
	})

	final := e.Snapshot("BTCUSDT", types.PositionLong)
	if final.Mode != types.ModeMakerOnly {
		t.Errorf("expected de-escalation back to MAKER_ONLY after a fill, mode=%s", final.Mode)
	}
	if final.State != types.StateIdle {
		t.Errorf("expected IDLE after a fill, state=%s", final.State)
	}
}

// S6 from SPEC_FULL.md: a cancel ack is lost; the side must still recover
// to COOLDOWN (and then IDLE) rather than deadlock in CANCELING.
func TestS6LostCancelAckRecovers(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	now := time.Now()
	snap := testSnapshot()
	rules := testRules()
	pos := types.Position{PositionAmt: dec("10"), EntryPrice: dec("200")}
	sig := types.ExitSignal{ROIMult: dec("1"), AccelMult: dec("1")}

	intent, ok := e.Evaluate("BTCUSDT", types.PositionLong, snap, pos, rules, sig)
	if !ok {
		t.Fatal("expected an intent")
	}
	e.MarkSubmitted(now, intent, types.OrderResult{Success: true, OrderID: 1})

	ttlElapsed := now.Add(900 * time.Millisecond)
	actions := e.Tick(ttlElapsed)
	if len(actions) != 1 {
		t.Fatalf("expected a cancel action, got %v", actions)
	}

	s := e.Snapshot("BTCUSDT", types.PositionLong)
	if s.State != types.StateCanceling {
		t.Fatalf("expected CANCELING after TTL, got %s", s.State)
	}

	// No ack ever arrives; after cancel_timeout_ms grace, must reach COOLDOWN.
	graceElapsed := ttlElapsed.Add(600 * time.Millisecond)
	e.Tick(graceElapsed)
	s = e.Snapshot("BTCUSDT", types.PositionLong)
	if s.State != types.StateCooldown {
		t.Fatalf("expected COOLDOWN after the cancel grace period with no ack, got %s", s.State)
	}

	// A late ack must still be tolerated without panicking or corrupting state.
	e.OnOrderUpdate(graceElapsed, types.OrderUpdate{
		Symbol: "BTCUSDT", Side: types.PositionLong, OrderID: 1, Status: types.StatusCanceled,
	})

	cooldownElapsed := graceElapsed.Add(400 * time.Millisecond)
	e.Tick(cooldownElapsed)
	s = e.Snapshot("BTCUSDT", types.PositionLong)
	if s.State != types.StateIdle {
		t.Fatalf("expected recovery to IDLE after cooldown, got %s", s.State)
	}
}

func TestEvaluateRefusesWhenNotIdle(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	now := time.Now()
	snap := testSnapshot()
	rules := testRules()
	pos := types.Position{PositionAmt: dec("10"), EntryPrice: dec("200")}
	sig := types.ExitSignal{ROIMult: dec("1"), AccelMult: dec("1")}

	intent, ok := e.Evaluate("BTCUSDT", types.PositionLong, snap, pos, rules, sig)
	if !ok {
		t.Fatal("expected first evaluate to produce an intent")
	}
	e.MarkSubmitted(now, intent, types.OrderResult{Success: true, OrderID: 1})

	if _, ok := e.Evaluate("BTCUSDT", types.PositionLong, snap, pos, rules, sig); ok {
		t.Error("must not evaluate a second intent while one is WAITING (at most one in-flight order)")
	}
}

func TestForceAggressiveOverridesMode(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	e.ForceAggressive("BTCUSDT", types.PositionLong, true)

	snap := testSnapshot()
	rules := testRules()
	pos := types.Position{PositionAmt: dec("10"), EntryPrice: dec("200")}
	sig := types.ExitSignal{ROIMult: dec("1"), AccelMult: dec("1")}

	intent, ok := e.Evaluate("BTCUSDT", types.PositionLong, snap, pos, rules, sig)
	if !ok {
		t.Fatal("expected an intent")
	}
	if intent.TimeInForce != types.TIFGTC {
		t.Errorf("force-aggressive flag should push pricing to GTC, got %s", intent.TimeInForce)
	}
}

// SubmitRiskIntent is the risk supervisor's entry point into the execution
// engine: it must refuse a second in-flight order like Evaluate does, but
// succeed while IDLE and mark the built intent IsRisk so the rate limiter
// never denies it.
func TestSubmitRiskIntentHonorsSingleInFlightInvariant(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	snap := testSnapshot()
	rules := testRules()
	qty := dec("1")

	intent, ok := e.SubmitRiskIntent("BTCUSDT", types.PositionLong, qty, snap, rules, 500, 0)
	if !ok {
		t.Fatal("expected a risk intent while IDLE")
	}
	if !intent.IsRisk {
		t.Error("risk-originated intent must be marked IsRisk")
	}
	if !intent.ReduceOnly {
		t.Error("risk-originated intent must still be reduce-only")
	}
	e.MarkSubmitted(time.Now(), intent, types.OrderResult{Success: true, OrderID: 1})

	if _, ok := e.SubmitRiskIntent("BTCUSDT", types.PositionLong, qty, snap, rules, 500, 0); ok {
		t.Error("must refuse a second risk intent while one is already WAITING")
	}
}

// A panic tier's makerTimeoutsOverride of 1 must let a side escalate to
// AGGRESSIVE_LIMIT in fewer repeated timeouts than the configured
// BaseMakerTimeoutsToEscalate of 2 would need on its own (the fill-ratio
// feedback inflates both thresholds as submissions accrue with no fills, but
// the override keeps the overridden one strictly ahead) — and the override
// must be consumed (reset to zero) once escalation actually happens.
func TestSubmitRiskIntentOverrideAcceleratesEscalation(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	now := time.Now()
	snap := testSnapshot()
	rules := testRules()
	qty := dec("1")

	cycles := 0
	escalated := false
	for ; cycles < 10 && !escalated; cycles++ {
		intent, ok := e.SubmitRiskIntent("BTCUSDT", types.PositionLong, qty, snap, rules, 500, 1)
		if !ok {
			t.Fatalf("cycle %d: expected a risk intent while IDLE", cycles)
		}
		e.MarkSubmitted(now, intent, types.OrderResult{Success: true, OrderID: int64(cycles + 1)})

		ttlElapsed := now.Add(900 * time.Millisecond)
		actions := e.Tick(ttlElapsed)
		if len(actions) != 1 || actions[0].Kind != ActionCancel {
			t.Fatalf("cycle %d: expected a cancel action after TTL, got %v", cycles, actions)
		}
		e.OnOrderUpdate(ttlElapsed, types.OrderUpdate{
			Symbol: "BTCUSDT", Side: types.PositionLong, OrderID: int64(cycles + 1), Status: types.StatusCanceled,
		})
		now = ttlElapsed.Add(400 * time.Millisecond)
		e.Tick(now) // repost cooldown (300ms) elapsed: COOLDOWN -> IDLE

		if e.Snapshot("BTCUSDT", types.PositionLong).Mode == types.ModeAggressiveLimit {
			escalated = true
		}
	}

	if !escalated {
		t.Fatal("expected escalation to AGGRESSIVE_LIMIT within 10 overridden cycles")
	}
	// TestS2EscalationAndDeescalation shows the unoverridden base of 2 needs
	// 8 consecutive timeouts to escalate under the same fill-ratio dynamics;
	// the override must beat that.
	if cycles >= 8 {
		t.Errorf("override of 1 should escalate faster than the unoverridden base of 2, took %d cycles", cycles)
	}

	if got := e.Snapshot("BTCUSDT", types.PositionLong).PanicTimeoutsOverride; got != 0 {
		t.Errorf("expected the override to be consumed on escalation, got %d", got)
	}
}

func TestCompletionRuleStopsActing(t *testing.T) {
	t.Parallel()

	e := newTestEngine()
	snap := testSnapshot()
	rules := testRules()
	// Too small to ever meet min_notional (S1 scenario).
	pos := types.Position{PositionAmt: dec("0.010"), EntryPrice: dec("200")}
	sig := types.ExitSignal{ROIMult: dec("1"), AccelMult: dec("1")}

	if _, ok := e.Evaluate("BTCUSDT", types.PositionLong, snap, pos, rules, sig); ok {
		t.Fatal("expected no intent: position cannot satisfy min_notional")
	}
	s := e.Snapshot("BTCUSDT", types.PositionLong)
	if !s.Done {
		t.Error("expected side to be marked Done")
	}
}
