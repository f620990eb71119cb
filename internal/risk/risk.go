// Package risk implements the three-tier risk supervisor: a soft de-risk
// flag that forces aggressive pricing near liquidation, a panic sliced-close
// tier that bypasses the signal engine entirely, and a protective exchange-
// resident stop-loss maintained per (symbol, side).
//
// The Manager shape — mutex-guarded per-side maps — is grounded on the
// teacher's internal/risk/manager.go; the teacher's sweep ticker and
// drain-then-send alert channel have no counterpart here. The
// semantics are new: the teacher polices portfolio-wide exposure and price
// drops, this supervisor polices distance-to-liquidation per side.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"executor/internal/execution"
	"executor/internal/rounding"
	"executor/pkg/types"
)

// PanicTier is one rung of the panic_close.tiers ladder, ordered
// most-dangerous-first (smallest Distance) by the caller.
type PanicTier struct {
	Distance                decimal.Decimal // trigger when d <= Distance
	SliceRatio              decimal.Decimal // fraction of |position_amt| per slice
	TTLPercent              decimal.Decimal // fraction of order_ttl_ms
	MakerTimeoutsToEscalate int             // per-tier override, 0 = use execution engine default
}

// Config parameterizes the supervisor.
type Config struct {
	LiqDistanceThreshold decimal.Decimal // tier 1 trigger
	Hysteresis           decimal.Decimal // tier 1 release margin above threshold

	PanicTiers []PanicTier // tier 2 ladder, most-dangerous first

	ProtectiveStopDistToLiq      decimal.Decimal // D in stop_price formulas
	ProtectiveStopClientIDPrefix string          // stable, no run-id, so restarts recognize own stops
	ExternalConflictTolerance    decimal.Decimal // 1e-4: how far wrong an external stop can be before it's "invalid"

	OrderTTLMillis int64 // base TTL the panic tiers scale ttl_percent against
}

// ownStop tracks one exchange-resident protective stop this process placed.
type ownStop struct {
	ClientID  string
	OrderID   int64
	StopPrice decimal.Decimal
}

// Manager is the risk supervisor. It holds a reference to the execution
// engine so tier 1 can force AGGRESSIVE_LIMIT directly and tier 2 can submit
// risk-originated intents through the same state machine normal trading
// uses, honoring the at-most-one-in-flight invariant.
type Manager struct {
	cfg    Config
	exec   *execution.Engine
	logger *slog.Logger

	mu            sync.Mutex
	distances     map[types.SideKey]decimal.Decimal
	softDeRisk    map[types.SideKey]bool
	ownStops      map[types.SideKey]ownStop
	takeoverLatch map[types.SideKey]bool
}

// New creates a risk supervisor wired to exec.
func New(cfg Config, exec *execution.Engine, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		exec:          exec,
		logger:        logger.With("component", "risk"),
		distances:     make(map[types.SideKey]decimal.Decimal),
		softDeRisk:    make(map[types.SideKey]bool),
		ownStops:      make(map[types.SideKey]ownStop),
		takeoverLatch: make(map[types.SideKey]bool),
	}
}

// distanceToLiquidation computes d = |mark - liquidation| / mark. Returns
// false if the position has no liquidation price (unleveraged or flat).
func distanceToLiquidation(pos types.Position) (decimal.Decimal, bool) {
	if pos.MarkPrice.IsZero() || pos.LiquidationPrice.IsZero() {
		return decimal.Zero, false
	}
	d := pos.MarkPrice.Sub(pos.LiquidationPrice).Abs().Div(pos.MarkPrice)
	return d, true
}

// Distance returns the last computed distance-to-liquidation for a side, for
// the executor_distance_to_liquidation metric.
func (m *Manager) Distance(symbol string, side types.PositionSide) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.distances[types.SideKey{Symbol: symbol, Side: side}]
	return d, ok
}

// OnMark runs tier 1 on every mark-price update: compute distance, apply
// ForceAggressive with sticky hysteresis (engage at <= threshold, release
// only once d rises above threshold + hysteresis).
func (m *Manager) OnMark(symbol string, side types.PositionSide, pos types.Position) {
	d, ok := distanceToLiquidation(pos)
	if !ok {
		return
	}

	key := types.SideKey{Symbol: symbol, Side: side}
	m.mu.Lock()
	m.distances[key] = d
	engaged := m.softDeRisk[key]

	switch {
	case !engaged && d.LessThanOrEqual(m.cfg.LiqDistanceThreshold):
		engaged = true
	case engaged && d.GreaterThan(m.cfg.LiqDistanceThreshold.Add(m.cfg.Hysteresis)):
		engaged = false
	}
	m.softDeRisk[key] = engaged
	m.mu.Unlock()

	m.exec.ForceAggressive(symbol, side, engaged)
	if engaged {
		m.logger.Warn("soft de-risk engaged", "symbol", symbol, "side", side, "distance", d)
	}
}

// mostDangerousTier returns the satisfied tier with the smallest Distance,
// or false if d clears every tier.
func mostDangerousTier(tiers []PanicTier, d decimal.Decimal) (PanicTier, bool) {
	var chosen PanicTier
	found := false
	for _, t := range tiers {
		if d.GreaterThan(t.Distance) {
			continue
		}
		if !found || t.Distance.LessThan(chosen.Distance) {
			chosen = t
			found = true
		}
	}
	return chosen, found
}

// EvaluatePanic runs tier 2: if the side's last-known distance falls into a
// panic tier, build and submit a reduce-only slice that bypasses the signal
// engine, at a fraction of the normal TTL, tagged is_risk so the rate
// limiter never denies it. Returns false if no tier is breached, the
// position is already flat, or the side is not IDLE (an order of either
// kind is in flight, or the side is in its repost cooldown).
func (m *Manager) EvaluatePanic(symbol string, side types.PositionSide, pos types.Position, snap types.MarketSnapshot, rules types.InstrumentRules) (types.OrderIntent, bool) {
	if pos.IsZero() {
		return types.OrderIntent{}, false
	}

	key := types.SideKey{Symbol: symbol, Side: side}
	m.mu.Lock()
	d, ok := m.distances[key]
	m.mu.Unlock()
	if !ok {
		return types.OrderIntent{}, false
	}

	tier, hit := mostDangerousTier(m.cfg.PanicTiers, d)
	if !hit {
		return types.OrderIntent{}, false
	}

	rawQty := pos.PositionAmt.Mul(tier.SliceRatio)
	qty := rounding.RoundQtyDown(rawQty, rules)
	if qty.LessThan(rules.MinQty) {
		qty = rounding.RoundQtyDown(pos.PositionAmt, rules)
	}
	if qty.IsZero() {
		return types.OrderIntent{}, false
	}

	ttl := decimal.NewFromInt(m.cfg.OrderTTLMillis).Mul(tier.TTLPercent).IntPart()
	if ttl <= 0 {
		ttl = 1
	}

	intent, ok := m.exec.SubmitRiskIntent(symbol, side, qty, snap, rules, ttl, tier.MakerTimeoutsToEscalate)
	if ok {
		m.logger.Warn("panic sliced close", "symbol", symbol, "side", side, "distance", d, "qty", qty, "ttl_ms", ttl)
	}
	return intent, ok
}

// desiredStopPrice applies §4.4's LONG/SHORT stop-price formulas, rounded to
// the tick grid on the safe side of exactness.
func desiredStopPrice(side types.PositionSide, liq decimal.Decimal, distToLiq decimal.Decimal, rules types.InstrumentRules) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == types.PositionLong {
		raw := liq.Div(one.Sub(distToLiq))
		return rounding.RoundUpToStep(raw, rules.TickSize)
	}
	raw := liq.Div(one.Add(distToLiq))
	return rounding.RoundDownToStep(raw, rules.TickSize)
}

// isSafer reports whether candidate is strictly safer than current for side:
// higher for LONG (further above the liquidation price, so it triggers
// earlier as price falls), lower for SHORT (further below it).
func isSafer(side types.PositionSide, candidate, current decimal.Decimal) bool {
	if side == types.PositionLong {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

// ownClientID derives this side's stable (run-independent) protective-stop
// client id, so a restarted process recognizes its own stop instead of
// duplicating it.
func (m *Manager) ownClientID(symbol string, side types.PositionSide) string {
	return fmt.Sprintf("%s-%s-%s", m.cfg.ProtectiveStopClientIDPrefix, symbol, side)
}

// StopDecision tells the orchestrator what, if anything, to do about a
// side's protective stop this reconciliation pass.
type StopDecision struct {
	Action   StopAction
	Intent   types.OrderIntent
	CancelID int64
	ClientID string
}

type StopAction string

const (
	StopActionNone   StopAction = "none"
	StopActionPlace  StopAction = "place"
	StopActionCancel StopAction = "cancel"
)

// ReconcileProtectiveStop implements tier 3's maintenance protocol for one
// side: if the position is flat it cancels its own stop unconditionally,
// latch or not. Otherwise, if the latch is engaged (external takeover
// observed, not yet released by a REST-verified pass) it does nothing.
// Otherwise it computes the
// desired stop price and, if it doesn't have one resting yet or the desired
// price is strictly safer than the current one, returns a place decision
// (the caller is expected to cancel-then-place or replace as its REST
// binding requires).
func (m *Manager) ReconcileProtectiveStop(symbol string, side types.PositionSide, pos types.Position, rules types.InstrumentRules) StopDecision {
	key := types.SideKey{Symbol: symbol, Side: side}

	m.mu.Lock()
	latched := m.takeoverLatch[key]
	existing, hasOwn := m.ownStops[key]
	m.mu.Unlock()

	if pos.IsZero() {
		if hasOwn {
			m.mu.Lock()
			delete(m.ownStops, key)
			m.mu.Unlock()
			return StopDecision{Action: StopActionCancel, CancelID: existing.OrderID, ClientID: existing.ClientID}
		}
		return StopDecision{Action: StopActionNone}
	}

	if latched {
		return StopDecision{Action: StopActionNone}
	}

	if pos.LiquidationPrice.IsZero() {
		return StopDecision{Action: StopActionNone}
	}

	desired := desiredStopPrice(side, pos.LiquidationPrice, m.cfg.ProtectiveStopDistToLiq, rules)

	if hasOwn && !isSafer(side, desired, existing.StopPrice) {
		return StopDecision{Action: StopActionNone}
	}

	dir := types.Sell
	if side == types.PositionShort {
		dir = types.Buy
	}

	intent := types.OrderIntent{
		Symbol:        symbol,
		Direction:     dir,
		Side:          side,
		OrderType:     types.OrderTypeStopMarket,
		StopPrice:     desired,
		WorkingType:   types.WorkingTypeMark,
		ReduceOnly:    true,
		ClosePosition: true,
		ClientID:      m.ownClientID(symbol, side),
		IsRisk:        true,
	}

	return StopDecision{Action: StopActionPlace, Intent: intent}
}

// RecordOwnStop is called after a protective stop placement succeeds, so
// future reconciliation passes compare against the order actually resting.
func (m *Manager) RecordOwnStop(symbol string, side types.PositionSide, orderID int64, clientID string, stopPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ownStops[types.SideKey{Symbol: symbol, Side: side}] = ownStop{ClientID: clientID, OrderID: orderID, StopPrice: stopPrice}
}

// OnExternalAlgo is called when the orchestrator observes a live
// reduce-only-or-close-position conditional order on this side that is not
// our own (client id doesn't carry our stable prefix) and that
// IsExternalStopValid accepts; the caller cancels an invalid one instead of
// calling this. It engages the takeover latch and forgets this side's own
// stop, returning that stop's order id for the caller to cancel. The liq
// argument is not consulted.
func (m *Manager) OnExternalAlgo(symbol string, side types.PositionSide, liq decimal.Decimal) (cancelOwnID int64, shouldCancel bool) {
	key := types.SideKey{Symbol: symbol, Side: side}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, hasOwn := m.ownStops[key]
	m.takeoverLatch[key] = true
	delete(m.ownStops, key)

	if hasOwn {
		return existing.OrderID, true
	}
	return 0, false
}

// IsExternalStopValid reports whether an externally observed stop price is
// on the correct side of the liquidation price within tolerance. An invalid
// external stop should be cancelled by the orchestrator rather than
// defended against via the takeover latch.
func (m *Manager) IsExternalStopValid(side types.PositionSide, stopPrice, liq decimal.Decimal) bool {
	tol := m.cfg.ExternalConflictTolerance
	if side == types.PositionLong {
		return stopPrice.GreaterThanOrEqual(liq.Sub(liq.Mul(tol)))
	}
	return stopPrice.LessThanOrEqual(liq.Add(liq.Mul(tol)))
}

// ReleaseTakeoverLatch clears the latch for a side once a REST-verified pass
// over raw open orders and algo orders confirms no external reduce-only or
// close-position order remains. Terminal websocket events alone are not
// sufficient (multiple externals may coexist), so the caller must have done
// that REST pass before calling this.
func (m *Manager) ReleaseTakeoverLatch(symbol string, side types.PositionSide, externalStillPresent bool) {
	if externalStillPresent {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.takeoverLatch, types.SideKey{Symbol: symbol, Side: side})
}

// IsLatched reports whether a side's takeover latch is currently engaged.
func (m *Manager) IsLatched(symbol string, side types.PositionSide) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeoverLatch[types.SideKey{Symbol: symbol, Side: side}]
}

// SyncDebounce returns the debounce duration to schedule a protective-stop
// reconciliation pass for the given trigger, per §4.4's maintenance
// protocol (immediate on startup/recalibration, 0.2s on most events, 1s on
// position updates).
func SyncDebounce(trigger SyncTrigger) time.Duration {
	switch trigger {
	case TriggerRecalibration:
		return 0
	case TriggerPosition:
		return time.Second
	default:
		return 200 * time.Millisecond
	}
}

// SyncTrigger names what caused a protective-stop reconciliation to be
// scheduled, so the caller can look up its debounce via SyncDebounce.
type SyncTrigger string

const (
	TriggerRecalibration SyncTrigger = "recalibration"
	TriggerPosition      SyncTrigger = "position"
	TriggerOther         SyncTrigger = "other"
)
