// Package execution implements the per-(symbol,side) order-lifecycle state
// machine: IDLE -> PLACING -> WAITING -> CANCELING -> COOLDOWN, pricing-mode
// rotation with fill-ratio feedback, and the quantity-composition and
// no-dust completion rules.
//
// The per-tick shape (staleness check, then compute, then reconcile against
// active orders) is grounded on the teacher's Maker.quoteUpdate /
// reconcileOrders loop; the state machine table itself has no teacher
// analog (the teacher re-quotes continuously rather than driving a single
// order through a terminal lifecycle) and is built fresh from the
// specification in the teacher's struct-plus-switch idiom.
package execution

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"executor/pkg/types"
)

// Config parameterizes the execution engine; all durations are milliseconds
// to match the venue's own TTL/timeout vocabulary.
type Config struct {
	BaseLotMult      decimal.Decimal
	MaxMult          decimal.Decimal
	MaxOrderNotional decimal.Decimal

	OrderTTLMillis       int64
	CancelTimeoutMillis  int64
	RepostCooldownMillis int64

	MakerSafetyTicks int64
	PricingStyle     PricingStyle
	CustomTicks      int64

	BaseMakerTimeoutsToEscalate int
	AggrFillsToDeescalate       int
	AggrTimeoutsToDeescalate    int

	ClientIDPrefix string
}

// Action is an order-affecting side effect the orchestrator must carry out
// as a result of a Tick or OnOrderUpdate call.
type Action struct {
	Kind     ActionKind
	Symbol   string
	Side     types.PositionSide
	OrderID  int64
	ClientID string
}

type ActionKind string

const (
	ActionCancel ActionKind = "cancel"
)

// Engine owns every SideExecutionState and drives its transitions.
type Engine struct {
	cfg     Config
	clients *clientIDFactory
	logger  *slog.Logger

	mu    sync.Mutex
	sides map[types.SideKey]*types.SideExecutionState
}

// New creates an execution engine scoped to one process run.
func New(cfg Config, runID string, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		clients: newClientIDFactory(cfg.ClientIDPrefix, runID),
		logger:  logger.With("component", "execution"),
		sides:   make(map[types.SideKey]*types.SideExecutionState),
	}
}

func (e *Engine) stateFor(symbol string, side types.PositionSide) *types.SideExecutionState {
	key := types.SideKey{Symbol: symbol, Side: side}
	s, ok := e.sides[key]
	if !ok {
		s = &types.SideExecutionState{Symbol: symbol, Side: side, State: types.StateIdle, Mode: types.ModeMakerOnly}
		e.sides[key] = s
	}
	return s
}

// Snapshot returns a copy of the current side state, for tests and metrics.
func (e *Engine) Snapshot(symbol string, side types.PositionSide) types.SideExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.stateFor(symbol, side)
}

// ForceAggressive sets or clears the risk supervisor's soft de-risk flag for
// a side. While set, the side is held in AGGRESSIVE_LIMIT mode regardless of
// its own fill-ratio-driven rotation.
func (e *Engine) ForceAggressive(symbol string, side types.PositionSide, force bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateFor(symbol, side)
	s.ForceAggressive = force
	if force {
		s.Mode = types.ModeAggressiveLimit
	}
}

// ResetSide recycles a side's counters when its position returns to zero,
// keeping the entry around in case the position reopens.
func (e *Engine) ResetSide(symbol string, side types.PositionSide) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateFor(symbol, side)
	*s = types.SideExecutionState{Symbol: symbol, Side: side, State: types.StateIdle, Mode: types.ModeMakerOnly}
}

// Evaluate decides whether, and what, to submit for a side currently IDLE.
// When the completion rule holds it marks the side Done; when it returns an
// intent it moves the side to PLACING, and the caller must then call
// MarkSubmitted with the outcome to move it on to WAITING or back to IDLE.
func (e *Engine) Evaluate(symbol string, side types.PositionSide, snap types.MarketSnapshot, pos types.Position, rules types.InstrumentRules, sig types.ExitSignal) (types.OrderIntent, bool) {
	e.mu.Lock()
	s := e.stateFor(symbol, side)
	if s.State != types.StateIdle || s.Done {
		e.mu.Unlock()
		return types.OrderIntent{}, false
	}
	mode := s.Mode
	e.mu.Unlock()

	if IsDone(pos.PositionAmt, rules, snap.LastTradePrice) {
		e.mu.Lock()
		s.Done = true
		e.mu.Unlock()
		return types.OrderIntent{}, false
	}

	qty, ok := ComposeQuantity(pos.PositionAmt, rules, snap.LastTradePrice, sig.ROIMult, sig.AccelMult, e.cfg.BaseLotMult, e.cfg.MaxMult, e.cfg.MaxOrderNotional)
	if !ok {
		e.mu.Lock()
		s.Done = true
		e.mu.Unlock()
		return types.OrderIntent{}, false
	}

	intent := e.buildIntent(symbol, side, mode, qty, snap, rules, false, e.cfg.OrderTTLMillis)

	e.mu.Lock()
	s.State = types.StatePlacing
	e.mu.Unlock()
	return intent, true
}

func (e *Engine) buildIntent(symbol string, side types.PositionSide, mode types.ExecMode, qty decimal.Decimal, snap types.MarketSnapshot, rules types.InstrumentRules, isRisk bool, ttlMillis int64) types.OrderIntent {
	dir := closingDirection(side)

	var price decimal.Decimal
	var tif types.TimeInForce
	if mode == types.ModeMakerOnly {
		price = makerPrice(side, snap, rules, e.cfg.PricingStyle, e.cfg.CustomTicks, e.cfg.MakerSafetyTicks)
		tif = types.TIFGTX
	} else {
		price = aggressivePrice(side, snap)
		tif = types.TIFGTC
	}

	return types.OrderIntent{
		Symbol:      symbol,
		Direction:   dir,
		Side:        side,
		Quantity:    qty,
		Price:       price,
		OrderType:   types.OrderTypeLimit,
		TimeInForce: tif,
		ReduceOnly:  true,
		ClientID:    e.clients.next(),
		IsRisk:      isRisk,
		TTLMillis:   ttlMillis,
	}
}

// SubmitRiskIntent builds a risk-originated intent — a panic-close slice —
// bypassing the signal engine entirely, but still honoring the at-most-one-
// in-flight-order invariant: it refuses unless the side is IDLE, so a side
// with a live order, or one still in its repost cooldown, gets no second one.
// makerTimeoutsOverride replaces the side's configured escalation threshold
// for this tier while the side remains in MAKER_ONLY, letting a more
// dangerous panic tier escalate to AGGRESSIVE_LIMIT sooner than normal
// trading would. The caller still owns sending the intent to the rate
// limiter/REST client; risk intents are simply never denied by the limiter
// (types.OrderIntent.IsRisk).
func (e *Engine) SubmitRiskIntent(symbol string, side types.PositionSide, qty decimal.Decimal, snap types.MarketSnapshot, rules types.InstrumentRules, ttlMillis int64, makerTimeoutsOverride int) (types.OrderIntent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateFor(symbol, side)
	if s.State != types.StateIdle {
		return types.OrderIntent{}, false
	}
	if makerTimeoutsOverride > 0 {
		s.PanicTimeoutsOverride = makerTimeoutsOverride
	}
	mode := s.Mode
	intent := e.buildIntent(symbol, side, mode, qty, snap, rules, true, ttlMillis)
	s.State = types.StatePlacing
	return intent, true
}

// MarkSubmitted records the outcome of attempting to place intent.
func (e *Engine) MarkSubmitted(now time.Time, intent types.OrderIntent, result types.OrderResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stateFor(intent.Symbol, intent.Side)

	if result.Success {
		s.State = types.StateWaiting
		s.CurrentOrderID = result.OrderID
		s.CurrentClientID = intent.ClientID
		s.OrderPlacedAt = now
		s.OrderTTLMillis = intent.TTLMillis
		if s.Mode == types.ModeMakerOnly {
			s.MakerSubmissions++
		}
		return
	}

	// Back to IDLE; a post_only reject counts as a maker timeout toward
	// escalation, switching to AGGRESSIVE_LIMIT only once that count reaches
	// the effective threshold.
	s.State = types.StateIdle
	if result.ErrorKind == types.ErrPostOnlyReject {
		s.MakerTimeoutCount++
		e.maybeRotateModeLocked(s)
	}
}

// OnOrderUpdate applies a user-data-stream order update to the matching
// side state. Updates for orders this engine doesn't recognize are ignored.
func (e *Engine) OnOrderUpdate(now time.Time, update types.OrderUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sides[types.SideKey{Symbol: update.Symbol, Side: update.Side}]
	if !ok {
		return
	}
	if update.OrderID != s.CurrentOrderID && update.ClientID != s.CurrentClientID {
		return
	}

	switch update.Status {
	case types.StatusPartiallyFilled:
		s.MakerTimeoutCount = 0
		s.AggrTimeoutCount = 0
		if update.IsMaker {
			s.MakerFills++
		} else {
			s.AggrFillCount++
		}

	case types.StatusFilled:
		if update.IsMaker {
			s.MakerFills++
		} else {
			s.AggrFillCount++
		}
		e.maybeRotateModeLocked(s)
		s.State = types.StateIdle
		s.CurrentOrderID = 0
		s.CurrentClientID = ""

	case types.StatusCanceled, types.StatusExpired, types.StatusRejected:
		e.maybeRotateModeLocked(s)
		s.State = types.StateCooldown
		s.CooldownUntil = now.Add(time.Duration(e.cfg.RepostCooldownMillis) * time.Millisecond)
		s.CurrentOrderID = 0
		s.CurrentClientID = ""
	}
}

// Tick advances TTL/cancel-timeout/cooldown timers for every tracked side
// and returns the cancel actions the orchestrator must carry out.
func (e *Engine) Tick(now time.Time) []Action {
	e.mu.Lock()
	defer e.mu.Unlock()

	var actions []Action
	for key, s := range e.sides {
		switch s.State {
		case types.StateWaiting:
			if now.Sub(s.OrderPlacedAt) >= time.Duration(s.OrderTTLMillis)*time.Millisecond {
				if s.Mode == types.ModeMakerOnly {
					s.MakerTimeoutCount++
				} else {
					s.AggrTimeoutCount++
				}
				s.State = types.StateCanceling
				s.CancelIssuedAt = now
				actions = append(actions, Action{Kind: ActionCancel, Symbol: key.Symbol, Side: key.Side, OrderID: s.CurrentOrderID, ClientID: s.CurrentClientID})
			}

		case types.StateCanceling:
			if now.Sub(s.CancelIssuedAt) >= time.Duration(e.cfg.CancelTimeoutMillis)*time.Millisecond {
				e.maybeRotateModeLocked(s)
				s.State = types.StateCooldown
				s.CooldownUntil = now.Add(time.Duration(e.cfg.RepostCooldownMillis) * time.Millisecond)
			}

		case types.StateCooldown:
			if now.After(s.CooldownUntil) || now.Equal(s.CooldownUntil) {
				s.State = types.StateIdle
			}
		}
	}
	return actions
}

// maybeRotateModeLocked applies §4.3.3's mode-rotation rules. Caller must
// hold e.mu.
func (e *Engine) maybeRotateModeLocked(s *types.SideExecutionState) {
	if s.ForceAggressive {
		s.Mode = types.ModeAggressiveLimit
		return
	}

	switch s.Mode {
	case types.ModeMakerOnly:
		base := e.cfg.BaseMakerTimeoutsToEscalate
		if s.PanicTimeoutsOverride > 0 {
			base = s.PanicTimeoutsOverride
		}
		effective := effectiveMakerTimeoutsToEscalate(s, base)
		if s.MakerTimeoutCount >= effective {
			s.Mode = types.ModeAggressiveLimit
			s.MakerTimeoutCount = 0
			s.AggrTimeoutCount = 0
			s.AggrFillCount = 0
			s.PanicTimeoutsOverride = 0
		}
	case types.ModeAggressiveLimit:
		if s.AggrFillCount >= e.cfg.AggrFillsToDeescalate || s.AggrTimeoutCount >= e.cfg.AggrTimeoutsToDeescalate {
			s.Mode = types.ModeMakerOnly
			s.MakerTimeoutCount = 0
			s.AggrTimeoutCount = 0
			s.AggrFillCount = 0
		}
	}
}

// effectiveMakerTimeoutsToEscalate derives the fill-ratio-adjusted
// escalation threshold, clamped unconditionally to [base, base*4] so the
// result can never escape that range regardless of how extreme the fill
// ratio is.
func effectiveMakerTimeoutsToEscalate(s *types.SideExecutionState, base int) int {
	if base <= 0 {
		base = 1
	}
	baseDec := decimal.NewFromInt(int64(base))
	ratio := s.MakerFillRatio()
	eps := decimal.NewFromFloat(1e-6)
	if ratio.LessThan(eps) {
		ratio = eps
	}
	raw := baseDec.Div(ratio).Ceil()
	clamped := raw
	if clamped.LessThan(baseDec) {
		clamped = baseDec
	}
	maxBound := baseDec.Mul(decimal.NewFromInt(4))
	if clamped.GreaterThan(maxBound) {
		clamped = maxBound
	}
	return int(clamped.IntPart())
}
