// Package signal maintains the per-symbol market snapshot and a bounded
// price history, and evaluates the exit conditions that produce
// ExitSignals for the execution engine.
//
// The snapshot/staleness tracking here mirrors the teacher's order-book
// mirror (mutex-protected struct, a single "last updated" style accessor),
// generalized to track trade, quote, and mark timestamps independently so a
// fresh mark price never masks stale trade/quote data. The price-history
// window reuses the flow tracker's rolling-window-with-lazy-eviction idiom.
package signal

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"executor/pkg/types"
)

// AccelTier maps a |ret_window| threshold to an acceleration multiplier.
type AccelTier struct {
	Ret  decimal.Decimal
	Mult decimal.Decimal
}

// ROITier maps an roi threshold to an roi multiplier.
type ROITier struct {
	ROI  decimal.Decimal
	Mult decimal.Decimal
}

// Config parameterizes the signal engine.
type Config struct {
	StaleDataMillis     int64
	MinSignalIntervalMs int64
	AccelWindowMillis   int64
	AccelTiers          []AccelTier
	ROITiers            []ROITier
}

// Engine evaluates exit conditions for every tracked symbol.
type Engine struct {
	cfg Config

	mu        sync.RWMutex
	snapshots map[string]*types.MarketSnapshot
	histories map[string]*history
	lastFired map[types.SideKey]time.Time
}

// New creates a signal engine with the given configuration.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:       cfg,
		snapshots: make(map[string]*types.MarketSnapshot),
		histories: make(map[string]*history),
		lastFired: make(map[types.SideKey]time.Time),
	}
}

// history is a bounded rolling window of trade prices for one symbol, used
// to compute ret_window = price_now / price_at_window_start - 1.
type history struct {
	mu     sync.Mutex
	window time.Duration
	points []types.PricePoint
}

func newHistory(window time.Duration) *history {
	return &history{window: window}
}

func (h *history) add(p types.PricePoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.points = append(h.points, p)
	h.evictStaleLocked()
}

func (h *history) evictStaleLocked() {
	if len(h.points) == 0 {
		return
	}
	cutoff := time.Now().Add(-h.window)
	validIdx := -1
	for i, p := range h.points {
		if p.At.After(cutoff) {
			validIdx = i
			break
		}
	}
	if validIdx == -1 {
		h.points = h.points[:0]
		return
	}
	if validIdx > 0 {
		h.points = h.points[validIdx:]
	}
}

// retWindow returns (price_now/price_at_window_start - 1, true) if the
// window has at least two points, else (0, false).
func (h *history) retWindow() (decimal.Decimal, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evictStaleLocked()

	if len(h.points) < 2 {
		return decimal.Zero, false
	}
	start := h.points[0].Price
	now := h.points[len(h.points)-1].Price
	if start.IsZero() {
		return decimal.Zero, false
	}
	return now.Div(start).Sub(decimal.NewFromInt(1)), true
}

func (e *Engine) historyFor(symbol string) *history {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.histories[symbol]
	if !ok {
		h = newHistory(time.Duration(e.cfg.AccelWindowMillis) * time.Millisecond)
		e.histories[symbol] = h
	}
	return h
}

// snapshotForLocked returns the (possibly newly created) snapshot pointer for a
// symbol. Caller must hold e.mu.
func (e *Engine) snapshotForLocked(symbol string) *types.MarketSnapshot {
	s, ok := e.snapshots[symbol]
	if !ok {
		s = &types.MarketSnapshot{Symbol: symbol}
		e.snapshots[symbol] = s
	}
	return s
}

// OnQuote updates the best bid/ask for a symbol.
func (e *Engine) OnQuote(symbol string, bid, ask decimal.Decimal, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.snapshotForLocked(symbol)
	if bid.GreaterThanOrEqual(ask) {
		return // reject crossed/invalid quotes, keep the last good one
	}
	s.BestBid, s.BestAsk = bid, ask
	s.QuoteUpdatedAt = at
}

// OnTrade updates the last/previous trade price for a symbol and appends to
// its price history.
func (e *Engine) OnTrade(symbol string, price decimal.Decimal, at time.Time) {
	e.mu.Lock()
	s := e.snapshotForLocked(symbol)
	s.PreviousTradePrice = s.LastTradePrice
	s.LastTradePrice = price
	s.TradeUpdatedAt = at
	e.mu.Unlock()

	e.historyFor(symbol).add(types.PricePoint{At: at, Price: price})
}

// OnMark updates the mark price for a symbol. Per spec, a mark update must
// never refresh trade/quote staleness.
func (e *Engine) OnMark(symbol string, mark decimal.Decimal, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.snapshotForLocked(symbol)
	s.MarkPrice = mark
	s.MarkUpdatedAt = at
}

// Snapshot returns a copy of the current snapshot for a symbol.
func (e *Engine) Snapshot(symbol string) (types.MarketSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.snapshots[symbol]
	if !ok {
		return types.MarketSnapshot{}, false
	}
	return *s, true
}

// IsStale reports whether the youngest of (trade, quote) for symbol is
// older than the configured stale_data_ms, as of now.
func (e *Engine) IsStale(symbol string, now time.Time) bool {
	snap, ok := e.Snapshot(symbol)
	if !ok {
		return true
	}
	return snap.YoungestDataAge(now) > time.Duration(e.cfg.StaleDataMillis)*time.Millisecond
}

// Evaluate checks the exit conditions for (symbol, side) against the
// current snapshot and position, and returns a signal if one fires and the
// per-side throttle allows it.
func (e *Engine) Evaluate(symbol string, side types.PositionSide, pos types.Position, now time.Time) (types.ExitSignal, bool) {
	snap, ok := e.Snapshot(symbol)
	if !ok || !snap.Ready() || !snap.Valid() {
		return types.ExitSignal{}, false
	}
	if e.IsStale(symbol, now) {
		return types.ExitSignal{}, false
	}

	reason, fired := evaluateCondition(side, snap)
	if !fired {
		return types.ExitSignal{}, false
	}

	key := types.SideKey{Symbol: symbol, Side: side}
	e.mu.Lock()
	last, seen := e.lastFired[key]
	if seen && now.Sub(last) < time.Duration(e.cfg.MinSignalIntervalMs)*time.Millisecond {
		e.mu.Unlock()
		return types.ExitSignal{}, false
	}
	e.lastFired[key] = now
	e.mu.Unlock()

	ret, _ := e.historyFor(symbol).retWindow()
	accelMult := e.accelMultFor(side, ret)
	roiMult := e.roiMultFor(pos)

	return types.ExitSignal{
		Symbol:    symbol,
		Side:      side,
		Reason:    reason,
		ROIMult:   roiMult,
		AccelMult: accelMult,
		At:        now,
	}, true
}

// ResetThrottle clears the last-fired timestamp for a side, e.g. when a
// position returns to zero or its state is recycled.
func (e *Engine) ResetThrottle(symbol string, side types.PositionSide) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastFired, types.SideKey{Symbol: symbol, Side: side})
}

func evaluateCondition(side types.PositionSide, snap types.MarketSnapshot) (types.SignalReason, bool) {
	last, prev, bid, ask := snap.LastTradePrice, snap.PreviousTradePrice, snap.BestBid, snap.BestAsk

	switch side {
	case types.PositionLong:
		primary := last.GreaterThan(prev) && bid.GreaterThanOrEqual(last)
		if primary {
			return types.ReasonLongPrimary, true
		}
		if bid.GreaterThanOrEqual(last) && bid.GreaterThan(prev) {
			return types.ReasonLongBidImprove, true
		}
	case types.PositionShort:
		primary := last.LessThan(prev) && ask.LessThanOrEqual(last)
		if primary {
			return types.ReasonShortPrimary, true
		}
		if ask.LessThanOrEqual(last) && ask.LessThan(prev) {
			return types.ReasonShortAskImprove, true
		}
	}
	return "", false
}

func (e *Engine) accelMultFor(side types.PositionSide, ret decimal.Decimal) decimal.Decimal {
	best := decimal.NewFromInt(1)
	if side == types.PositionLong {
		for _, tier := range e.cfg.AccelTiers {
			if ret.GreaterThanOrEqual(tier.Ret) && tier.Mult.GreaterThan(best) {
				best = tier.Mult
			}
		}
	} else {
		negRet := ret.Neg()
		for _, tier := range e.cfg.AccelTiers {
			if negRet.GreaterThanOrEqual(tier.Ret) && tier.Mult.GreaterThan(best) {
				best = tier.Mult
			}
		}
	}
	return best
}

func (e *Engine) roiMultFor(pos types.Position) decimal.Decimal {
	best := decimal.NewFromInt(1)
	roi, ok := roiOf(pos)
	if !ok {
		return best
	}
	for _, tier := range e.cfg.ROITiers {
		if roi.GreaterThanOrEqual(tier.ROI) && tier.Mult.GreaterThan(best) {
			best = tier.Mult
		}
	}
	return best
}

func roiOf(pos types.Position) (decimal.Decimal, bool) {
	if pos.Leverage <= 0 || pos.EntryPrice.IsZero() || pos.PositionAmt.IsZero() {
		return decimal.Zero, false
	}
	margin := pos.PositionAmt.Mul(pos.EntryPrice).Div(decimal.NewFromInt(int64(pos.Leverage)))
	if margin.IsZero() {
		return decimal.Zero, false
	}
	return pos.UnrealizedPnL.Div(margin), true
}
