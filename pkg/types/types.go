// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the executor — instrument
// rules, market snapshots, position/side state, signals, and order
// intents/results. It has no dependencies on internal packages, so it can
// be imported by any layer. All prices and quantities are exact decimals;
// no field in this package is a binary float.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// PositionSide identifies which side of a hedge-mode position an order acts
// on. LONG and SHORT positions on the same symbol coexist independently.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Direction is the wire-level BUY/SELL of an order, distinct from
// PositionSide: closing a LONG means a SELL, closing a SHORT means a BUY.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// OrderType enumerates the order types this executor submits.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// TimeInForce controls how a limit order interacts with the book.
type TimeInForce string

const (
	// TIFGTC ("Good-Til-Cancelled") rests until filled or cancelled; used in
	// aggressive-limit mode where immediate crossing is intended.
	TIFGTC TimeInForce = "GTC"
	// TIFGTX ("Good-Til-Crossing", Binance's post-only flag) is rejected if
	// it would trade immediately as a taker; used in maker-only mode.
	TIFGTX TimeInForce = "GTX"
)

// WorkingType selects the price series a conditional order triggers against.
type WorkingType string

const (
	WorkingTypeMark WorkingType = "MARK_PRICE"
)

// ExecState is the per-(symbol,side) order lifecycle state.
type ExecState string

const (
	StateIdle      ExecState = "IDLE"
	StatePlacing   ExecState = "PLACING"
	StateWaiting   ExecState = "WAITING"
	StateCanceling ExecState = "CANCELING"
	StateCooldown  ExecState = "COOLDOWN"
)

// ExecMode is the pricing aggressiveness of the execution engine.
type ExecMode string

const (
	ModeMakerOnly      ExecMode = "MAKER_ONLY"
	ModeAggressiveLimit ExecMode = "AGGRESSIVE_LIMIT"
)

// SignalReason names which exit condition fired.
type SignalReason string

const (
	ReasonLongPrimary     SignalReason = "long_primary"
	ReasonLongBidImprove  SignalReason = "long_bid_improve"
	ReasonShortPrimary    SignalReason = "short_primary"
	ReasonShortAskImprove SignalReason = "short_ask_improve"
)

// OrderStatus mirrors the venue's order-status vocabulary.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// ErrorKind names the categories of error the adapter and engine classify
// failures into, independent of the exchange's own error codes.
type ErrorKind string

const (
	ErrTransientNetwork     ErrorKind = "transient_network"
	ErrRateLimitedByVenue   ErrorKind = "rate_limited_by_venue"
	ErrPostOnlyReject       ErrorKind = "post_only_reject"
	ErrDuplicateClientID    ErrorKind = "duplicate_client_id"
	ErrOrderNotFound        ErrorKind = "order_not_found"
	ErrPrecisionViolation   ErrorKind = "precision_violation"
	ErrReduceOnlyViolation  ErrorKind = "reduce_only_violation"
	ErrExternalConflict     ErrorKind = "external_conflict"
	ErrFatalConfig          ErrorKind = "fatal_config"
	ErrFatalAuth            ErrorKind = "fatal_auth"
)

// ————————————————————————————————————————————————————————————————————————
// Instrument rules
// ————————————————————————————————————————————————————————————————————————

// InstrumentRules holds the exchange-defined rounding grid and minimums for
// one symbol. Shared read-only after load; only a recalibration pass
// replaces the map entry wholesale.
type InstrumentRules struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	Leverage    int
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// MarketSnapshot is the latest known top-of-book, last trade, and mark price
// for one symbol, each with its own origin timestamp so staleness can be
// judged per stream (mark-price updates must not refresh trade/quote
// staleness).
type MarketSnapshot struct {
	Symbol             string
	BestBid            decimal.Decimal
	BestAsk            decimal.Decimal
	LastTradePrice     decimal.Decimal
	PreviousTradePrice decimal.Decimal
	MarkPrice          decimal.Decimal

	QuoteUpdatedAt time.Time
	TradeUpdatedAt time.Time
	MarkUpdatedAt  time.Time
}

// Ready reports whether enough data has arrived to evaluate exit conditions:
// a two-sided quote and at least two trades (so PreviousTradePrice is known).
func (m MarketSnapshot) Ready() bool {
	return !m.BestBid.IsZero() && !m.BestAsk.IsZero() &&
		!m.LastTradePrice.IsZero() && !m.PreviousTradePrice.IsZero()
}

// Valid reports whether the quote side of the snapshot is sane.
func (m MarketSnapshot) Valid() bool {
	return m.BestBid.LessThan(m.BestAsk)
}

// YoungestDataAge returns how long since the more recent of trade/quote
// update, per spec's staleness rule (mark price excluded).
func (m MarketSnapshot) YoungestDataAge(now time.Time) time.Duration {
	youngest := m.TradeUpdatedAt
	if m.QuoteUpdatedAt.After(youngest) {
		youngest = m.QuoteUpdatedAt
	}
	if youngest.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(youngest)
}

// PricePoint is one sample in a PriceHistory window.
type PricePoint struct {
	At    time.Time
	Price decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is the venue-reported state of one (symbol, side).
type Position struct {
	Symbol           string
	Side             PositionSide
	PositionAmt      decimal.Decimal // always reported as a magnitude; sign is implied by Side
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         int
}

// IsZero reports whether the position has no remaining quantity.
func (p Position) IsZero() bool {
	return p.PositionAmt.IsZero()
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// ExitSignal is emitted by the signal engine when an exit condition fires.
type ExitSignal struct {
	Symbol    string
	Side      PositionSide
	Reason    SignalReason
	ROIMult   decimal.Decimal
	AccelMult decimal.Decimal
	At        time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderIntent is a proposed order the execution or risk engine wants placed.
type OrderIntent struct {
	Symbol        string
	Direction     Direction
	Side          PositionSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal // zero value means "no limit price" (market/stop trigger only)
	StopPrice     decimal.Decimal
	OrderType     OrderType
	TimeInForce   TimeInForce
	WorkingType   WorkingType
	ReduceOnly    bool
	ClosePosition bool
	ClientID      string
	IsRisk        bool // true bypasses the rate limiter (panic close, protective stop)
	TTLMillis     int64
}

// OrderResult is the outcome of submitting or cancelling an OrderIntent.
type OrderResult struct {
	Success   bool
	OrderID   int64
	ClientID  string
	Status    OrderStatus
	FilledQty decimal.Decimal
	AvgPrice  decimal.Decimal
	ErrorKind ErrorKind
	Err       error
}

// OrderUpdate is a user-data-stream push describing a change to one of this
// account's orders.
type OrderUpdate struct {
	Symbol        string
	Side          PositionSide
	OrderID       int64
	ClientID      string
	Status        OrderStatus
	OrderType     OrderType
	ReduceOnly    bool
	ClosePosition bool
	IsMaker       bool
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	RealizedPnL   decimal.Decimal
	Fee           decimal.Decimal
	At            time.Time
}

// AlgoUpdate is a user-data-stream push describing a change to a
// closePosition-style conditional (stop/take-profit) order.
type AlgoUpdate struct {
	Symbol        string
	Side          PositionSide
	OrderID       int64
	ClientID      string
	Status        OrderStatus
	OrderType     OrderType
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
	At            time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Side execution state
// ————————————————————————————————————————————————————————————————————————

// SideExecutionState is the execution engine's per-(symbol,side) state
// machine instance, owned exclusively by the execution engine.
type SideExecutionState struct {
	Symbol string
	Side   PositionSide

	State ExecState
	Mode  ExecMode

	CurrentOrderID   int64
	CurrentClientID  string
	OrderPlacedAt    time.Time
	OrderTTLMillis   int64
	CooldownUntil    time.Time
	CancelIssuedAt   time.Time

	MakerTimeoutCount int
	AggrTimeoutCount  int
	AggrFillCount     int

	MakerSubmissions int64
	MakerFills       int64

	ForceAggressive bool // set by the risk supervisor's soft de-risk tier
	Done            bool // completion/no-dust rule reached; engine stops acting

	// PanicTimeoutsOverride, when non-zero, replaces the configured
	// base_maker_timeouts_to_escalate in this side's rotation checks.
	// Set by the risk supervisor's panic-close tier; cleared when the side
	// escalates to AGGRESSIVE_LIMIT.
	PanicTimeoutsOverride int
}

// MakerFillRatio is the Laplace-smoothed fraction of maker submissions that
// filled, used to scale the maker-timeout escalation threshold.
func (s *SideExecutionState) MakerFillRatio() decimal.Decimal {
	num := decimal.NewFromInt(s.MakerFills + 1)
	den := decimal.NewFromInt(s.MakerSubmissions + 2)
	return num.Div(den)
}

// SideKey identifies a side state uniquely across the whole instrument set.
type SideKey struct {
	Symbol string
	Side   PositionSide
}
