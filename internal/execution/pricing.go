package execution

import (
	"github.com/shopspring/decimal"

	"executor/internal/rounding"
	"executor/pkg/types"
)

// PricingStyle selects how far inside the spread a maker-only order rests.
type PricingStyle string

const (
	StyleAtTouch           PricingStyle = "at_touch"
	StyleInsideSpread1Tick PricingStyle = "inside_spread_1tick"
	StyleCustomTicks       PricingStyle = "custom_ticks"
)

// closingDirection returns the order direction that reduces a position of
// the given side: selling closes a long, buying closes a short.
func closingDirection(side types.PositionSide) types.Direction {
	if side == types.PositionLong {
		return types.Sell
	}
	return types.Buy
}

// makerPrice computes the post-only (GTX) price for closing a position of
// the given side, enforcing the configured safety distance from the
// opposing touch so the order cannot cross and be rejected.
func makerPrice(side types.PositionSide, snap types.MarketSnapshot, rules types.InstrumentRules, style PricingStyle, customTicks, safetyTicks int64) decimal.Decimal {
	tick := rules.TickSize
	dir := closingDirection(side)

	switch dir {
	case types.Sell:
		price := snap.BestAsk
		switch style {
		case StyleInsideSpread1Tick:
			price = price.Sub(tick)
		case StyleCustomTicks:
			price = price.Sub(tick.Mul(decimal.NewFromInt(customTicks)))
		}
		floor := snap.BestBid.Add(tick.Mul(decimal.NewFromInt(safetyTicks)))
		if price.LessThan(floor) {
			price = floor
		}
		return rounding.RoundUpToStep(price, tick)

	default: // Buy
		price := snap.BestBid
		switch style {
		case StyleInsideSpread1Tick:
			price = price.Add(tick)
		case StyleCustomTicks:
			price = price.Add(tick.Mul(decimal.NewFromInt(customTicks)))
		}
		ceiling := snap.BestAsk.Sub(tick.Mul(decimal.NewFromInt(safetyTicks)))
		if price.GreaterThan(ceiling) {
			price = ceiling
		}
		return rounding.RoundDownToStep(price, tick)
	}
}

// aggressivePrice computes the same-side-touch (GTC) price intended to
// cross immediately.
func aggressivePrice(side types.PositionSide, snap types.MarketSnapshot) decimal.Decimal {
	if closingDirection(side) == types.Sell {
		return snap.BestBid
	}
	return snap.BestAsk
}
