// Package rounding implements the exchange's price/quantity grid: rounding
// toward the tick/step grid and enforcing the minimum notional floor. Every
// function here is pure and operates exclusively on decimal.Decimal — no
// binary float touches a price or quantity anywhere downstream of this
// package.
package rounding

import (
	"github.com/shopspring/decimal"

	"executor/pkg/types"
)

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// RoundDownToStep rounds v down to the nearest multiple of step.
func RoundDownToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// RoundUpToStep rounds v up to the nearest multiple of step.
func RoundUpToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// RoundPrice rounds a price to the instrument's tick grid, rounding toward
// the "safe" direction requested by the caller (buy prices round down so the
// order never offers more than intended; sell prices round up).
func RoundPrice(price decimal.Decimal, rules types.InstrumentRules, dir types.Direction) decimal.Decimal {
	switch dir {
	case types.Buy:
		return RoundDownToStep(price, rules.TickSize)
	case types.Sell:
		return RoundUpToStep(price, rules.TickSize)
	default:
		return RoundDownToStep(price, rules.TickSize)
	}
}

// RoundQtyDown rounds a quantity down to the step-size grid.
func RoundQtyDown(qty decimal.Decimal, rules types.InstrumentRules) decimal.Decimal {
	return RoundDownToStep(qty, rules.StepSize)
}

// RoundQtyUp rounds a quantity up to the step-size grid.
func RoundQtyUp(qty decimal.Decimal, rules types.InstrumentRules) decimal.Decimal {
	return RoundUpToStep(qty, rules.StepSize)
}

// EnsureMinNotional enlarges qty (by whole steps) so that qty*price meets
// rules.MinNotional, without exceeding cap. If the notional floor cannot be
// met within cap, it returns the original qty and ok=false: the caller
// (quantity composition, §4.3.4) must treat this as "side done."
func EnsureMinNotional(qty, price, cap decimal.Decimal, rules types.InstrumentRules) (decimal.Decimal, bool) {
	notional := qty.Mul(price)
	if notional.GreaterThanOrEqual(rules.MinNotional) {
		return qty, true
	}
	if rules.StepSize.IsZero() || price.IsZero() {
		return qty, false
	}
	needed := rules.MinNotional.Div(price)
	enlarged := RoundUpToStep(needed, rules.StepSize)
	if enlarged.GreaterThan(cap) {
		return qty, false
	}
	return enlarged, true
}
