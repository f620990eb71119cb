package execution

import (
	"github.com/shopspring/decimal"

	"executor/internal/rounding"
	"executor/pkg/types"
)

// ComposeQuantity implements the five-step quantity composition algorithm:
// combine the configured multipliers into a bounded raw multiplier, target a
// slice of the remaining position, round to the step grid, enlarge (within
// the position) to satisfy min_notional if needed, and shrink to satisfy
// max_order_notional. Returns (qty, false) when the remaining position
// cannot produce a tradable order at all — the caller must treat that as
// "side done" (§4.3.5, no-dust completion).
func ComposeQuantity(
	positionAmt decimal.Decimal,
	rules types.InstrumentRules,
	lastPrice decimal.Decimal,
	roiMult, accelMult, baseLotMult, maxMult, maxOrderNotional decimal.Decimal,
) (decimal.Decimal, bool) {
	if positionAmt.IsZero() || lastPrice.IsZero() {
		return decimal.Zero, false
	}

	// Step 1: raw multiplier, capped.
	rawMult := baseLotMult.Mul(roiMult).Mul(accelMult)
	if rawMult.GreaterThan(maxMult) {
		rawMult = maxMult
	}

	// Step 2: target slice of the remaining position.
	target := decimal.Min(positionAmt, rules.MinQty.Mul(rawMult))

	// Step 3: round down to the step grid.
	target = rounding.RoundQtyDown(target, rules)

	if target.IsZero() || target.LessThan(rules.MinQty) {
		// Step 4: last-slice rule — try enlarging within the position to meet
		// min_notional instead of giving up outright.
		cap := rounding.RoundQtyDown(positionAmt, rules)
		if cap.IsZero() {
			return decimal.Zero, false
		}
		enlarged, ok := rounding.EnsureMinNotional(cap, lastPrice, cap, rules)
		if !ok {
			return decimal.Zero, false
		}
		target = enlarged
	} else if target.Mul(lastPrice).LessThan(rules.MinNotional) {
		cap := rounding.RoundQtyDown(positionAmt, rules)
		enlarged, ok := rounding.EnsureMinNotional(target, lastPrice, cap, rules)
		if !ok {
			return decimal.Zero, false
		}
		target = enlarged
	}

	// Step 5: shrink by whole steps until max_order_notional is satisfied.
	for target.Mul(lastPrice).GreaterThan(maxOrderNotional) && target.GreaterThan(decimal.Zero) {
		target = target.Sub(rules.StepSize)
	}
	if target.LessThan(rules.MinQty) || target.IsZero() {
		return decimal.Zero, false
	}

	return target, true
}

// IsDone reports the no-dust completion rule (§4.3.5): the position rounds
// down to zero on the step grid, or it is below MinQty and cannot be
// enlarged to satisfy min_notional.
func IsDone(positionAmt decimal.Decimal, rules types.InstrumentRules, lastPrice decimal.Decimal) bool {
	if rounding.RoundQtyDown(positionAmt, rules).IsZero() {
		return true
	}
	if positionAmt.LessThan(rules.MinQty) {
		_, ok := rounding.EnsureMinNotional(positionAmt, lastPrice, positionAmt, rules)
		return !ok
	}
	return false
}
