package pricing

import "github.com/shopspring/decimal"

// Eligible reports whether enough fresh weight has accumulated to move an unfrozen price.
func Eligible(cfg Config, weightedTotal, weightedSinceLastMove float64, frozen bool) bool {
	return weightedTotal >= cfg.MinWeightedTotalForMove &&
		weightedSinceLastMove >= cfg.MoveBatchSizeWeighted &&
		!frozen
}

// Anchor returns the fair bound the price moves from: upper for UP, lower for DOWN, midpoint otherwise.
func Anchor(direction Direction, fair Range) decimal.Decimal {
	switch direction {
	case DirectionUp:
		return fair.Upper
	case DirectionDown:
		return fair.Lower
	default:
		return fair.Midpoint()
	}
}

// MoveSign is +1, -1 or 0 for the direction.
func MoveSign(direction Direction) int64 {
	return int64(direction)
}

// IntensityResult carries the intermediate values of the step computation.
type IntensityResult struct {
	Intensity  float64
	Multiplier float64
	RawStep    decimal.Decimal
}

// Intensity scales the base step by 1 + 2×(dominant share × confidence), a multiplier in [1,3].
func Intensity(sentiment Sentiment, confidence float64, baseStep decimal.Decimal) IntensityResult {
	intensity := DominantShare(sentiment) * confidence
	multiplier := 1 + 2*intensity
	return IntensityResult{
		Intensity:  intensity,
		Multiplier: multiplier,
		RawStep:    baseStep.Mul(decimal.NewFromFloat(multiplier)),
	}
}

// CapInput collects the values the cap stack depends on.
type CapInput struct {
	RawStep       decimal.Decimal
	BaseStep      decimal.Decimal
	Anchor        decimal.Decimal
	WeightedTotal float64
	Confidence    float64
	Catchup       bool
}

// ApplyCaps runs the cap stack in fixed order: early ramp, dynamic cap, catch-up cap,
// then floors at the base step and rounds to a whole amount.
func ApplyCaps(cfg Config, input CapInput) decimal.Decimal {
	step := input.RawStep

	if input.WeightedTotal < cfg.EarlyRampWeightedLimit {
		earlyMult := 1 + 0.5*(input.WeightedTotal/cfg.EarlyRampWeightedLimit)
		if earlyMult > cfg.EarlyRampMaxMult {
			earlyMult = cfg.EarlyRampMaxMult
		}
		step = decimal.Min(step, input.BaseStep.Mul(decimal.NewFromFloat(earlyMult)))
	}

	bounds := CapBoundsFor(cfg, input.BaseStep)
	capPct := bounds.Min + (bounds.Max-bounds.Min)*input.Confidence
	dynamicCap := decimal.Min(decimal.NewFromFloat(capPct).Mul(input.Anchor), cfg.AbsoluteCapDollars)
	step = decimal.Min(step, dynamicCap)

	if input.Catchup {
		catchupCap := decimal.Min(decimal.NewFromFloat(cfg.CatchupMaxPct).Mul(input.Anchor), cfg.AbsoluteCapDollars)
		step = decimal.Min(step, catchupCap)
	}

	step = decimal.Max(input.BaseStep, step)
	return step.Round(0)
}

// NextPrice is max(0, anchor + sign×step).
func NextPrice(anchor decimal.Decimal, direction Direction, step decimal.Decimal) decimal.Decimal {
	next := anchor.Add(step.Mul(decimal.NewFromInt(MoveSign(direction))))
	if next.IsNegative() {
		return decimal.Zero
	}
	return next
}
