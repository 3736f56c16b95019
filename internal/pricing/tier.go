package pricing

import "github.com/shopspring/decimal"

// Range is the fair band around a live price.
type Range struct {
	Lower decimal.Decimal
	Upper decimal.Decimal
}

// Midpoint returns the centre of the band.
func (r Range) Midpoint() decimal.Decimal {
	return r.Lower.Add(r.Upper).Div(decimal.NewFromInt(2))
}

// FairRange returns live price ± FairRangePct, rounded to cents.
func FairRange(cfg Config, livePrice decimal.Decimal) Range {
	pct := decimal.NewFromFloat(cfg.FairRangePct)
	one := decimal.NewFromInt(1)
	return Range{
		Lower: livePrice.Mul(one.Sub(pct)).Round(2),
		Upper: livePrice.Mul(one.Add(pct)).Round(2),
	}
}

// BaseStep returns the step size of the tier containing price.
// Tiers partition [0, ∞) by their lower bounds, so every price maps to exactly one tier.
func BaseStep(cfg Config, price decimal.Decimal) decimal.Decimal {
	if len(cfg.PriceTiers) == 0 {
		return decimal.Zero
	}
	step := cfg.PriceTiers[0].BaseStep
	for _, tier := range cfg.PriceTiers {
		if price.LessThan(tier.Min) {
			break
		}
		step = tier.BaseStep
	}
	return step
}

// CapBoundsFor selects the low/mid/high dynamic cap bounds by base step.
func CapBoundsFor(cfg Config, baseStep decimal.Decimal) CapBounds {
	switch {
	case baseStep.LessThanOrEqual(cfg.CapLowMaxBaseStep):
		return cfg.CapLow
	case baseStep.LessThanOrEqual(cfg.CapMidMaxBaseStep):
		return cfg.CapMid
	default:
		return cfg.CapHigh
	}
}
