package pricing

import (
	"math"
	"time"
)

// WeightInput is the voter metadata consulted when weighting a vote.
type WeightInput struct {
	Verified   bool
	AccountAge time.Duration
	TrustTier  TrustTier
	Behavior   BehaviorState
}

// Weight converts voter metadata into a bounded influence multiplier.
// Unverified voters always weigh 0.
func Weight(cfg Config, input WeightInput) float64 {
	if !input.Verified {
		return 0
	}
	weight := AgeWeight(cfg, input.AccountAge) * TrustMultiplier(cfg, input.TrustTier) * BehaviorMultiplier(cfg, input.Behavior)
	return QuantizeWeight(clampFloat(weight, cfg.MinWeight, cfg.MaxWeight))
}

// AgeWeight ramps linearly to 1 over AgeWeightFullDays, never below AgeWeightFloor.
func AgeWeight(cfg Config, accountAge time.Duration) float64 {
	days := accountAge.Hours() / 24
	return math.Max(cfg.AgeWeightFloor, math.Min(1, days/cfg.AgeWeightFullDays))
}

// TrustMultiplier looks up a tier; unknown tiers count as neutral.
func TrustMultiplier(cfg Config, tier TrustTier) float64 {
	if multiplier, ok := cfg.TrustTierMultipliers[tier]; ok {
		return multiplier
	}
	if multiplier, ok := cfg.TrustTierMultipliers[TrustTierNeutral]; ok {
		return multiplier
	}
	return 1
}

// BehaviorMultiplier looks up a behavior flag; unknown flags count as normal.
func BehaviorMultiplier(cfg Config, behavior BehaviorState) float64 {
	if multiplier, ok := cfg.BehaviorMultipliers[behavior]; ok {
		return multiplier
	}
	return 1
}

func clampFloat(value, lower, upper float64) float64 {
	return math.Max(lower, math.Min(upper, value))
}
