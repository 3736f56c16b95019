package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidConfig indicates that a pricing configuration value is inconsistent.
var ErrInvalidConfig = errors.New("pricing: invalid config")

// PriceTier maps a price band, identified by its inclusive lower bound, to a base step.
type PriceTier struct {
	Min      decimal.Decimal
	BaseStep decimal.Decimal
}

// CapBounds holds the dynamic cap percentage range for a base-step tier.
type CapBounds struct {
	Min float64
	Max float64
}

// Config captures every tunable pricing parameter. It is passed by value and never mutated.
type Config struct {
	FairRangePct float64

	MinWeightedTotalForMove float64
	MoveBatchSizeWeighted   float64
	NFullConfidence         float64

	AbsoluteCapDollars     decimal.Decimal
	CatchupMaxPct          float64
	EarlyRampMaxMult       float64
	EarlyRampWeightedLimit float64

	CycleResetMovePct     float64
	CycleResetMinWeighted float64
	CycleResetMinUnique   int

	FreezeFairPct          float64
	FreezeMinWeightedTotal float64
	FreezeDurationDaysMin  int
	FreezeDurationDaysMax  int

	StaleConfidenceAfter         time.Duration
	WeakParticipationAfter       time.Duration
	WeakParticipationMaxWeighted float64
	ConflictMaxFair              float64
	ConflictMinSide              float64

	VoteCreditsMax      int
	CreditRegainMovePct float64

	MomentumMin int
	MomentumMax int

	CatchupMinWeightedTotal float64
	CatchupMinUniqueVoters  int
	CatchupMinDominantPct   float64
	CatchupW10Threshold     float64
	CatchupW20Threshold     float64
	CatchupClusterWindow    time.Duration
	CatchupClusterMaxIPs    int

	PriceTiers []PriceTier

	TrustTierMultipliers map[TrustTier]float64
	BehaviorMultipliers  map[BehaviorState]float64
	MinWeight            float64
	MaxWeight            float64
	AgeWeightFullDays    float64
	AgeWeightFloor       float64

	CapLowMaxBaseStep decimal.Decimal
	CapMidMaxBaseStep decimal.Decimal
	CapLow            CapBounds
	CapMid            CapBounds
	CapHigh           CapBounds

	XPPerVote int
}

// DefaultConfig returns the production pricing parameters.
func DefaultConfig() Config {
	return Config{
		FairRangePct: 0.05,

		MinWeightedTotalForMove: 5,
		MoveBatchSizeWeighted:   5,
		NFullConfidence:         50,

		AbsoluteCapDollars:     decimal.NewFromInt(80),
		CatchupMaxPct:          0.20,
		EarlyRampMaxMult:       1.5,
		EarlyRampWeightedLimit: 20,

		CycleResetMovePct:     0.07,
		CycleResetMinWeighted: 20,
		CycleResetMinUnique:   15,

		FreezeFairPct:          0.55,
		FreezeMinWeightedTotal: 20,
		FreezeDurationDaysMin:  14,
		FreezeDurationDaysMax:  30,

		StaleConfidenceAfter:         21 * 24 * time.Hour,
		WeakParticipationAfter:       7 * 24 * time.Hour,
		WeakParticipationMaxWeighted: 10,
		ConflictMaxFair:              0.40,
		ConflictMinSide:              0.30,

		VoteCreditsMax:      3,
		CreditRegainMovePct: 0.07,

		MomentumMin: -2,
		MomentumMax: 2,

		CatchupMinWeightedTotal: 15,
		CatchupMinUniqueVoters:  12,
		CatchupMinDominantPct:   0.60,
		CatchupW10Threshold:     0.65,
		CatchupW20Threshold:     0.60,
		CatchupClusterWindow:    60 * time.Second,
		CatchupClusterMaxIPs:    2,

		PriceTiers: []PriceTier{
			{Min: decimal.NewFromInt(0), BaseStep: decimal.NewFromInt(3)},
			{Min: decimal.NewFromInt(50), BaseStep: decimal.NewFromInt(5)},
			{Min: decimal.NewFromInt(100), BaseStep: decimal.NewFromInt(7)},
			{Min: decimal.NewFromInt(150), BaseStep: decimal.NewFromInt(10)},
			{Min: decimal.NewFromInt(300), BaseStep: decimal.NewFromInt(15)},
			{Min: decimal.NewFromInt(500), BaseStep: decimal.NewFromInt(25)},
			{Min: decimal.NewFromInt(1000), BaseStep: decimal.NewFromInt(40)},
			{Min: decimal.NewFromInt(2000), BaseStep: decimal.NewFromInt(75)},
		},

		TrustTierMultipliers: map[TrustTier]float64{
			TrustTierUntrusted: 0.5,
			TrustTierProbation: 0.75,
			TrustTierNeutral:   1.0,
			TrustTierReliable:  1.1,
			TrustTierProven:    1.2,
		},
		BehaviorMultipliers: map[BehaviorState]float64{
			BehaviorNormal:     1.0,
			BehaviorSuspect:    0.75,
			BehaviorRestricted: 0.5,
		},
		MinWeight:         0,
		MaxWeight:         1.25,
		AgeWeightFullDays: 365,
		AgeWeightFloor:    0.1,

		CapLowMaxBaseStep: decimal.NewFromInt(7),
		CapMidMaxBaseStep: decimal.NewFromInt(25),
		CapLow:            CapBounds{Min: 0.03, Max: 0.10},
		CapMid:            CapBounds{Min: 0.02, Max: 0.08},
		CapHigh:           CapBounds{Min: 0.01, Max: 0.06},

		XPPerVote: 10,
	}
}

// Validate reports the first inconsistency found in the configuration.
func (c Config) Validate() error {
	if c.FairRangePct < 0 || c.FairRangePct >= 1 {
		return fmt.Errorf("%w: fair_range_pct must be in [0,1)", ErrInvalidConfig)
	}
	if c.NFullConfidence <= 0 {
		return fmt.Errorf("%w: n_full_confidence must be positive", ErrInvalidConfig)
	}
	if c.EarlyRampWeightedLimit <= 0 {
		return fmt.Errorf("%w: early_ramp_weighted_limit must be positive", ErrInvalidConfig)
	}
	if c.AbsoluteCapDollars.IsNegative() {
		return fmt.Errorf("%w: absolute_cap_dollars must not be negative", ErrInvalidConfig)
	}
	if c.FreezeDurationDaysMin < 0 || c.FreezeDurationDaysMin > c.FreezeDurationDaysMax {
		return fmt.Errorf("%w: freeze duration range %d..%d", ErrInvalidConfig, c.FreezeDurationDaysMin, c.FreezeDurationDaysMax)
	}
	if c.MomentumMin > 0 || c.MomentumMax < 0 {
		return fmt.Errorf("%w: momentum range %d..%d must contain 0", ErrInvalidConfig, c.MomentumMin, c.MomentumMax)
	}
	if c.VoteCreditsMax < 1 {
		return fmt.Errorf("%w: vote_credits_max must be at least 1", ErrInvalidConfig)
	}
	if c.MinWeight > c.MaxWeight {
		return fmt.Errorf("%w: weight range %.2f..%.2f", ErrInvalidConfig, c.MinWeight, c.MaxWeight)
	}
	if c.AgeWeightFullDays <= 0 {
		return fmt.Errorf("%w: age_weight_full_days must be positive", ErrInvalidConfig)
	}
	if len(c.PriceTiers) == 0 {
		return fmt.Errorf("%w: price_tiers must not be empty", ErrInvalidConfig)
	}
	if !c.PriceTiers[0].Min.IsZero() {
		return fmt.Errorf("%w: first price tier must start at 0", ErrInvalidConfig)
	}
	for index := 1; index < len(c.PriceTiers); index++ {
		if !c.PriceTiers[index].Min.GreaterThan(c.PriceTiers[index-1].Min) {
			return fmt.Errorf("%w: price tiers must be strictly ascending", ErrInvalidConfig)
		}
	}
	for _, bounds := range []CapBounds{c.CapLow, c.CapMid, c.CapHigh} {
		if bounds.Min < 0 || bounds.Min > bounds.Max {
			return fmt.Errorf("%w: cap bounds %.3f..%.3f", ErrInvalidConfig, bounds.Min, bounds.Max)
		}
	}
	return nil
}
