package pricing

import (
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
)

// RandomSource draws uniform integers in [0, n).
type RandomSource interface {
	IntN(n int) int
}

type globalRandom struct{}

// NewRandomSource returns a RandomSource backed by the runtime's shared generator.
func NewRandomSource() RandomSource {
	return globalRandom{}
}

func (globalRandom) IntN(n int) int {
	return rand.IntN(n)
}

// RecheckReason names the condition that put a brick into recheck.
type RecheckReason string

const (
	RecheckNone               RecheckReason = ""
	RecheckStaleConfidence    RecheckReason = "stale_confidence"
	RecheckFreezeExpired      RecheckReason = "freeze_expired"
	RecheckWeakParticipation  RecheckReason = "weak_participation"
	RecheckConflictingSignals RecheckReason = "conflicting_signals"
)

// StabilitySnapshot is the slice of brick state the stability rules read.
type StabilitySnapshot struct {
	Frozen           bool
	FreezeUntil      *time.Time
	NeedsRecheck     bool
	LastConfidenceAt *time.Time
	LastVoteAt       *time.Time
	WeightedTotal    float64
	Sentiment        Sentiment
}

// ShouldExitFreeze is true for a frozen brick that needs recheck or whose window has passed.
func ShouldExitFreeze(snapshot StabilitySnapshot, now time.Time) bool {
	if !snapshot.Frozen {
		return false
	}
	if snapshot.NeedsRecheck {
		return true
	}
	return freezeExpired(snapshot, now)
}

// ShouldEnterRecheck returns the first matching recheck condition, or RecheckNone.
func ShouldEnterRecheck(cfg Config, snapshot StabilitySnapshot, now time.Time) RecheckReason {
	if snapshot.LastConfidenceAt != nil && now.Sub(*snapshot.LastConfidenceAt) > cfg.StaleConfidenceAfter {
		return RecheckStaleConfidence
	}
	if snapshot.Frozen && freezeExpired(snapshot, now) {
		return RecheckFreezeExpired
	}
	if snapshot.LastVoteAt != nil &&
		now.Sub(*snapshot.LastVoteAt) > cfg.WeakParticipationAfter &&
		snapshot.WeightedTotal < cfg.WeakParticipationMaxWeighted {
		return RecheckWeakParticipation
	}
	sentiment := snapshot.Sentiment
	if sentiment.PFair < cfg.ConflictMaxFair && sentiment.PUnder > cfg.ConflictMinSide && sentiment.POver > cfg.ConflictMinSide {
		return RecheckConflictingSignals
	}
	return RecheckNone
}

// ShouldEnterFreeze is true once FAIR dominates a sufficiently large tally.
func ShouldEnterFreeze(cfg Config, sentiment Sentiment, weightedTotal float64) bool {
	return sentiment.PFair >= cfg.FreezeFairPct && weightedTotal >= cfg.FreezeMinWeightedTotal
}

// FreezeUntil draws a whole number of days in [FreezeDurationDaysMin, FreezeDurationDaysMax].
func FreezeUntil(cfg Config, now time.Time, random RandomSource) time.Time {
	days := cfg.FreezeDurationDaysMin
	if span := cfg.FreezeDurationDaysMax - cfg.FreezeDurationDaysMin + 1; span > 1 {
		days += random.IntN(span)
	}
	return now.AddDate(0, 0, days)
}

// ShouldResetCycle is true after a large enough drift from the cycle start price,
// backed by either enough weight or enough distinct voters.
func ShouldResetCycle(cfg Config, weightedTotal float64, uniqueVoters int, livePrice, cycleStartPrice decimal.Decimal) bool {
	if cycleStartPrice.IsZero() {
		return false
	}
	drift := livePrice.Sub(cycleStartPrice).Abs().Div(cycleStartPrice)
	if drift.LessThan(decimal.NewFromFloat(cfg.CycleResetMovePct)) {
		return false
	}
	return weightedTotal >= cfg.CycleResetMinWeighted || uniqueVoters >= cfg.CycleResetMinUnique
}

func freezeExpired(snapshot StabilitySnapshot, now time.Time) bool {
	return snapshot.FreezeUntil != nil && now.After(*snapshot.FreezeUntil)
}
