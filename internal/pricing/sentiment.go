package pricing

import "math"

// Sentiment holds the weighted shares of each vote type.
type Sentiment struct {
	PUnder float64
	PFair  float64
	POver  float64
}

// ComputeSentiment turns tallies into shares that sum to 1, or all zero when empty.
func ComputeSentiment(tallies Tallies) Sentiment {
	total := tallies.Total()
	if total <= 0 {
		return Sentiment{}
	}
	return Sentiment{
		PUnder: tallies.Under / total,
		PFair:  tallies.Fair / total,
		POver:  tallies.Over / total,
	}
}

// Confidence is min(1, weightedTotal / NFullConfidence).
func Confidence(cfg Config, weightedTotal float64) float64 {
	return volumeScore(cfg, weightedTotal)
}

// Reliability scores how trustworthy the tallies are. Volume is the only input for now.
func Reliability(cfg Config, weightedTotal float64) float64 {
	return volumeScore(cfg, weightedTotal)
}

func volumeScore(cfg Config, weightedTotal float64) float64 {
	if weightedTotal <= 0 || cfg.NFullConfidence <= 0 {
		return 0
	}
	return math.Min(1, weightedTotal/cfg.NFullConfidence)
}

// DominantDirection compares the OVER and UNDER shares; ties yield DirectionNone.
func DominantDirection(sentiment Sentiment) Direction {
	switch {
	case sentiment.POver > sentiment.PUnder:
		return DirectionUp
	case sentiment.PUnder > sentiment.POver:
		return DirectionDown
	default:
		return DirectionNone
	}
}

// DominantShare is max(p_under, p_over).
func DominantShare(sentiment Sentiment) float64 {
	return math.Max(sentiment.PUnder, sentiment.POver)
}
