package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidVoteType indicates that a vote type is not one of UNDER, FAIR, OVER.
var ErrInvalidVoteType = errors.New("pricing: invalid vote type")

// VoteType enumerates the directional opinions a voter can cast.
type VoteType string

const (
	// VoteUnder claims the live price is too high.
	VoteUnder VoteType = "UNDER"
	// VoteFair claims the live price is about right.
	VoteFair VoteType = "FAIR"
	// VoteOver claims the live price is too low.
	VoteOver VoteType = "OVER"
)

// ParseVoteType validates raw input and returns a VoteType.
func ParseVoteType(rawInput string) (VoteType, error) {
	switch VoteType(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case VoteUnder:
		return VoteUnder, nil
	case VoteFair:
		return VoteFair, nil
	case VoteOver:
		return VoteOver, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidVoteType, rawInput)
	}
}

// Direction is the proposed price movement.
type Direction int

const (
	// DirectionNone means sentiment is tied and price holds.
	DirectionNone Direction = 0
	// DirectionUp moves price toward the upper fair bound.
	DirectionUp Direction = 1
	// DirectionDown moves price toward the lower fair bound.
	DirectionDown Direction = -1
)

// String renders the direction for logs and metrics labels.
func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "UP"
	case DirectionDown:
		return "DOWN"
	default:
		return "NONE"
	}
}

// VoteType returns the vote that argues for the direction.
func (d Direction) VoteType() VoteType {
	switch d {
	case DirectionUp:
		return VoteOver
	case DirectionDown:
		return VoteUnder
	default:
		return ""
	}
}

// TrustTier is the ordinal trust level assigned by the trust-management process.
type TrustTier int

const (
	TrustTierUntrusted TrustTier = 0
	TrustTierProbation TrustTier = 1
	TrustTierNeutral   TrustTier = 2
	TrustTierReliable  TrustTier = 3
	TrustTierProven    TrustTier = 4
)

// BehaviorState flags voters whose activity looks abusive.
type BehaviorState string

const (
	BehaviorNormal     BehaviorState = "NORMAL"
	BehaviorSuspect    BehaviorState = "SUSPECT"
	BehaviorRestricted BehaviorState = "RESTRICTED"
)

// Tallies holds the weighted vote counters for the current cycle.
type Tallies struct {
	Under float64
	Fair  float64
	Over  float64
}

// Total returns under+fair+over.
func (t Tallies) Total() float64 {
	return AddWeight(AddWeight(t.Under, t.Fair), t.Over)
}

// Add returns the tallies with weight added to the matching counter.
func (t Tallies) Add(voteType VoteType, weight float64) Tallies {
	switch voteType {
	case VoteUnder:
		t.Under = AddWeight(t.Under, weight)
	case VoteFair:
		t.Fair = AddWeight(t.Fair, weight)
	case VoteOver:
		t.Over = AddWeight(t.Over, weight)
	}
	return t
}

// WeightScale is the number of decimal places every weight and weighted tally is kept at.
const WeightScale = 6

// QuantizeWeight rounds a weight or tally to WeightScale decimal places.
func QuantizeWeight(value float64) float64 {
	return decimal.NewFromFloat(value).Round(WeightScale).InexactFloat64()
}

// AddWeight sums two weights in decimal and returns the quantized result,
// so long runs of small weights reach thresholds exactly.
func AddWeight(total, weight float64) float64 {
	sum := decimal.NewFromFloat(total).Add(decimal.NewFromFloat(weight))
	return sum.Round(WeightScale).InexactFloat64()
}
