package pricing

import "time"

const (
	orderWindowShort = 10
	orderWindowLong  = 20
)

// RecentVoteWindow is how many of the newest weighted votes the catch-up gate needs.
const RecentVoteWindow = orderWindowLong

// RecentVote is a weighted vote from the current cycle as seen by the catch-up gate.
type RecentVote struct {
	VoteType VoteType
	IPHash   string
	CastAt   time.Time
}

// CatchupInput carries everything the catch-up gate inspects.
// Recent must be ordered newest first and hold only votes with weight > 0.
type CatchupInput struct {
	Direction     Direction
	WeightedTotal float64
	UniqueVoters  int
	DominantShare float64
	Recent        []RecentVote
}

// CatchupEnabled opens the relaxed cap path only for broad, sustained, uncoordinated agreement.
func CatchupEnabled(cfg Config, input CatchupInput) bool {
	if input.Direction == DirectionNone {
		return false
	}
	if input.WeightedTotal < cfg.CatchupMinWeightedTotal ||
		input.UniqueVoters < cfg.CatchupMinUniqueVoters ||
		input.DominantShare < cfg.CatchupMinDominantPct {
		return false
	}
	if !OrderAwarePasses(cfg, input.Direction, input.Recent) {
		return false
	}
	return !ClusterDetected(cfg, input.Recent)
}

// OrderAwarePasses requires the newest 10 and 20 weighted votes to lean toward direction
// by at least the configured shares. It fails closed when fewer votes exist.
func OrderAwarePasses(cfg Config, direction Direction, recent []RecentVote) bool {
	if len(recent) < orderWindowLong {
		return false
	}
	target := direction.VoteType()
	return shareOf(recent[:orderWindowShort], target) >= cfg.CatchupW10Threshold &&
		shareOf(recent[:orderWindowLong], target) >= cfg.CatchupW20Threshold
}

// ClusterDetected flags the newest 10 votes as coordinated when they landed inside the
// cluster window from at most CatchupClusterMaxIPs distinct client fingerprints.
func ClusterDetected(cfg Config, recent []RecentVote) bool {
	if len(recent) < orderWindowShort {
		return false
	}
	window := recent[:orderWindowShort]
	newest := window[0].CastAt
	oldest := window[len(window)-1].CastAt
	if newest.Sub(oldest) > cfg.CatchupClusterWindow {
		return false
	}

	distinct := make(map[string]struct{}, len(window))
	for _, vote := range window {
		if vote.IPHash == "" {
			continue
		}
		distinct[vote.IPHash] = struct{}{}
	}
	return len(distinct) <= cfg.CatchupClusterMaxIPs
}

func shareOf(votes []RecentVote, voteType VoteType) float64 {
	if len(votes) == 0 {
		return 0
	}
	matching := 0
	for _, vote := range votes {
		if vote.VoteType == voteType {
			matching++
		}
	}
	return float64(matching) / float64(len(votes))
}
