package pricing

import (
	"fmt"
	"testing"
	"time"
)

// recentVotes builds newest-first votes spaced by gap, with overCount OVER votes at the front.
func recentVotes(total, overCount int, gap time.Duration, distinctIPs int) []RecentVote {
	newest := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	votes := make([]RecentVote, 0, total)
	for index := 0; index < total; index++ {
		voteType := VoteUnder
		if index < overCount {
			voteType = VoteOver
		}
		votes = append(votes, RecentVote{
			VoteType: voteType,
			IPHash:   fmt.Sprintf("ip-%d", index%distinctIPs),
			CastAt:   newest.Add(-time.Duration(index) * gap),
		})
	}
	return votes
}

func TestOrderAwarePassesFailsClosed(t *testing.T) {
	cfg := DefaultConfig()
	if OrderAwarePasses(cfg, DirectionUp, recentVotes(19, 19, time.Minute, 19)) {
		t.Fatalf("expected order-aware check to fail with fewer than 20 weighted votes")
	}
}

func TestOrderAwarePassesThresholds(t *testing.T) {
	cfg := DefaultConfig()
	if !OrderAwarePasses(cfg, DirectionUp, recentVotes(20, 13, time.Minute, 20)) {
		t.Fatalf("expected 10/10 and 13/20 OVER to pass")
	}
	if OrderAwarePasses(cfg, DirectionUp, recentVotes(20, 11, time.Minute, 20)) {
		t.Fatalf("expected 11/20 OVER to fail the long window")
	}
	if OrderAwarePasses(cfg, DirectionDown, recentVotes(20, 13, time.Minute, 20)) {
		t.Fatalf("expected UNDER direction to fail when OVER leads")
	}
}

func TestClusterDetected(t *testing.T) {
	cfg := DefaultConfig()
	if !ClusterDetected(cfg, recentVotes(20, 20, 5*time.Second, 2)) {
		t.Fatalf("expected tight burst from two fingerprints to be a cluster")
	}
	if ClusterDetected(cfg, recentVotes(20, 20, 5*time.Second, 3)) {
		t.Fatalf("expected three fingerprints to pass the cluster guard")
	}
	if ClusterDetected(cfg, recentVotes(20, 20, 10*time.Second, 1)) {
		t.Fatalf("expected votes spread over 90s to pass the cluster guard")
	}
	if ClusterDetected(cfg, recentVotes(9, 9, time.Second, 1)) {
		t.Fatalf("expected fewer than 10 votes to never count as a cluster")
	}
}

func TestCatchupEnabled(t *testing.T) {
	cfg := DefaultConfig()
	base := CatchupInput{
		Direction:     DirectionUp,
		WeightedTotal: 18,
		UniqueVoters:  14,
		DominantShare: 0.7,
		Recent:        recentVotes(20, 15, time.Minute, 20),
	}
	if !CatchupEnabled(cfg, base) {
		t.Fatalf("expected catch-up for broad, sustained, spread-out agreement")
	}

	lowUnique := base
	lowUnique.UniqueVoters = 11
	if CatchupEnabled(cfg, lowUnique) {
		t.Fatalf("expected catch-up to require unique voters")
	}

	clustered := base
	clustered.Recent = recentVotes(20, 15, time.Second, 1)
	if CatchupEnabled(cfg, clustered) {
		t.Fatalf("expected clustered votes to deny catch-up")
	}

	weakShare := base
	weakShare.DominantShare = 0.59
	if CatchupEnabled(cfg, weakShare) {
		t.Fatalf("expected catch-up to require a dominant share")
	}
}
