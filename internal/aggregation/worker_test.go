package aggregation

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/brickprice/internal/database"
	"github.com/MarcoPoloResearchLab/brickprice/internal/ledger"
	"github.com/MarcoPoloResearchLab/brickprice/internal/pricing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var fixtureNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedRandom struct {
	value int
}

func (r fixedRandom) IntN(n int) int {
	if r.value >= n {
		return n - 1
	}
	return r.value
}

type fixture struct {
	store    *ledger.GormStore
	worker   *Worker
	intentID uint64
}

func newFixture(t *testing.T, nextCycleIDs ...string) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "aggregation.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := ledger.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	worker, err := NewWorker(WorkerConfig{
		Store:      store,
		Pricing:    pricing.DefaultConfig(),
		Clock:      func() time.Time { return fixtureNow },
		Random:     fixedRandom{value: 0},
		IDProvider: ledger.NewSequenceProvider(nextCycleIDs, nil),
	})
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	return &fixture{store: store, worker: worker}
}

// vote records an event the way enrichment would for a brick priced at price.
func (f *fixture) vote(t *testing.T, userID string, voteType pricing.VoteType, weight float64, price decimal.Decimal, cycleID string, castAt time.Time) ledger.VoteEvent {
	t.Helper()
	cfg := pricing.DefaultConfig()
	fair := pricing.FairRange(cfg, price)
	f.intentID++
	event := ledger.VoteEvent{
		UserID:           userID,
		BrickID:          "brick-1",
		VoteType:         string(voteType),
		LivePriceAtVote:  price,
		FairRangeLower:   fair.Lower,
		FairRangeUpper:   fair.Upper,
		BaseStepAtVote:   pricing.BaseStep(cfg, price),
		UserWeightAtVote: weight,
		CycleID:          cycleID,
		IPHash:           "ip-" + userID,
		VoteIntentID:     f.intentID,
		CreatedAt:        castAt,
	}
	if err := f.store.CreateEvent(context.Background(), &event); err != nil {
		t.Fatalf("create event failed: %v", err)
	}
	return event
}

func (f *fixture) seedState(t *testing.T, state ledger.BrickPriceState) {
	t.Helper()
	if err := f.store.CreateBrickState(context.Background(), &state); err != nil {
		t.Fatalf("seed state failed: %v", err)
	}
}

func (f *fixture) state(t *testing.T) ledger.BrickPriceState {
	t.Helper()
	state, err := f.store.BrickState(context.Background(), "brick-1")
	if err != nil {
		t.Fatalf("load state failed: %v", err)
	}
	return state
}

func (f *fixture) runPass(t *testing.T) PassResult {
	t.Helper()
	result, err := f.worker.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass failed: %v", err)
	}
	return result
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScenarioMovesPriceAfterEnoughWeight(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromInt(150)

	f.vote(t, "alice", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	f.vote(t, "bob", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	f.vote(t, "carol", pricing.VoteFair, 1, price, "cycle-1", fixtureNow)

	result := f.runPass(t)
	if result.Processed != 3 || result.Moved != 0 || result.Cursor != 3 {
		t.Fatalf("unexpected pass result: %+v", result)
	}
	state := f.state(t)
	if !state.LivePrice.Equal(price) || state.WeightedTotal != 3 {
		t.Fatalf("expected unchanged price with total 3, got %s / %.2f", state.LivePrice, state.WeightedTotal)
	}
	if !approx(state.POver, 2.0/3.0) || !approx(state.PFair, 1.0/3.0) || state.PUnder != 0 {
		t.Fatalf("unexpected sentiment: under=%f fair=%f over=%f", state.PUnder, state.PFair, state.POver)
	}
	if !approx(state.Confidence, 0.06) || !approx(state.Reliability, state.Confidence) {
		t.Fatalf("unexpected confidence %f reliability %f", state.Confidence, state.Reliability)
	}

	f.vote(t, "dave", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	f.vote(t, "erin", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)

	result = f.runPass(t)
	if result.Moved != 1 {
		t.Fatalf("expected exactly one move, got %+v", result)
	}
	state = f.state(t)
	if !state.LivePrice.Equal(decimal.RequireFromString("167.5")) {
		t.Fatalf("expected price 157.5 + 10 = 167.5, got %s", state.LivePrice)
	}
	if state.WeightedSinceLastMove != 0 || state.MomentumScore != 1 || state.LastEventID != 5 {
		t.Fatalf("unexpected post-move state: since=%f momentum=%d last_event=%d", state.WeightedSinceLastMove, state.MomentumScore, state.LastEventID)
	}
	if state.CurrentCycleID != "cycle-1" || state.FreezeMode || state.NeedsRecheck {
		t.Fatalf("expected no stability transition, got %+v", state)
	}

	moved := decimal.RequireFromString("167.5")
	for _, voter := range []string{"frank", "grace", "heidi"} {
		f.vote(t, voter, pricing.VoteOver, 1, moved, "cycle-1", fixtureNow)
	}
	f.runPass(t)
	state = f.state(t)
	if !state.LivePrice.Equal(moved) || state.WeightedSinceLastMove != 3 || state.WeightedTotal != 8 {
		t.Fatalf("expected held price with since-last-move 3, got %s / %f / %f", state.LivePrice, state.WeightedSinceLastMove, state.WeightedTotal)
	}
}

func TestProcessEventSkipsStaleCycle(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromInt(150)
	f.seedState(t, ledger.NewBrickPriceState("brick-1", price, "cycle-2", fixtureNow))

	event := f.vote(t, "alice", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	result, err := f.worker.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Outcome != OutcomeSkippedStaleCycle {
		t.Fatalf("expected stale cycle skip, got %s", result.Outcome)
	}
	state := f.state(t)
	if state.WeightedTotal != 0 || state.LastEventID != event.ID {
		t.Fatalf("expected untouched tallies and recorded event id, got %+v", state)
	}
}

func TestProcessEventSkipsFrozenBrick(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromInt(150)
	state := ledger.NewBrickPriceState("brick-1", price, "cycle-1", fixtureNow)
	state.FreezeMode = true
	state.FreezeUntil = timePointer(fixtureNow.AddDate(0, 0, 10))
	state.WeightedFair = 12
	state.WeightedTotal = 12
	f.seedState(t, state)

	event := f.vote(t, "alice", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	result, err := f.worker.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Outcome != OutcomeSkippedFrozen || len(result.Transitions) != 0 {
		t.Fatalf("expected frozen skip without transitions, got %+v", result)
	}
	stored := f.state(t)
	if !stored.FreezeMode || stored.WeightedTotal != 12 || stored.WeightedOver != 0 {
		t.Fatalf("expected frozen state with untouched tallies, got %+v", stored)
	}
}

func TestProcessEventLiftsExpiredFreezeIntoRecheck(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromInt(150)
	state := ledger.NewBrickPriceState("brick-1", price, "cycle-1", fixtureNow.AddDate(0, 0, -40))
	state.FreezeMode = true
	state.FreezeUntil = timePointer(fixtureNow.AddDate(0, 0, -1))
	f.seedState(t, state)

	event := f.vote(t, "alice", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	result, err := f.worker.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Outcome != OutcomeSkippedFrozen || result.RecheckReason != pricing.RecheckFreezeExpired {
		t.Fatalf("expected freeze_expired recheck, got %+v", result)
	}
	if len(result.Transitions) != 2 || result.Transitions[0] != TransitionFreezeExited || result.Transitions[1] != TransitionRecheckEntered {
		t.Fatalf("unexpected transitions: %v", result.Transitions)
	}
	stored := f.state(t)
	if stored.FreezeMode || stored.FreezeUntil != nil || !stored.NeedsRecheck || stored.RecheckReason != string(pricing.RecheckFreezeExpired) {
		t.Fatalf("expected unfrozen brick in recheck, got %+v", stored)
	}
	if stored.WeightedTotal != 0 {
		t.Fatalf("expected the triggering event to stay untallied, got %f", stored.WeightedTotal)
	}
}

func TestProcessEventEntersFreezeWhenFairDominates(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromInt(150)
	state := ledger.NewBrickPriceState("brick-1", price, "cycle-1", fixtureNow)
	state.WeightedFair = 11
	state.WeightedOver = 4
	state.WeightedUnder = 4
	state.WeightedTotal = 19
	state.WeightedSinceLastMove = 4
	f.seedState(t, state)

	event := f.vote(t, "alice", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	result, err := f.worker.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Outcome != OutcomeMoved || result.Direction != pricing.DirectionUp {
		t.Fatalf("expected an upward move, got %+v", result)
	}
	if len(result.Transitions) != 1 || result.Transitions[0] != TransitionFreezeEntered {
		t.Fatalf("expected freeze entry, got %v", result.Transitions)
	}
	stored := f.state(t)
	if !stored.FreezeMode || stored.FreezeUntil == nil || !stored.FreezeUntil.Equal(fixtureNow.AddDate(0, 0, 14)) {
		t.Fatalf("expected 14 day freeze, got %+v", stored.FreezeUntil)
	}
	if stored.CurrentCycleID != "cycle-1" {
		t.Fatalf("expected frozen brick to keep its cycle, got %s", stored.CurrentCycleID)
	}
}

func TestProcessEventResetsCycleAfterDrift(t *testing.T) {
	f := newFixture(t, "cycle-2")
	price := decimal.NewFromInt(150)
	state := ledger.NewBrickPriceState("brick-1", price, "cycle-1", fixtureNow)
	state.BaselinePrice = decimal.NewFromInt(140)
	state.CycleStartPrice = decimal.NewFromInt(140)
	state.WeightedOver = 15
	state.WeightedFair = 2
	state.WeightedUnder = 2
	state.WeightedTotal = 19
	state.WeightedSinceLastMove = 4
	f.seedState(t, state)

	event := f.vote(t, "alice", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	result, err := f.worker.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Outcome != OutcomeMoved || len(result.Transitions) != 1 || result.Transitions[0] != TransitionCycleReset {
		t.Fatalf("expected move followed by cycle reset, got %+v", result)
	}
	stored := f.state(t)
	if stored.CurrentCycleID != "cycle-2" || !stored.CycleStartPrice.Equal(decimal.RequireFromString("167.5")) {
		t.Fatalf("expected new cycle starting at 167.5, got %s at %s", stored.CurrentCycleID, stored.CycleStartPrice)
	}
	if stored.WeightedTotal != 0 || stored.WeightedSinceLastMove != 0 || stored.POver != 0 || stored.Confidence != 0 || stored.Reliability != 0 {
		t.Fatalf("expected zeroed tallies after reset, got %+v", stored)
	}
	if stored.MomentumScore != 0 {
		t.Fatalf("expected momentum decayed back to 0, got %d", stored.MomentumScore)
	}
	if stored.LastHighConfidencePrice.Valid {
		t.Fatalf("expected no confidence snapshot below full confidence")
	}

	stale := f.vote(t, "bob", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	skipped, err := f.worker.ProcessEvent(context.Background(), stale)
	if err != nil || skipped.Outcome != OutcomeSkippedStaleCycle {
		t.Fatalf("expected vote from the old cycle to be skipped, got %+v (%v)", skipped, err)
	}
}

func TestProcessEventSuppressesReversalAgainstMomentum(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromInt(150)
	state := ledger.NewBrickPriceState("brick-1", price, "cycle-1", fixtureNow)
	state.MomentumScore = 1
	state.WeightedUnder = 4
	state.WeightedTotal = 4
	state.WeightedSinceLastMove = 4
	f.seedState(t, state)

	event := f.vote(t, "alice", pricing.VoteUnder, 1, price, "cycle-1", fixtureNow)
	result, err := f.worker.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Outcome != OutcomeSuppressed {
		t.Fatalf("expected suppressed move, got %s", result.Outcome)
	}
	stored := f.state(t)
	if !stored.LivePrice.Equal(price) || stored.MomentumScore != 0 || stored.WeightedSinceLastMove != 5 {
		t.Fatalf("expected held price and spent momentum, got %s / %d / %f", stored.LivePrice, stored.MomentumScore, stored.WeightedSinceLastMove)
	}
}

func TestProcessEventEnablesCatchupForBroadAgreement(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromInt(150)
	state := ledger.NewBrickPriceState("brick-1", price, "cycle-1", fixtureNow)
	state.CycleStartPrice = decimal.RequireFromString("167.5")
	state.WeightedOver = 19
	state.WeightedTotal = 19
	state.WeightedSinceLastMove = 4
	f.seedState(t, state)

	var last ledger.VoteEvent
	for index := 0; index < 20; index++ {
		castAt := fixtureNow.Add(time.Duration(index-20) * time.Minute)
		last = f.vote(t, fmt.Sprintf("voter-%02d", index), pricing.VoteOver, 1, price, "cycle-1", castAt)
	}
	result, err := f.worker.ProcessEvent(context.Background(), last)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if !result.Catchup || result.Outcome != OutcomeMoved {
		t.Fatalf("expected catch-up move, got %+v", result)
	}
	if !result.Step.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected base step floor of 10, got %s", result.Step)
	}
}

func TestReplayMatchesLiveStateAndIsDeterministic(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromInt(150)
	moved := decimal.RequireFromString("167.5")

	for _, vote := range []struct {
		user  string
		vote  pricing.VoteType
		price decimal.Decimal
	}{
		{"alice", pricing.VoteOver, price},
		{"bob", pricing.VoteOver, price},
		{"carol", pricing.VoteFair, price},
		{"dave", pricing.VoteOver, price},
		{"erin", pricing.VoteOver, price},
		{"frank", pricing.VoteUnder, moved},
		{"grace", pricing.VoteOver, moved},
	} {
		f.vote(t, vote.user, vote.vote, 1, vote.price, "cycle-1", fixtureNow)
	}
	f.runPass(t)
	live := f.state(t)

	first, err := f.worker.Replay(context.Background(), "brick-1", fixedRandom{value: 0})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	second, err := f.worker.Replay(context.Background(), "brick-1", fixedRandom{value: 0})
	if err != nil {
		t.Fatalf("second replay failed: %v", err)
	}

	for label, replayed := range map[string]ledger.BrickPriceState{"first": first, "second": second} {
		if !replayed.LivePrice.Equal(live.LivePrice) ||
			replayed.CurrentCycleID != live.CurrentCycleID ||
			replayed.WeightedTotal != live.WeightedTotal ||
			replayed.WeightedSinceLastMove != live.WeightedSinceLastMove ||
			replayed.MomentumScore != live.MomentumScore ||
			replayed.LastEventID != live.LastEventID ||
			!approx(replayed.POver, live.POver) {
			t.Fatalf("%s replay diverged from live state:\nlive=%+v\nreplay=%+v", label, live, replayed)
		}
	}

	if _, err := f.worker.Replay(context.Background(), "unknown", nil); err != ErrNoEvents {
		t.Fatalf("expected ErrNoEvents, got %v", err)
	}
}

func TestRunPassMovesAfterManySmallWeights(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromInt(150)
	for index := 0; index < 100; index++ {
		castAt := fixtureNow.Add(time.Duration(index-100) * time.Second)
		f.vote(t, fmt.Sprintf("voter-%03d", index), pricing.VoteOver, 0.05, price, "cycle-1", castAt)
	}

	result := f.runPass(t)
	if result.Processed != 100 || result.Moved != 1 {
		t.Fatalf("expected one move after 100 small votes, got %+v", result)
	}
	stored := f.state(t)
	if stored.WeightedTotal != 5 || stored.WeightedOver != 5 {
		t.Fatalf("expected weighted total of exactly 5, got %v / %v", stored.WeightedTotal, stored.WeightedOver)
	}
	if stored.WeightedSinceLastMove != 0 {
		t.Fatalf("expected since-last-move reset by the move, got %v", stored.WeightedSinceLastMove)
	}
	if !stored.LivePrice.GreaterThan(price) {
		t.Fatalf("expected price above %s, got %s", price, stored.LivePrice)
	}
}

func TestProcessEventRecheckOnMoveBlocksCycleReset(t *testing.T) {
	f := newFixture(t, "cycle-2")
	price := decimal.NewFromInt(150)
	state := ledger.NewBrickPriceState("brick-1", price, "cycle-1", fixtureNow)
	state.BaselinePrice = decimal.NewFromInt(140)
	state.CycleStartPrice = decimal.NewFromInt(140)
	state.WeightedOver = 7
	state.WeightedUnder = 7
	state.WeightedFair = 5
	state.WeightedTotal = 19
	state.WeightedSinceLastMove = 4
	f.seedState(t, state)

	// Enough distinct voters in the cycle that drift alone would reset it.
	for index := 0; index < 14; index++ {
		castAt := fixtureNow.Add(time.Duration(index-14) * time.Minute)
		f.vote(t, fmt.Sprintf("voter-%02d", index), pricing.VoteFair, 1, price, "cycle-1", castAt)
	}
	event := f.vote(t, "alice", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	result, err := f.worker.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Outcome != OutcomeMoved || result.Direction != pricing.DirectionUp {
		t.Fatalf("expected an upward move, got %+v", result)
	}
	if len(result.Transitions) != 1 || result.Transitions[0] != TransitionRecheckEntered {
		t.Fatalf("expected only recheck entry, got %v", result.Transitions)
	}
	if result.RecheckReason != pricing.RecheckConflictingSignals {
		t.Fatalf("expected conflicting_signals, got %q", result.RecheckReason)
	}
	stored := f.state(t)
	if stored.CurrentCycleID != "cycle-1" || !stored.CycleStartPrice.Equal(decimal.NewFromInt(140)) {
		t.Fatalf("expected cycle to survive recheck entry, got %s at %s", stored.CurrentCycleID, stored.CycleStartPrice)
	}
	if stored.FreezeMode || stored.FreezeUntil != nil {
		t.Fatalf("expected no freeze, got %+v", stored.FreezeUntil)
	}
	if !stored.NeedsRecheck || stored.RecheckReason != string(pricing.RecheckConflictingSignals) {
		t.Fatalf("expected brick flagged for recheck, got %+v", stored)
	}
	if stored.WeightedTotal != 20 {
		t.Fatalf("expected tallies kept, got %v", stored.WeightedTotal)
	}
}

func TestProcessEventRecheckOnMoveBlocksFreezeEntry(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromInt(150)
	state := ledger.NewBrickPriceState("brick-1", price, "cycle-1", fixtureNow)
	state.WeightedFair = 11
	state.WeightedOver = 4
	state.WeightedUnder = 4
	state.WeightedTotal = 19
	state.WeightedSinceLastMove = 4
	state.LastConfidenceAt = timePointer(fixtureNow.AddDate(0, 0, -30))
	f.seedState(t, state)

	event := f.vote(t, "alice", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	result, err := f.worker.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Outcome != OutcomeMoved {
		t.Fatalf("expected a move, got %+v", result)
	}
	if len(result.Transitions) != 1 || result.Transitions[0] != TransitionRecheckEntered || result.RecheckReason != pricing.RecheckStaleConfidence {
		t.Fatalf("expected stale_confidence recheck without freeze, got %v (%q)", result.Transitions, result.RecheckReason)
	}
	stored := f.state(t)
	if stored.FreezeMode || stored.FreezeUntil != nil {
		t.Fatalf("expected recheck to keep the brick unfrozen, got %+v", stored.FreezeUntil)
	}
}

func TestProcessEventPendingRecheckBlocksFreezeEntry(t *testing.T) {
	f := newFixture(t)
	price := decimal.NewFromInt(150)
	state := ledger.NewBrickPriceState("brick-1", price, "cycle-1", fixtureNow)
	state.WeightedFair = 11
	state.WeightedOver = 4
	state.WeightedUnder = 4
	state.WeightedTotal = 19
	state.WeightedSinceLastMove = 4
	state.NeedsRecheck = true
	state.RecheckReason = string(pricing.RecheckConflictingSignals)
	f.seedState(t, state)

	event := f.vote(t, "alice", pricing.VoteOver, 1, price, "cycle-1", fixtureNow)
	result, err := f.worker.ProcessEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if result.Outcome != OutcomeMoved {
		t.Fatalf("expected a move, got %+v", result)
	}
	if len(result.Transitions) != 0 {
		t.Fatalf("expected no transitions while recheck is pending, got %v", result.Transitions)
	}
	stored := f.state(t)
	if stored.FreezeMode || stored.FreezeUntil != nil {
		t.Fatalf("expected pending recheck to block freeze, got %+v", stored.FreezeUntil)
	}
	if !stored.NeedsRecheck || stored.RecheckReason != string(pricing.RecheckConflictingSignals) || stored.CurrentCycleID != "cycle-1" {
		t.Fatalf("expected recheck and cycle unchanged, got %+v", stored)
	}
}
