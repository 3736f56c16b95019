package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/brickprice/internal/ledger"
	"github.com/MarcoPoloResearchLab/brickprice/internal/metrics"
	"github.com/MarcoPoloResearchLab/brickprice/internal/pricing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultBatchSize = 500

var (
	errMissingStore      = errors.New("aggregation: store is required")
	errMissingIDProvider = errors.New("aggregation: id provider is required")
	// ErrNoEvents indicates that a brick has no vote events to replay.
	ErrNoEvents = errors.New("aggregation: brick has no vote events")
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opWorkerNew    = "aggregation.worker.new"
	opRunPass      = "aggregation.run_pass"
	opProcessEvent = "aggregation.process_event"
	opReplay       = "aggregation.replay"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Outcome is what an event did to its brick.
type Outcome string

const (
	OutcomeSkippedStaleCycle Outcome = "skipped_stale_cycle"
	OutcomeSkippedFrozen     Outcome = "skipped_frozen"
	OutcomeTallied           Outcome = "tallied"
	OutcomeSuppressed        Outcome = "suppressed"
	OutcomeMoved             Outcome = "moved"
)

// Transition is a stability state change triggered by an event.
type Transition string

const (
	TransitionFreezeExited   Transition = "freeze_exited"
	TransitionRecheckEntered Transition = "recheck_entered"
	TransitionFreezeEntered  Transition = "freeze_entered"
	TransitionCycleReset     Transition = "cycle_reset"
)

// EventResult describes the effect of one event on its brick.
type EventResult struct {
	EventID       uint64
	BrickID       string
	Outcome       Outcome
	Direction     pricing.Direction
	Step          decimal.Decimal
	PreviousPrice decimal.Decimal
	LivePrice     decimal.Decimal
	Catchup       bool
	RecheckReason pricing.RecheckReason
	Transitions   []Transition
}

// WorkerConfig describes the dependencies of the aggregation worker.
type WorkerConfig struct {
	Store      ledger.Store
	Pricing    pricing.Config
	Clock      func() time.Time
	Random     pricing.RandomSource
	IDProvider ledger.IDProvider
	Metrics    *metrics.Recorder
	Logger     *zap.Logger
	BatchSize  int
}

// Worker folds vote events into brick price state.
type Worker struct {
	store      ledger.Store
	cfg        pricing.Config
	clock      func() time.Time
	random     pricing.RandomSource
	idProvider ledger.IDProvider
	metrics    *metrics.Recorder
	logger     *zap.Logger
	batchSize  int
}

// PassResult summarizes one pass over the event ledger.
type PassResult struct {
	Processed int
	Moved     int
	Skipped   int
	Failed    int
	Cursor    uint64
}

// NewWorker validates the configuration and constructs a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opWorkerNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opWorkerNew, "missing_id_provider", errMissingIDProvider)
	}
	if err := cfg.Pricing.Validate(); err != nil {
		return nil, newServiceError(opWorkerNew, "invalid_pricing", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	random := cfg.Random
	if random == nil {
		random = pricing.NewRandomSource()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Worker{
		store:      cfg.Store,
		cfg:        cfg.Pricing,
		clock:      clock,
		random:     random,
		idProvider: cfg.IDProvider,
		metrics:    cfg.Metrics,
		logger:     logger,
		batchSize:  batchSize,
	}, nil
}

// RunPass processes up to one batch of events after the worker cursor, one at a time in id order.
// A failing event is logged and skipped; the cursor still moves past it.
func (w *Worker) RunPass(ctx context.Context) (PassResult, error) {
	started := time.Now()
	defer func() {
		w.metrics.ObservePass(ledger.WorkerPriceAggregator, time.Since(started))
	}()

	cursor, err := w.store.Cursor(ctx, ledger.WorkerPriceAggregator)
	if err != nil {
		w.logError(opRunPass, "cursor_load_failed", err)
		return PassResult{}, newServiceError(opRunPass, "cursor_load_failed", err)
	}
	result := PassResult{Cursor: cursor}

	events, err := w.store.EventsAfter(ctx, cursor, w.batchSize)
	if err != nil {
		w.logError(opRunPass, "event_list_failed", err)
		return result, newServiceError(opRunPass, "event_list_failed", err)
	}

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		eventResult, err := w.ProcessEvent(ctx, event)
		switch {
		case err != nil:
			result.Failed++
			w.logError(opProcessEvent, "event_failed", err,
				zap.Uint64("event_id", event.ID),
				zap.String("brick_id", event.BrickID))
		case eventResult.Outcome == OutcomeMoved:
			result.Processed++
			result.Moved++
		case eventResult.Outcome == OutcomeSkippedStaleCycle || eventResult.Outcome == OutcomeSkippedFrozen:
			result.Processed++
			result.Skipped++
		default:
			result.Processed++
		}

		if err := w.store.SaveCursor(ctx, ledger.WorkerPriceAggregator, event.ID, w.clock().UTC()); err != nil {
			w.logError(opRunPass, "cursor_save_failed", err, zap.Uint64("event_id", event.ID))
			return result, newServiceError(opRunPass, "cursor_save_failed", err)
		}
		result.Cursor = event.ID
	}

	fields := []zap.Field{
		zap.Int("processed", result.Processed),
		zap.Int("moved", result.Moved),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Uint64("cursor", result.Cursor),
	}
	if len(events) > 0 {
		w.logger.Info("price aggregation pass complete", fields...)
	} else {
		w.logger.Debug("price aggregation pass idle", fields...)
	}
	return result, nil
}

// ProcessEvent applies one event to its brick's state and persists the result atomically.
func (w *Worker) ProcessEvent(ctx context.Context, event ledger.VoteEvent) (EventResult, error) {
	now := w.clock().UTC()
	var result EventResult
	err := w.store.WithinTransaction(ctx, func(tx ledger.Store) error {
		state, err := w.loadState(ctx, tx, event, now)
		if err != nil {
			return err
		}
		fold := foldContext{history: tx, now: now, random: w.random, ids: w.idProvider}
		result, err = w.apply(ctx, fold, &state, event)
		if err != nil {
			return err
		}
		if err := tx.SaveBrickState(ctx, &state); err != nil {
			return newServiceError(opProcessEvent, "state_save_failed", err)
		}
		return nil
	})
	if err != nil {
		return EventResult{}, err
	}
	w.record(result)
	return result, nil
}

// Replay recomputes a brick's state from its full event stream without persisting anything.
// Each event is evaluated at its own creation time, and cycle resets reuse the cycle ids
// recorded in the stream, so replaying the same events yields the same state.
func (w *Worker) Replay(ctx context.Context, brickID string, random pricing.RandomSource) (ledger.BrickPriceState, error) {
	events, err := w.store.BrickEvents(ctx, brickID)
	if err != nil {
		return ledger.BrickPriceState{}, newServiceError(opReplay, "event_list_failed", err)
	}
	if len(events) == 0 {
		return ledger.BrickPriceState{}, ErrNoEvents
	}
	if random == nil {
		random = w.random
	}

	first := events[0]
	state := ledger.NewBrickPriceState(brickID, first.LivePriceAtVote, first.CycleID, first.CreatedAt.UTC())
	ids := ledger.NewSequenceProvider(laterCycleIDs(events), w.idProvider)
	for _, event := range events {
		fold := foldContext{history: w.store, now: event.CreatedAt.UTC(), random: random, ids: ids}
		if _, err := w.apply(ctx, fold, &state, event); err != nil {
			return ledger.BrickPriceState{}, err
		}
	}
	return state, nil
}

type foldContext struct {
	history ledger.EventHistory
	now     time.Time
	random  pricing.RandomSource
	ids     ledger.IDProvider
}

func (w *Worker) loadState(ctx context.Context, tx ledger.Store, event ledger.VoteEvent, now time.Time) (ledger.BrickPriceState, error) {
	state, err := tx.LockBrickState(ctx, event.BrickID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.BrickPriceState{}, newServiceError(opProcessEvent, "state_load_failed", err)
	}
	state = ledger.NewBrickPriceState(event.BrickID, event.LivePriceAtVote, event.CycleID, now)
	if err := tx.CreateBrickState(ctx, &state); err != nil {
		return ledger.BrickPriceState{}, newServiceError(opProcessEvent, "state_create_failed", err)
	}
	return state, nil
}

// apply folds one event into state. Every read of the event stream is bounded by the
// event's id, which keeps the fold deterministic for a given event sequence.
func (w *Worker) apply(ctx context.Context, fold foldContext, state *ledger.BrickPriceState, event ledger.VoteEvent) (EventResult, error) {
	result := EventResult{
		EventID:       event.ID,
		BrickID:       event.BrickID,
		PreviousPrice: state.LivePrice,
		LivePrice:     state.LivePrice,
	}
	state.LastEventID = event.ID

	if event.CycleID != state.CurrentCycleID {
		result.Outcome = OutcomeSkippedStaleCycle
		return result, nil
	}
	if state.FreezeMode {
		result.Outcome = OutcomeSkippedFrozen
		snapshot, err := w.stabilitySnapshot(ctx, fold, state, event)
		if err != nil {
			return EventResult{}, err
		}
		w.checkFreezeExitAndRecheck(state, snapshot, fold.now, &result)
		return result, nil
	}

	tallies := pricing.Tallies{
		Under: state.WeightedUnder,
		Fair:  state.WeightedFair,
		Over:  state.WeightedOver,
	}.Add(pricing.VoteType(event.VoteType), event.UserWeightAtVote)
	state.WeightedUnder = tallies.Under
	state.WeightedFair = tallies.Fair
	state.WeightedOver = tallies.Over
	state.WeightedTotal = tallies.Total()
	state.WeightedSinceLastMove = pricing.AddWeight(state.WeightedSinceLastMove, event.UserWeightAtVote)

	sentiment := pricing.ComputeSentiment(tallies)
	state.PUnder = sentiment.PUnder
	state.PFair = sentiment.PFair
	state.POver = sentiment.POver
	state.Confidence = pricing.Confidence(w.cfg, state.WeightedTotal)
	state.Reliability = pricing.Reliability(w.cfg, state.WeightedTotal)
	state.LastPriceUpdate = timePointer(fold.now)

	direction := pricing.DominantDirection(sentiment)
	if !pricing.Eligible(w.cfg, state.WeightedTotal, state.WeightedSinceLastMove, state.FreezeMode) || direction == pricing.DirectionNone {
		result.Outcome = OutcomeTallied
		return result, nil
	}
	result.Direction = direction

	fair := pricing.Range{Lower: event.FairRangeLower, Upper: event.FairRangeUpper}
	anchor := pricing.Anchor(direction, fair)
	intensity := pricing.Intensity(sentiment, state.Confidence, event.BaseStepAtVote)

	uniqueVoters, err := fold.history.UniqueWeightedVoters(ctx, event.BrickID, state.CurrentCycleID, event.ID)
	if err != nil {
		return EventResult{}, newServiceError(opProcessEvent, "unique_voters_failed", err)
	}
	recent, err := w.recentVotes(ctx, fold.history, event, state.CurrentCycleID)
	if err != nil {
		return EventResult{}, err
	}
	result.Catchup = pricing.CatchupEnabled(w.cfg, pricing.CatchupInput{
		Direction:     direction,
		WeightedTotal: state.WeightedTotal,
		UniqueVoters:  uniqueVoters,
		DominantShare: pricing.DominantShare(sentiment),
		Recent:        recent,
	})

	result.Step = pricing.ApplyCaps(w.cfg, pricing.CapInput{
		RawStep:       intensity.RawStep,
		BaseStep:      event.BaseStepAtVote,
		Anchor:        anchor,
		WeightedTotal: state.WeightedTotal,
		Confidence:    state.Confidence,
		Catchup:       result.Catchup,
	})

	momentum := pricing.HandleMomentum(w.cfg, state.MomentumScore, direction)
	state.MomentumScore = momentum.Momentum
	if momentum.DidMove {
		state.LivePrice = pricing.NextPrice(anchor, direction, result.Step)
		state.WeightedSinceLastMove = 0
		result.Outcome = OutcomeMoved
	} else {
		result.Outcome = OutcomeSuppressed
	}

	snapshot, err := w.stabilitySnapshot(ctx, fold, state, event)
	if err != nil {
		return EventResult{}, err
	}
	enteredRecheck := w.checkFreezeExitAndRecheck(state, snapshot, fold.now, &result)

	if !snapshot.Frozen && !state.NeedsRecheck && pricing.ShouldEnterFreeze(w.cfg, sentiment, state.WeightedTotal) {
		state.FreezeMode = true
		state.FreezeUntil = timePointer(pricing.FreezeUntil(w.cfg, fold.now, fold.random))
		result.Transitions = append(result.Transitions, TransitionFreezeEntered)
	}

	if !snapshot.Frozen && !state.FreezeMode && !enteredRecheck &&
		pricing.ShouldResetCycle(w.cfg, state.WeightedTotal, uniqueVoters, state.LivePrice, state.CycleStartPrice) {
		if err := w.resetCycle(state, fold); err != nil {
			return EventResult{}, err
		}
		result.Transitions = append(result.Transitions, TransitionCycleReset)
	}

	result.LivePrice = state.LivePrice
	return result, nil
}

// stabilitySnapshot captures the state the stability rules evaluate. The last vote time is
// the vote before this event, so a long silence is visible to the weak participation rule.
func (w *Worker) stabilitySnapshot(ctx context.Context, fold foldContext, state *ledger.BrickPriceState, event ledger.VoteEvent) (pricing.StabilitySnapshot, error) {
	var lastVoteAt *time.Time
	if event.ID > 0 {
		previous, err := fold.history.LastEventAt(ctx, event.BrickID, event.ID-1)
		if err != nil {
			return pricing.StabilitySnapshot{}, newServiceError(opProcessEvent, "last_vote_failed", err)
		}
		lastVoteAt = previous
	}
	return pricing.StabilitySnapshot{
		Frozen:           state.FreezeMode,
		FreezeUntil:      state.FreezeUntil,
		NeedsRecheck:     state.NeedsRecheck,
		LastConfidenceAt: state.LastConfidenceAt,
		LastVoteAt:       lastVoteAt,
		WeightedTotal:    state.WeightedTotal,
		Sentiment: pricing.Sentiment{
			PUnder: state.PUnder,
			PFair:  state.PFair,
			POver:  state.POver,
		},
	}, nil
}

// checkFreezeExitAndRecheck applies the freeze exit and recheck entry rules against the same
// snapshot. Entering recheck always lifts a freeze. It reports whether recheck was entered.
func (w *Worker) checkFreezeExitAndRecheck(state *ledger.BrickPriceState, snapshot pricing.StabilitySnapshot, now time.Time, result *EventResult) bool {
	exitFreeze := pricing.ShouldExitFreeze(snapshot, now)
	reason := pricing.ShouldEnterRecheck(w.cfg, snapshot, now)
	enteredRecheck := reason != pricing.RecheckNone && !state.NeedsRecheck

	if state.FreezeMode && (exitFreeze || enteredRecheck) {
		state.FreezeMode = false
		state.FreezeUntil = nil
		result.Transitions = append(result.Transitions, TransitionFreezeExited)
	}
	if enteredRecheck {
		state.NeedsRecheck = true
		state.RecheckReason = string(reason)
		result.RecheckReason = reason
		result.Transitions = append(result.Transitions, TransitionRecheckEntered)
	}
	return enteredRecheck
}

func (w *Worker) resetCycle(state *ledger.BrickPriceState, fold foldContext) error {
	cycleID, err := fold.ids.NewID()
	if err != nil {
		return newServiceError(opProcessEvent, "cycle_id_failed", err)
	}
	if state.WeightedTotal >= w.cfg.NFullConfidence {
		state.LastHighConfidencePrice = decimal.NewNullDecimal(state.LivePrice)
		state.LastHighConfidenceVotes = state.WeightedTotal
		state.LastConfidenceAt = timePointer(fold.now)
	}

	state.CurrentCycleID = cycleID
	state.CycleStartedAt = fold.now
	state.CycleStartPrice = state.LivePrice
	state.WeightedUnder = 0
	state.WeightedFair = 0
	state.WeightedOver = 0
	state.WeightedTotal = 0
	state.WeightedSinceLastMove = 0
	state.PUnder = 0
	state.PFair = 0
	state.POver = 0
	state.Confidence = 0
	state.Reliability = 0
	state.MomentumScore = pricing.DecayMomentum(w.cfg, state.MomentumScore)
	state.NeedsRecheck = false
	state.RecheckReason = ""
	return nil
}

func (w *Worker) recentVotes(ctx context.Context, history ledger.EventHistory, event ledger.VoteEvent, cycleID string) ([]pricing.RecentVote, error) {
	events, err := history.RecentWeightedEvents(ctx, event.BrickID, cycleID, event.ID, pricing.RecentVoteWindow)
	if err != nil {
		return nil, newServiceError(opProcessEvent, "recent_votes_failed", err)
	}
	recent := make([]pricing.RecentVote, 0, len(events))
	for _, recentEvent := range events {
		recent = append(recent, pricing.RecentVote{
			VoteType: pricing.VoteType(recentEvent.VoteType),
			IPHash:   recentEvent.IPHash,
			CastAt:   recentEvent.CreatedAt,
		})
	}
	return recent, nil
}

func (w *Worker) record(result EventResult) {
	w.metrics.EventOutcome(string(result.Outcome))
	if result.Outcome == OutcomeMoved {
		w.metrics.PriceMoved(result.Direction.String())
		w.logger.Info("live price moved",
			zap.String("brick_id", result.BrickID),
			zap.Uint64("event_id", result.EventID),
			zap.String("direction", result.Direction.String()),
			zap.String("from", result.PreviousPrice.StringFixed(2)),
			zap.String("to", result.LivePrice.StringFixed(2)),
			zap.String("step", result.Step.String()),
			zap.Bool("catchup", result.Catchup))
	}
	for _, transition := range result.Transitions {
		w.metrics.StabilityTransition(string(transition))
		w.logger.Info("brick stability transition",
			zap.String("brick_id", result.BrickID),
			zap.Uint64("event_id", result.EventID),
			zap.String("transition", string(transition)),
			zap.String("recheck_reason", string(result.RecheckReason)))
	}
}

// laterCycleIDs lists the distinct cycle ids of the stream in first-seen order, without the first.
func laterCycleIDs(events []ledger.VoteEvent) []string {
	seen := make(map[string]struct{}, 4)
	ids := make([]string, 0, 4)
	for _, event := range events {
		if _, ok := seen[event.CycleID]; ok {
			continue
		}
		seen[event.CycleID] = struct{}{}
		ids = append(ids, event.CycleID)
	}
	if len(ids) == 0 {
		return nil
	}
	return ids[1:]
}

func timePointer(value time.Time) *time.Time {
	return &value
}

func (w *Worker) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	w.logger.Error("price aggregation error", attrs...)
}
