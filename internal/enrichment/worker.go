package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/brickprice/internal/credits"
	"github.com/MarcoPoloResearchLab/brickprice/internal/ledger"
	"github.com/MarcoPoloResearchLab/brickprice/internal/metrics"
	"github.com/MarcoPoloResearchLab/brickprice/internal/pricing"
	"github.com/MarcoPoloResearchLab/brickprice/internal/users"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 100
	maxRejectReasonLen = 512
	rejectReasonError  = "error"
)

var (
	errMissingStore      = errors.New("enrichment: store is required")
	errMissingAccounts   = errors.New("enrichment: account source is required")
	errMissingCredits    = errors.New("enrichment: credit service is required")
	errMissingIDProvider = errors.New("enrichment: id provider is required")
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
	opWorkerNew     = "enrichment.worker.new"
	opRunPass       = "enrichment.run_pass"
	opProcessIntent = "enrichment.process_intent"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// AccountSource resolves the voter account projection.
type AccountSource interface {
	Account(ctx context.Context, userID string) (users.Account, error)
}

// WorkerConfig describes the dependencies of the enrichment worker.
type WorkerConfig struct {
	Store      ledger.Store
	Accounts   AccountSource
	Credits    *credits.Service
	Pricing    pricing.Config
	Clock      func() time.Time
	IDProvider ledger.IDProvider
	Metrics    *metrics.Recorder
	Logger     *zap.Logger
	BatchSize  int
}

// Worker turns PENDING vote intents into weighted vote events.
type Worker struct {
	store      ledger.Store
	accounts   AccountSource
	credits    *credits.Service
	cfg        pricing.Config
	clock      func() time.Time
	idProvider ledger.IDProvider
	metrics    *metrics.Recorder
	logger     *zap.Logger
	batchSize  int
}

// PassResult summarizes one pass over the intent queue.
type PassResult struct {
	Processed int
	Rejected  int
	Failed    int
	Cursor    uint64
}

// Handled is the number of intents that reached a terminal status.
func (r PassResult) Handled() int {
	return r.Processed + r.Rejected + r.Failed
}

// NewWorker validates the configuration and constructs a Worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opWorkerNew, "missing_store", errMissingStore)
	}
	if cfg.Accounts == nil {
		return nil, newServiceError(opWorkerNew, "missing_accounts", errMissingAccounts)
	}
	if cfg.Credits == nil {
		return nil, newServiceError(opWorkerNew, "missing_credits", errMissingCredits)
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
		accounts:   cfg.Accounts,
		credits:    cfg.Credits,
		cfg:        cfg.Pricing,
		clock:      clock,
		idProvider: cfg.IDProvider,
		metrics:    cfg.Metrics,
		logger:     logger,
		batchSize:  batchSize,
	}, nil
}

// RunPass processes up to one batch of pending intents after the worker cursor.
// The cursor advances past every intent, whatever its outcome.
func (w *Worker) RunPass(ctx context.Context) (PassResult, error) {
	started := time.Now()
	defer func() {
		w.metrics.ObservePass(ledger.WorkerVoteEnricher, time.Since(started))
	}()

	cursor, err := w.store.Cursor(ctx, ledger.WorkerVoteEnricher)
	if err != nil {
		w.logError(opRunPass, "cursor_load_failed", err)
		return PassResult{}, newServiceError(opRunPass, "cursor_load_failed", err)
	}
	result := PassResult{Cursor: cursor}

	intents, err := w.store.PendingIntents(ctx, cursor, w.batchSize)
	if err != nil {
		w.logError(opRunPass, "intent_list_failed", err)
		return result, newServiceError(opRunPass, "intent_list_failed", err)
	}

	for _, intent := range intents {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		w.handleIntent(ctx, intent, &result)

		if err := w.store.SaveCursor(ctx, ledger.WorkerVoteEnricher, intent.ID, w.clock().UTC()); err != nil {
			w.logError(opRunPass, "cursor_save_failed", err, zap.Uint64("intent_id", intent.ID))
			return result, newServiceError(opRunPass, "cursor_save_failed", err)
		}
		result.Cursor = intent.ID
	}

	fields := []zap.Field{
		zap.Int("processed", result.Processed),
		zap.Int("rejected", result.Rejected),
		zap.Int("failed", result.Failed),
		zap.Uint64("cursor", result.Cursor),
	}
	if result.Handled() > 0 {
		w.logger.Info("vote enrichment pass complete", fields...)
	} else {
		w.logger.Debug("vote enrichment pass idle", fields...)
	}
	return result, nil
}

func (w *Worker) handleIntent(ctx context.Context, intent ledger.VoteIntent, result *PassResult) {
	err := w.processIntent(ctx, intent)
	if err == nil {
		result.Processed++
		w.metrics.IntentProcessed()
		return
	}

	now := w.clock().UTC()
	if errors.Is(err, credits.ErrNoCredits) {
		result.Rejected++
		w.metrics.IntentRejected(ledger.RejectReasonNoCredits)
		if markErr := w.store.MarkIntentRejected(ctx, intent.ID, ledger.RejectReasonNoCredits, now); markErr != nil {
			w.logError(opProcessIntent, "reject_write_failed", markErr, zap.Uint64("intent_id", intent.ID))
		}
		return
	}

	result.Failed++
	w.metrics.IntentRejected(rejectReasonError)
	w.logError(opProcessIntent, "intent_failed", err,
		zap.Uint64("intent_id", intent.ID),
		zap.String("user_id", intent.UserID),
		zap.String("brick_id", intent.BrickID))
	if markErr := w.store.MarkIntentRejected(ctx, intent.ID, rejectReason(err), now); markErr != nil {
		w.logError(opProcessIntent, "reject_write_failed", markErr, zap.Uint64("intent_id", intent.ID))
	}
}

func (w *Worker) processIntent(ctx context.Context, intent ledger.VoteIntent) error {
	voteType, err := pricing.ParseVoteType(intent.VoteType)
	if err != nil {
		return newServiceError(opProcessIntent, "invalid_vote_type", err)
	}
	account, err := w.accounts.Account(ctx, intent.UserID)
	if err != nil {
		return newServiceError(opProcessIntent, "account_lookup_failed", err)
	}
	now := w.clock().UTC()

	return w.store.WithinTransaction(ctx, func(tx ledger.Store) error {
		identity, err := w.loadIdentity(ctx, tx, intent.UserID, account, now)
		if err != nil {
			return err
		}
		state, err := w.loadBrickState(ctx, tx, intent.BrickID, now)
		if err != nil {
			return err
		}

		fair := pricing.FairRange(w.cfg, state.LivePrice)
		baseStep := pricing.BaseStep(w.cfg, state.LivePrice)
		weight := pricing.Weight(w.cfg, pricing.WeightInput{
			Verified:   identity.EmailVerified,
			AccountAge: account.Age(now),
			TrustTier:  pricing.TrustTier(identity.TrustTier),
			Behavior:   pricing.BehaviorState(identity.BehaviorState),
		})

		if identity.EmailVerified {
			regain, err := w.credits.CheckRegain(ctx, tx, intent.UserID, intent.BrickID, state.LivePrice, state.NeedsRecheck)
			if err != nil {
				return newServiceError(opProcessIntent, "credit_regain_failed", err)
			}
			if regain != credits.RegainNone {
				w.logger.Debug("vote credit regained",
					zap.String("user_id", intent.UserID),
					zap.String("brick_id", intent.BrickID),
					zap.String("kind", string(regain)))
			}
			if _, err := w.credits.Consume(ctx, tx, intent.UserID, intent.BrickID, state.LivePrice, state.CurrentCycleID); err != nil {
				if errors.Is(err, credits.ErrNoCredits) {
					return err
				}
				return newServiceError(opProcessIntent, "credit_consume_failed", err)
			}
		}

		event := ledger.VoteEvent{
			UserID:           intent.UserID,
			BrickID:          intent.BrickID,
			VoteType:         string(voteType),
			LivePriceAtVote:  state.LivePrice,
			FairRangeLower:   fair.Lower,
			FairRangeUpper:   fair.Upper,
			BaseStepAtVote:   baseStep,
			UserWeightAtVote: weight,
			CycleID:          state.CurrentCycleID,
			IPHash:           intent.IPHash,
			UserAgent:        intent.UserAgent,
			SessionID:        intent.SessionID,
			VoteIntentID:     intent.ID,
			CreatedAt:        now,
		}
		if err := tx.CreateEvent(ctx, &event); err != nil {
			return newServiceError(opProcessIntent, "event_create_failed", err)
		}

		if identity.EmailVerified {
			xp := ledger.XPEvent{
				UserID:      intent.UserID,
				VoteEventID: event.ID,
				BrickID:     intent.BrickID,
				Amount:      w.cfg.XPPerVote,
				Reason:      ledger.XPReasonVote,
				CreatedAt:   now,
			}
			if err := tx.CreateXPEvent(ctx, &xp); err != nil {
				return newServiceError(opProcessIntent, "xp_create_failed", err)
			}
		}

		if err := tx.MarkIntentProcessed(ctx, intent.ID, event.ID, now); err != nil {
			return newServiceError(opProcessIntent, "intent_update_failed", err)
		}
		return nil
	})
}

// loadIdentity returns the voter's identity state, creating it on first vote. A verified
// account promotes an unverified identity; verification is never revoked here.
func (w *Worker) loadIdentity(ctx context.Context, tx ledger.Store, userID string, account users.Account, now time.Time) (ledger.UserIdentityState, error) {
	identity, err := tx.IdentityState(ctx, userID)
	if errors.Is(err, ledger.ErrNotFound) {
		identity = ledger.UserIdentityState{
			UserID:        userID,
			EmailVerified: account.Verified(),
			TrustTier:     int(pricing.TrustTierUntrusted),
			BehaviorState: string(pricing.BehaviorNormal),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.CreateIdentityState(ctx, &identity); err != nil {
			return ledger.UserIdentityState{}, newServiceError(opProcessIntent, "identity_create_failed", err)
		}
		return identity, nil
	}
	if err != nil {
		return ledger.UserIdentityState{}, newServiceError(opProcessIntent, "identity_load_failed", err)
	}
	if !identity.EmailVerified && account.Verified() {
		identity.EmailVerified = true
		identity.UpdatedAt = now
		if err := tx.SaveIdentityState(ctx, &identity); err != nil {
			return ledger.UserIdentityState{}, newServiceError(opProcessIntent, "identity_update_failed", err)
		}
	}
	return identity, nil
}

// loadBrickState returns the brick's state, seeding it from the latest daily close when absent.
func (w *Worker) loadBrickState(ctx context.Context, tx ledger.Store, brickID string, now time.Time) (ledger.BrickPriceState, error) {
	state, err := tx.LockBrickState(ctx, brickID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.BrickPriceState{}, newServiceError(opProcessIntent, "brick_state_load_failed", err)
	}

	seedPrice := decimal.Zero
	history, err := tx.LatestHistory(ctx, brickID)
	switch {
	case err == nil:
		seedPrice = history.ClosePrice
	case !errors.Is(err, ledger.ErrNotFound):
		return ledger.BrickPriceState{}, newServiceError(opProcessIntent, "history_load_failed", err)
	}

	cycleID, err := w.idProvider.NewID()
	if err != nil {
		return ledger.BrickPriceState{}, newServiceError(opProcessIntent, "cycle_id_failed", err)
	}
	state = ledger.NewBrickPriceState(brickID, seedPrice, cycleID, now)
	if err := tx.CreateBrickState(ctx, &state); err != nil {
		return ledger.BrickPriceState{}, newServiceError(opProcessIntent, "brick_state_create_failed", err)
	}
	w.logger.Info("brick state seeded",
		zap.String("brick_id", brickID),
		zap.String("price", seedPrice.StringFixed(2)),
		zap.String("cycle_id", cycleID))
	return state, nil
}

// rejectReason is the text stored on a failed intent: the root cause without operation codes.
func rejectReason(err error) string {
	reason := err.Error()
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) && serviceErr.err != nil {
		reason = serviceErr.err.Error()
	}
	if len(reason) <= maxRejectReasonLen {
		return reason
	}
	cut := maxRejectReasonLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
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
	w.logger.Error("vote enrichment error", attrs...)
}
