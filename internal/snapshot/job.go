package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/brickprice/internal/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errMissingStore = errors.New("snapshot: store is required")

// JobConfig describes the dependencies of the daily snapshot job.
type JobConfig struct {
	Store  ledger.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Job writes one BrickPriceHistory row per brick for a UTC day.
type Job struct {
	store  ledger.Store
	clock  func() time.Time
	logger *zap.Logger
}

// Result summarizes a snapshot run.
type Result struct {
	Day    string
	Bricks int
}

// NewJob constructs a snapshot Job.
func NewJob(cfg JobConfig) (*Job, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{store: cfg.Store, clock: clock, logger: logger}, nil
}

// Run records the close price and vote count of every brick for the UTC day containing day.
// A zero day means today. Running it again for the same day overwrites that day's rows.
func (j *Job) Run(ctx context.Context, day time.Time) (Result, error) {
	if day.IsZero() {
		day = j.clock()
	}
	start := StartOfDay(day)
	end := start.AddDate(0, 0, 1)
	result := Result{Day: start.Format(ledger.DayLayout)}

	states, err := j.store.ListBrickStates(ctx)
	if err != nil {
		return result, fmt.Errorf("snapshot: list bricks: %w", err)
	}
	for _, state := range states {
		closePrice, err := j.closePrice(ctx, state)
		if err != nil {
			return result, err
		}
		votes, err := j.store.CountEventsBetween(ctx, state.BrickID, start, end)
		if err != nil {
			return result, fmt.Errorf("snapshot: count votes for %s: %w", state.BrickID, err)
		}
		history := ledger.BrickPriceHistory{
			BrickID:    state.BrickID,
			Day:        result.Day,
			ClosePrice: closePrice,
			VoteCount:  votes,
			CreatedAt:  j.clock().UTC(),
		}
		if err := j.store.UpsertHistory(ctx, &history); err != nil {
			return result, fmt.Errorf("snapshot: write %s: %w", state.BrickID, err)
		}
		result.Bricks++
	}

	j.logger.Info("daily snapshot written", zap.String("day", result.Day), zap.Int("bricks", result.Bricks))
	return result, nil
}

// closePrice is the live price, or the previous close while the brick has no live price yet.
func (j *Job) closePrice(ctx context.Context, state ledger.BrickPriceState) (decimal.Decimal, error) {
	if !state.LivePrice.IsZero() {
		return state.LivePrice, nil
	}
	previous, err := j.store.LatestHistory(ctx, state.BrickID)
	if errors.Is(err, ledger.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("snapshot: load previous close for %s: %w", state.BrickID, err)
	}
	return previous.ClosePrice, nil
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD day in UTC.
func ParseDay(raw string) (time.Time, error) {
	day, err := time.ParseInLocation(ledger.DayLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot: invalid day %q: %w", raw, err)
	}
	return day, nil
}
