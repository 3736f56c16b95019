package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("ledger: record not found")

// Store is the persistence port shared by the workers, the snapshot job and the HTTP surface.
type Store interface {
	// WithinTransaction runs fn against a Store bound to a single atomic unit of work.
	// Inside fn only the provided Store may be used.
	WithinTransaction(ctx context.Context, fn func(Store) error) error

	Cursor(ctx context.Context, worker string) (uint64, error)
	SaveCursor(ctx context.Context, worker string, lastProcessedID uint64, at time.Time) error
	ResetCursors(ctx context.Context, at time.Time) error

	CreateIntent(ctx context.Context, intent *VoteIntent) error
	PendingIntents(ctx context.Context, afterID uint64, limit int) ([]VoteIntent, error)
	MarkIntentProcessed(ctx context.Context, intentID, eventID uint64, at time.Time) error
	MarkIntentRejected(ctx context.Context, intentID uint64, reason string, at time.Time) error
	CountIntentsSince(ctx context.Context, userID string, since time.Time) (int64, error)

	IdentityState(ctx context.Context, userID string) (UserIdentityState, error)
	CreateIdentityState(ctx context.Context, state *UserIdentityState) error
	SaveIdentityState(ctx context.Context, state *UserIdentityState) error

	BrickState(ctx context.Context, brickID string) (BrickPriceState, error)
	LockBrickState(ctx context.Context, brickID string) (BrickPriceState, error)
	ListBrickStates(ctx context.Context) ([]BrickPriceState, error)
	CreateBrickState(ctx context.Context, state *BrickPriceState) error
	SaveBrickState(ctx context.Context, state *BrickPriceState) error

	LatestHistory(ctx context.Context, brickID string) (BrickPriceHistory, error)
	UpsertHistory(ctx context.Context, history *BrickPriceHistory) error

	Credit(ctx context.Context, userID, brickID string) (UserBrickVoteCredit, error)
	CreateCredit(ctx context.Context, credit *UserBrickVoteCredit) error
	SaveCredit(ctx context.Context, credit *UserBrickVoteCredit) error
	ResetCredits(ctx context.Context, creditsMax int) (int64, error)

	CreateEvent(ctx context.Context, event *VoteEvent) error
	EventsAfter(ctx context.Context, afterID uint64, limit int) ([]VoteEvent, error)
	BrickEvents(ctx context.Context, brickID string) ([]VoteEvent, error)
	HasVoted(ctx context.Context, userID, brickID string) (bool, error)
	CountEventsBetween(ctx context.Context, brickID string, from, to time.Time) (int64, error)

	CreateXPEvent(ctx context.Context, xp *XPEvent) error

	EventHistory
}

// EventHistory answers the questions aggregation asks about a brick's event stream.
// Every query only sees events with id <= uptoID.
type EventHistory interface {
	UniqueWeightedVoters(ctx context.Context, brickID, cycleID string, uptoID uint64) (int, error)
	RecentWeightedEvents(ctx context.Context, brickID, cycleID string, uptoID uint64, limit int) ([]VoteEvent, error)
	LastEventAt(ctx context.Context, brickID string, uptoID uint64) (*time.Time, error)
}
