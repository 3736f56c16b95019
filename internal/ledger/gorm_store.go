package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	fieldUserID            = "user_id"
	fieldBrickID           = "brick_id"
	columnID               = "id"
	orderIDAsc             = columnID + " ASC"
	orderIDDesc            = columnID + " DESC"
	queryWorkerName        = "worker_name = ?"
	queryID                = columnID + " = ?"
	queryIDAfter           = columnID + " > ?"
	queryPendingAfter      = "status = ? AND " + columnID + " > ?"
	queryUserSince         = fieldUserID + " = ? AND created_at >= ?"
	queryUserID            = fieldUserID + " = ?"
	queryBrickID           = fieldBrickID + " = ?"
	queryUserBrick         = fieldUserID + " = ? AND " + fieldBrickID + " = ?"
	queryBrickCreatedRange = fieldBrickID + " = ? AND created_at >= ? AND created_at < ?"
	queryWeightedInCycle   = fieldBrickID + " = ? AND cycle_id = ? AND " + columnID + " <= ? AND user_weight_at_vote > 0"
	queryBrickUpTo         = fieldBrickID + " = ? AND " + columnID + " <= ?"
	orderDayDesc           = "day DESC"
)

var errMissingDatabase = errors.New("ledger: database handle is required")

var _ Store = (*GormStore)(nil)

// GormStore implements Store on top of gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore binds a Store to an opened and migrated database.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// WithinTransaction runs fn inside a database transaction.
func (s *GormStore) WithinTransaction(ctx context.Context, fn func(Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&GormStore{db: transaction})
	})
}

func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *GormStore) Cursor(ctx context.Context, worker string) (uint64, error) {
	var cursor WorkerCursor
	err := s.conn(ctx).Where(queryWorkerName, worker).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: load cursor %s: %w", worker, err)
	}
	return cursor.LastProcessedID, nil
}

func (s *GormStore) SaveCursor(ctx context.Context, worker string, lastProcessedID uint64, at time.Time) error {
	cursor := WorkerCursor{WorkerName: worker, LastProcessedID: lastProcessedID, UpdatedAt: at}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_processed_id", "updated_at"}),
	}).Create(&cursor).Error
	if err != nil {
		return fmt.Errorf("ledger: save cursor %s: %w", worker, err)
	}
	return nil
}

func (s *GormStore) ResetCursors(ctx context.Context, at time.Time) error {
	for _, worker := range []string{WorkerVoteEnricher, WorkerPriceAggregator} {
		if err := s.SaveCursor(ctx, worker, 0, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) CreateIntent(ctx context.Context, intent *VoteIntent) error {
	if err := s.conn(ctx).Create(intent).Error; err != nil {
		return fmt.Errorf("ledger: create intent: %w", err)
	}
	return nil
}

func (s *GormStore) PendingIntents(ctx context.Context, afterID uint64, limit int) ([]VoteIntent, error) {
	var intents []VoteIntent
	err := s.conn(ctx).
		Where(queryPendingAfter, IntentPending, afterID).
		Order(orderIDAsc).
		Limit(limit).
		Find(&intents).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list pending intents: %w", err)
	}
	return intents, nil
}

func (s *GormStore) MarkIntentProcessed(ctx context.Context, intentID, eventID uint64, at time.Time) error {
	err := s.conn(ctx).Model(&VoteIntent{}).
		Where(queryID, intentID).
		Updates(map[string]any{
			"status":        IntentProcessed,
			"vote_event_id": eventID,
			"processed_at":  at,
		}).Error
	if err != nil {
		return fmt.Errorf("ledger: mark intent %d processed: %w", intentID, err)
	}
	return nil
}

func (s *GormStore) MarkIntentRejected(ctx context.Context, intentID uint64, reason string, at time.Time) error {
	err := s.conn(ctx).Model(&VoteIntent{}).
		Where(queryID, intentID).
		Updates(map[string]any{
			"status":        IntentRejected,
			"reject_reason": reason,
			"processed_at":  at,
		}).Error
	if err != nil {
		return fmt.Errorf("ledger: mark intent %d rejected: %w", intentID, err)
	}
	return nil
}

func (s *GormStore) CountIntentsSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var count int64
	err := s.conn(ctx).Model(&VoteIntent{}).Where(queryUserSince, userID, since).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: count intents: %w", err)
	}
	return count, nil
}

func (s *GormStore) IdentityState(ctx context.Context, userID string) (UserIdentityState, error) {
	var state UserIdentityState
	err := s.conn(ctx).Where(queryUserID, userID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserIdentityState{}, ErrNotFound
	}
	if err != nil {
		return UserIdentityState{}, fmt.Errorf("ledger: load identity state: %w", err)
	}
	return state, nil
}

func (s *GormStore) CreateIdentityState(ctx context.Context, state *UserIdentityState) error {
	if err := s.conn(ctx).Create(state).Error; err != nil {
		return fmt.Errorf("ledger: create identity state: %w", err)
	}
	return nil
}

func (s *GormStore) SaveIdentityState(ctx context.Context, state *UserIdentityState) error {
	if err := s.conn(ctx).Save(state).Error; err != nil {
		return fmt.Errorf("ledger: save identity state: %w", err)
	}
	return nil
}

// BrickState reads a brick's state without taking a row lock.
func (s *GormStore) BrickState(ctx context.Context, brickID string) (BrickPriceState, error) {
	return s.loadBrickState(s.conn(ctx), brickID)
}

// LockBrickState reads a brick's state, locking the row when the driver supports it.
// Callers hold a transaction from WithinTransaction.
func (s *GormStore) LockBrickState(ctx context.Context, brickID string) (BrickPriceState, error) {
	return s.loadBrickState(s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), brickID)
}

func (s *GormStore) loadBrickState(query *gorm.DB, brickID string) (BrickPriceState, error) {
	var state BrickPriceState
	err := query.Where(queryBrickID, brickID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BrickPriceState{}, ErrNotFound
	}
	if err != nil {
		return BrickPriceState{}, fmt.Errorf("ledger: load brick state: %w", err)
	}
	return state, nil
}

func (s *GormStore) ListBrickStates(ctx context.Context) ([]BrickPriceState, error) {
	var states []BrickPriceState
	if err := s.conn(ctx).Order(fieldBrickID + " ASC").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("ledger: list brick states: %w", err)
	}
	return states, nil
}

func (s *GormStore) CreateBrickState(ctx context.Context, state *BrickPriceState) error {
	if err := s.conn(ctx).Create(state).Error; err != nil {
		return fmt.Errorf("ledger: create brick state: %w", err)
	}
	return nil
}

func (s *GormStore) SaveBrickState(ctx context.Context, state *BrickPriceState) error {
	if err := s.conn(ctx).Save(state).Error; err != nil {
		return fmt.Errorf("ledger: save brick state: %w", err)
	}
	return nil
}

func (s *GormStore) LatestHistory(ctx context.Context, brickID string) (BrickPriceHistory, error) {
	var history BrickPriceHistory
	err := s.conn(ctx).Where(queryBrickID, brickID).Order(orderDayDesc).Take(&history).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return BrickPriceHistory{}, ErrNotFound
	}
	if err != nil {
		return BrickPriceHistory{}, fmt.Errorf("ledger: load latest history: %w", err)
	}
	return history, nil
}

func (s *GormStore) UpsertHistory(ctx context.Context, history *BrickPriceHistory) error {
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldBrickID}, {Name: "day"}},
		DoUpdates: clause.AssignmentColumns([]string{"close_price", "vote_count"}),
	}).Create(history).Error
	if err != nil {
		return fmt.Errorf("ledger: upsert history: %w", err)
	}
	return nil
}

func (s *GormStore) Credit(ctx context.Context, userID, brickID string) (UserBrickVoteCredit, error) {
	var credit UserBrickVoteCredit
	err := s.conn(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryUserBrick, userID, brickID).
		Take(&credit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserBrickVoteCredit{}, ErrNotFound
	}
	if err != nil {
		return UserBrickVoteCredit{}, fmt.Errorf("ledger: load credit: %w", err)
	}
	return credit, nil
}

func (s *GormStore) CreateCredit(ctx context.Context, credit *UserBrickVoteCredit) error {
	if err := s.conn(ctx).Create(credit).Error; err != nil {
		return fmt.Errorf("ledger: create credit: %w", err)
	}
	return nil
}

func (s *GormStore) SaveCredit(ctx context.Context, credit *UserBrickVoteCredit) error {
	if err := s.conn(ctx).Save(credit).Error; err != nil {
		return fmt.Errorf("ledger: save credit: %w", err)
	}
	return nil
}

// ResetCredits restores every credit row to creditsMax and clears the vote and regain fingerprints.
func (s *GormStore) ResetCredits(ctx context.Context, creditsMax int) (int64, error) {
	result := s.conn(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Model(&UserBrickVoteCredit{}).
		Updates(map[string]any{
			"credits_remaining":        creditsMax,
			"last_vote_price":          nil,
			"last_vote_cycle_id":       "",
			"last_vote_at":             nil,
			"last_credit_regain_price": nil,
			"last_credit_regain_at":    nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("ledger: reset credits: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) CreateEvent(ctx context.Context, event *VoteEvent) error {
	if err := s.conn(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("ledger: create event: %w", err)
	}
	return nil
}

func (s *GormStore) EventsAfter(ctx context.Context, afterID uint64, limit int) ([]VoteEvent, error) {
	var events []VoteEvent
	err := s.conn(ctx).Where(queryIDAfter, afterID).Order(orderIDAsc).Limit(limit).Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list events: %w", err)
	}
	return events, nil
}

func (s *GormStore) BrickEvents(ctx context.Context, brickID string) ([]VoteEvent, error) {
	var events []VoteEvent
	if err := s.conn(ctx).Where(queryBrickID, brickID).Order(orderIDAsc).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("ledger: list brick events: %w", err)
	}
	return events, nil
}

func (s *GormStore) HasVoted(ctx context.Context, userID, brickID string) (bool, error) {
	var count int64
	err := s.conn(ctx).Model(&VoteEvent{}).Where(queryUserBrick, userID, brickID).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("ledger: check vote: %w", err)
	}
	return count > 0, nil
}

func (s *GormStore) CountEventsBetween(ctx context.Context, brickID string, from, to time.Time) (int64, error) {
	var count int64
	err := s.conn(ctx).Model(&VoteEvent{}).Where(queryBrickCreatedRange, brickID, from, to).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: count events: %w", err)
	}
	return count, nil
}

func (s *GormStore) CreateXPEvent(ctx context.Context, xp *XPEvent) error {
	if err := s.conn(ctx).Create(xp).Error; err != nil {
		return fmt.Errorf("ledger: create xp event: %w", err)
	}
	return nil
}

func (s *GormStore) UniqueWeightedVoters(ctx context.Context, brickID, cycleID string, uptoID uint64) (int, error) {
	var count int64
	err := s.conn(ctx).Model(&VoteEvent{}).
		Where(queryWeightedInCycle, brickID, cycleID, uptoID).
		Distinct(fieldUserID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: count unique voters: %w", err)
	}
	return int(count), nil
}

func (s *GormStore) RecentWeightedEvents(ctx context.Context, brickID, cycleID string, uptoID uint64, limit int) ([]VoteEvent, error) {
	var events []VoteEvent
	err := s.conn(ctx).
		Where(queryWeightedInCycle, brickID, cycleID, uptoID).
		Order(orderIDDesc).
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list recent events: %w", err)
	}
	return events, nil
}

func (s *GormStore) LastEventAt(ctx context.Context, brickID string, uptoID uint64) (*time.Time, error) {
	var event VoteEvent
	err := s.conn(ctx).Where(queryBrickUpTo, brickID, uptoID).Order(orderIDDesc).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load last event: %w", err)
	}
	createdAt := event.CreatedAt
	return &createdAt, nil
}
