package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// IntentStatus is the lifecycle of a raw vote submission.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentProcessed IntentStatus = "PROCESSED"
	IntentRejected  IntentStatus = "REJECTED"
)

// RejectReasonNoCredits marks intents refused because the voter had no credit left on the brick.
const RejectReasonNoCredits = "NO_CREDITS"

// XPReasonVote is the reason recorded on experience awarded for a vote.
const XPReasonVote = "VOTE"

// Worker cursor names.
const (
	WorkerVoteEnricher    = "vote_enricher"
	WorkerPriceAggregator = "price_aggregator"
)

// VoteIntent is a raw submission waiting for enrichment.
type VoteIntent struct {
	ID           uint64       `gorm:"column:id;primaryKey;autoIncrement"`
	UserID       string       `gorm:"column:user_id;size:190;not null;index"`
	BrickID      string       `gorm:"column:brick_id;size:190;not null;index"`
	VoteType     string       `gorm:"column:vote_type;size:8;not null"`
	IPHash       string       `gorm:"column:ip_hash;size:64"`
	UserAgent    string       `gorm:"column:user_agent;size:512"`
	SessionID    string       `gorm:"column:session_id;size:190"`
	Status       IntentStatus `gorm:"column:status;size:16;not null;index"`
	RejectReason string       `gorm:"column:reject_reason;size:512"`
	VoteEventID  *uint64      `gorm:"column:vote_event_id"`
	CreatedAt    time.Time    `gorm:"column:created_at;not null;index"`
	ProcessedAt  *time.Time   `gorm:"column:processed_at"`
}

// TableName exposes the table backing vote intents.
func (VoteIntent) TableName() string {
	return "vote_intents"
}

// VoteEvent is the immutable, enriched vote. It is never updated once written.
type VoteEvent struct {
	ID               uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	UserID           string          `gorm:"column:user_id;size:190;not null;index:idx_vote_events_user_brick"`
	BrickID          string          `gorm:"column:brick_id;size:190;not null;index:idx_vote_events_brick_cycle;index:idx_vote_events_user_brick"`
	VoteType         string          `gorm:"column:vote_type;size:8;not null"`
	LivePriceAtVote  decimal.Decimal `gorm:"column:live_price_at_vote;type:decimal(14,2);not null"`
	FairRangeLower   decimal.Decimal `gorm:"column:fair_range_lower;type:decimal(14,2);not null"`
	FairRangeUpper   decimal.Decimal `gorm:"column:fair_range_upper;type:decimal(14,2);not null"`
	BaseStepAtVote   decimal.Decimal `gorm:"column:base_step_at_vote;type:decimal(14,2);not null"`
	UserWeightAtVote float64         `gorm:"column:user_weight_at_vote;not null"`
	CycleID          string          `gorm:"column:cycle_id;size:64;not null;index:idx_vote_events_brick_cycle"`
	IPHash           string          `gorm:"column:ip_hash;size:64"`
	UserAgent        string          `gorm:"column:user_agent;size:512"`
	SessionID        string          `gorm:"column:session_id;size:190"`
	VoteIntentID     uint64          `gorm:"column:vote_intent_id;not null;uniqueIndex"`
	CreatedAt        time.Time       `gorm:"column:created_at;not null;index"`
}

// TableName exposes the table backing vote events.
func (VoteEvent) TableName() string {
	return "vote_events"
}

// XPEvent records experience awarded to a verified voter.
type XPEvent struct {
	ID          uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	VoteEventID uint64    `gorm:"column:vote_event_id;not null;uniqueIndex"`
	BrickID     string    `gorm:"column:brick_id;size:190;not null"`
	Amount      int       `gorm:"column:xp_amount;not null"`
	Reason      string    `gorm:"column:reason;size:32;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing experience awards.
func (XPEvent) TableName() string {
	return "xp_events"
}

// UserIdentityState holds the trust metadata read by weighting.
type UserIdentityState struct {
	UserID        string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	EmailVerified bool      `gorm:"column:email_verified;not null"`
	TrustTier     int       `gorm:"column:trust_tier;not null"`
	BehaviorState string    `gorm:"column:behavior_state;size:16;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing identity state.
func (UserIdentityState) TableName() string {
	return "user_identity_states"
}

// UserBrickVoteCredit is the vote budget of one voter on one brick.
type UserBrickVoteCredit struct {
	UserID                string              `gorm:"column:user_id;primaryKey;size:190;not null"`
	BrickID               string              `gorm:"column:brick_id;primaryKey;size:190;not null"`
	CreditsRemaining      int                 `gorm:"column:credits_remaining;not null"`
	LastVotePrice         decimal.NullDecimal `gorm:"column:last_vote_price;type:decimal(14,2)"`
	LastVoteCycleID       string              `gorm:"column:last_vote_cycle_id;size:64"`
	LastVoteAt            *time.Time          `gorm:"column:last_vote_at"`
	LastCreditRegainPrice decimal.NullDecimal `gorm:"column:last_credit_regain_price;type:decimal(14,2)"`
	LastCreditRegainAt    *time.Time          `gorm:"column:last_credit_regain_at"`
}

// TableName exposes the table backing vote credits.
func (UserBrickVoteCredit) TableName() string {
	return "user_brick_vote_credits"
}

// BrickPriceState is the mutable aggregate of a brick. One row per brick.
type BrickPriceState struct {
	BrickID                 string              `gorm:"column:brick_id;primaryKey;size:190;not null"`
	BaselinePrice           decimal.Decimal     `gorm:"column:baseline_price;type:decimal(14,2);not null"`
	LivePrice               decimal.Decimal     `gorm:"column:live_price;type:decimal(14,2);not null"`
	CurrentCycleID          string              `gorm:"column:current_cycle_id;size:64;not null"`
	CycleStartPrice         decimal.Decimal     `gorm:"column:cycle_start_price;type:decimal(14,2);not null"`
	CycleStartedAt          time.Time           `gorm:"column:cycle_started_at;not null"`
	WeightedUnder           float64             `gorm:"column:weighted_under;not null"`
	WeightedFair            float64             `gorm:"column:weighted_fair;not null"`
	WeightedOver            float64             `gorm:"column:weighted_over;not null"`
	WeightedTotal           float64             `gorm:"column:weighted_total;not null"`
	WeightedSinceLastMove   float64             `gorm:"column:weighted_since_last_move;not null"`
	PUnder                  float64             `gorm:"column:p_under;not null"`
	PFair                   float64             `gorm:"column:p_fair;not null"`
	POver                   float64             `gorm:"column:p_over;not null"`
	Confidence              float64             `gorm:"column:pricing_confidence;not null"`
	Reliability             float64             `gorm:"column:reliability_score;not null"`
	MomentumScore           int                 `gorm:"column:momentum_score;not null"`
	FreezeMode              bool                `gorm:"column:freeze_mode;not null"`
	FreezeUntil             *time.Time          `gorm:"column:freeze_until"`
	NeedsRecheck            bool                `gorm:"column:needs_recheck;not null"`
	RecheckReason           string              `gorm:"column:recheck_reason;size:32"`
	LastHighConfidencePrice decimal.NullDecimal `gorm:"column:last_high_confidence_price;type:decimal(14,2)"`
	LastHighConfidenceVotes float64             `gorm:"column:last_high_confidence_votes;not null"`
	LastConfidenceAt        *time.Time          `gorm:"column:last_confidence_at"`
	LastPriceUpdate         *time.Time          `gorm:"column:last_price_update"`
	LastEventID             uint64              `gorm:"column:last_event_id;not null"`
}

// TableName exposes the table backing brick price state.
func (BrickPriceState) TableName() string {
	return "brick_price_states"
}

// NewBrickPriceState returns the state of a brick that has never been voted on,
// starting a fresh cycle at price.
func NewBrickPriceState(brickID string, price decimal.Decimal, cycleID string, now time.Time) BrickPriceState {
	return BrickPriceState{
		BrickID:         brickID,
		BaselinePrice:   price,
		LivePrice:       price,
		CurrentCycleID:  cycleID,
		CycleStartPrice: price,
		CycleStartedAt:  now,
	}
}

// BrickPriceHistory is the daily close of a brick.
type BrickPriceHistory struct {
	BrickID    string          `gorm:"column:brick_id;primaryKey;size:190;not null"`
	Day        string          `gorm:"column:day;primaryKey;size:10;not null"`
	ClosePrice decimal.Decimal `gorm:"column:close_price;type:decimal(14,2);not null"`
	VoteCount  int64           `gorm:"column:vote_count;not null"`
	CreatedAt  time.Time       `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing daily price history.
func (BrickPriceHistory) TableName() string {
	return "brick_price_history"
}

// DayLayout formats BrickPriceHistory.Day.
const DayLayout = "2006-01-02"

// WorkerCursor is the resumable progress marker of a worker.
type WorkerCursor struct {
	WorkerName      string    `gorm:"column:worker_name;primaryKey;size:64;not null"`
	LastProcessedID uint64    `gorm:"column:last_processed_id;not null"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing worker cursors.
func (WorkerCursor) TableName() string {
	return "worker_cursors"
}

// Models lists every persisted entity for schema migration.
func Models() []any {
	return []any{
		&VoteIntent{},
		&VoteEvent{},
		&XPEvent{},
		&UserIdentityState{},
		&UserBrickVoteCredit{},
		&BrickPriceState{},
		&BrickPriceHistory{},
		&WorkerCursor{},
	}
}
