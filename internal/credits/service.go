package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/brickprice/internal/ledger"
	"github.com/MarcoPoloResearchLab/brickprice/internal/pricing"
	"github.com/shopspring/decimal"
)

// ErrNoCredits indicates that the voter has spent every credit on the brick.
var ErrNoCredits = errors.New("credits: no credits available")

// RegainKind names why a credit was granted back.
type RegainKind string

const (
	RegainNone    RegainKind = ""
	RegainPrice   RegainKind = "price_move"
	RegainRecheck RegainKind = "recheck"
)

// ServiceConfig describes the dependencies of the credit service.
type ServiceConfig struct {
	Pricing pricing.Config
	Clock   func() time.Time
}

// Service enforces the per voter, per brick vote budget. It works on whatever
// Store it is handed, so callers decide the unit of work.
type Service struct {
	maxCredits int
	regainPct  decimal.Decimal
	clock      func() time.Time
}

// NewService constructs a credit service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Pricing.VoteCreditsMax < 1 {
		return nil, fmt.Errorf("credits: vote credits max must be at least 1")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		maxCredits: cfg.Pricing.VoteCreditsMax,
		regainPct:  decimal.NewFromFloat(cfg.Pricing.CreditRegainMovePct),
		clock:      clock,
	}, nil
}

// Balance returns the voter's credit row, creating it at the maximum on first use.
func (s *Service) Balance(ctx context.Context, store ledger.Store, userID, brickID string) (ledger.UserBrickVoteCredit, error) {
	credit, err := store.Credit(ctx, userID, brickID)
	if err == nil {
		return credit, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.UserBrickVoteCredit{}, err
	}
	credit = ledger.UserBrickVoteCredit{
		UserID:           userID,
		BrickID:          brickID,
		CreditsRemaining: s.maxCredits,
	}
	if err := store.CreateCredit(ctx, &credit); err != nil {
		return ledger.UserBrickVoteCredit{}, err
	}
	return credit, nil
}

// CheckRegain grants exactly one credit to a voter at zero when the live price moved far
// enough from their last vote (and last regain), or when the brick needs recheck.
func (s *Service) CheckRegain(ctx context.Context, store ledger.Store, userID, brickID string, livePrice decimal.Decimal, needsRecheck bool) (RegainKind, error) {
	credit, err := s.Balance(ctx, store, userID, brickID)
	if err != nil {
		return RegainNone, err
	}
	if credit.CreditsRemaining > 0 {
		return RegainNone, nil
	}

	kind := RegainNone
	if s.priceMovedSinceLastVote(credit, livePrice) {
		kind = RegainPrice
	} else if needsRecheck {
		kind = RegainRecheck
	}
	if kind == RegainNone {
		return RegainNone, nil
	}

	now := s.clock().UTC()
	credit.CreditsRemaining = 1
	credit.LastCreditRegainPrice = decimal.NewNullDecimal(livePrice)
	credit.LastCreditRegainAt = &now
	if err := store.SaveCredit(ctx, &credit); err != nil {
		return RegainNone, err
	}
	return kind, nil
}

// Consume spends one credit and records the vote fingerprint used by later regain checks.
func (s *Service) Consume(ctx context.Context, store ledger.Store, userID, brickID string, livePrice decimal.Decimal, cycleID string) (ledger.UserBrickVoteCredit, error) {
	credit, err := s.Balance(ctx, store, userID, brickID)
	if err != nil {
		return ledger.UserBrickVoteCredit{}, err
	}
	if !HasCredits(credit) {
		return credit, ErrNoCredits
	}
	now := s.clock().UTC()
	credit.CreditsRemaining--
	credit.LastVotePrice = decimal.NewNullDecimal(livePrice)
	credit.LastVoteCycleID = cycleID
	credit.LastVoteAt = &now
	if err := store.SaveCredit(ctx, &credit); err != nil {
		return ledger.UserBrickVoteCredit{}, err
	}
	return credit, nil
}

// HasCredits reports whether at least one credit remains.
func HasCredits(credit ledger.UserBrickVoteCredit) bool {
	return credit.CreditsRemaining > 0
}

func (s *Service) priceMovedSinceLastVote(credit ledger.UserBrickVoteCredit, livePrice decimal.Decimal) bool {
	if !credit.LastVotePrice.Valid || !credit.LastVotePrice.Decimal.IsPositive() {
		return false
	}
	if !s.movedEnough(credit.LastVotePrice.Decimal, livePrice) {
		return false
	}
	if !credit.LastCreditRegainPrice.Valid || credit.LastCreditRegainPrice.Decimal.IsZero() {
		return true
	}
	return s.movedEnough(credit.LastCreditRegainPrice.Decimal, livePrice)
}

func (s *Service) movedEnough(reference, livePrice decimal.Decimal) bool {
	move := livePrice.Sub(reference).Abs().Div(reference)
	return move.GreaterThanOrEqual(s.regainPct)
}
