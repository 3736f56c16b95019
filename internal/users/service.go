package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/brickprice/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrAccountNotFound indicates that no account projection exists for the voter.
	ErrAccountNotFound = errors.New("voter account not found")
)

const queryUserID = "user_id = ?"

// ServiceConfig describes the dependencies required for voter account resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service keeps the voter account projection in sync with session claims.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// SyncFromClaims upserts the voter's account from session claims and returns it.
// The provider is authoritative for email verification and account creation time.
func (s *Service) SyncFromClaims(ctx context.Context, claims auth.SessionClaims) (Account, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Account{}, ErrInvalidIdentity
	}
	now := s.now().UTC()

	var account Account
	err := s.db.WithContext(ctx).Where(queryUserID, subject).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = Account{
			UserID:           subject,
			Provider:         provider,
			Email:            normalize(claims.UserEmail),
			DisplayName:      normalize(claims.UserDisplayName),
			AccountCreatedAt: claims.AccountCreatedTime(),
			LastSeenAt:       now,
		}
		if account.AccountCreatedAt.IsZero() {
			account.AccountCreatedAt = now
		}
		if claims.EmailVerified {
			account.EmailVerifiedAt = &now
		}
		if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
			return Account{}, fmt.Errorf("users: create account: %w", err)
		}
		s.logger.Info("voter account created", zap.String("user_id", account.UserID), zap.Bool("verified", account.Verified()))
		return account, nil
	}
	if err != nil {
		return Account{}, fmt.Errorf("users: load account: %w", err)
	}

	updates := map[string]interface{}{"last_seen_at": now}
	account.LastSeenAt = now
	if email := normalize(claims.UserEmail); email != "" && email != account.Email {
		updates["user_email"] = email
		account.Email = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != account.DisplayName {
		updates["user_display_name"] = display
		account.DisplayName = display
	}
	switch {
	case claims.EmailVerified && account.EmailVerifiedAt == nil:
		updates["email_verified_at"] = now
		account.EmailVerifiedAt = &now
	case !claims.EmailVerified && account.EmailVerifiedAt != nil:
		updates["email_verified_at"] = nil
		account.EmailVerifiedAt = nil
	}
	if created := claims.AccountCreatedTime(); !created.IsZero() && !created.Equal(account.AccountCreatedAt) {
		updates["account_created_at"] = created
		account.AccountCreatedAt = created
	}
	if err := s.db.WithContext(ctx).Model(&Account{}).Where(queryUserID, subject).Updates(updates).Error; err != nil {
		return Account{}, fmt.Errorf("users: update account: %w", err)
	}
	return account, nil
}

// Account returns the projection for a voter id.
func (s *Service) Account(ctx context.Context, userID string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where(queryUserID, normalize(userID)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("users: load account: %w", err)
	}
	return account, nil
}

// VoterID returns the canonical voter id carried by the claims.
func VoterID(claims auth.SessionClaims) (string, error) {
	_, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	return subject, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
