package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/brickprice/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		t.Fatalf("failed to migrate account schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestSyncFromClaimsStripsProviderPrefix(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, func() time.Time { return now })

	claims := auth.SessionClaims{
		UserID:           "google:12345",
		UserEmail:        "user@example.com",
		UserDisplayName:  "Example User",
		EmailVerified:    true,
		AccountCreatedAt: now.AddDate(0, -6, 0).Unix(),
	}
	account, err := service.SyncFromClaims(context.Background(), claims)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if account.UserID != "12345" || account.Provider != "google" {
		t.Fatalf("expected canonical user id without provider prefix, got %q/%q", account.Provider, account.UserID)
	}
	if !account.Verified() {
		t.Fatalf("expected verified account")
	}
	if !account.AccountCreatedAt.Equal(now.AddDate(0, -6, 0)) {
		t.Fatalf("unexpected account creation time %s", account.AccountCreatedAt)
	}

	// second sync must update the existing row, not create a duplicate.
	claims.EmailVerified = false
	claims.UserDisplayName = "Renamed"
	account, err = service.SyncFromClaims(context.Background(), claims)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if account.Verified() || account.DisplayName != "Renamed" {
		t.Fatalf("expected claims to refresh projection, got %+v", account)
	}

	stored, err := service.Account(context.Background(), "12345")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if stored.Verified() || stored.DisplayName != "Renamed" {
		t.Fatalf("expected refreshed projection to be persisted, got %+v", stored)
	}
}

func TestSyncFromClaimsDefaultsCreationTimeToFirstSight(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, func() time.Time { return now })

	account, err := service.SyncFromClaims(context.Background(), auth.SessionClaims{UserID: "voter-1"})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !account.AccountCreatedAt.Equal(now) {
		t.Fatalf("expected creation time to default to now, got %s", account.AccountCreatedAt)
	}
	if account.Age(now.Add(48*time.Hour)) != 48*time.Hour {
		t.Fatalf("unexpected account age")
	}
}

func TestAccountLookupMissing(t *testing.T) {
	service := newTestService(t, nil)
	if _, err := service.Account(context.Background(), "nobody"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := service.SyncFromClaims(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity for empty claims, got %v", err)
	}
}

func TestSyncFromClaimsTrimsWhitespace(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, func() time.Time { return now })

	account, err := service.SyncFromClaims(context.Background(), auth.SessionClaims{
		UserID:          " google : 777 ",
		UserEmail:       "  voter@example.com ",
		UserDisplayName: "\tVoter Seven\n",
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if account.Provider != "google" || account.UserID != "777" {
		t.Fatalf("expected trimmed identity, got %q/%q", account.Provider, account.UserID)
	}
	if account.Email != "voter@example.com" || account.DisplayName != "Voter Seven" {
		t.Fatalf("expected trimmed profile fields, got %q/%q", account.Email, account.DisplayName)
	}
	if _, err := service.Account(context.Background(), " 777 "); err != nil {
		t.Fatalf("expected padded lookup to find the account, got %v", err)
	}
}
