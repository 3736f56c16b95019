package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSessionIssuerRoundTripsThroughValidator(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer, err := NewSessionIssuer(SessionIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	created := clockNow.AddDate(-1, 0, 0)
	token, expiresAt, err := issuer.Issue(SessionGrant{
		Subject:          testSessionUserID,
		Email:            testSessionUserEmail,
		EmailVerified:    true,
		AccountCreatedAt: created,
	})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.Subject != testSessionUserID || !claims.EmailVerified || !claims.AccountCreatedTime().Equal(created) {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	clockNow = clockNow.Add(2 * time.Hour)
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestSessionIssuerRequiresSecretAndSubject(t *testing.T) {
	if _, err := NewSessionIssuer(SessionIssuerConfig{}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	issuer, err := NewSessionIssuer(SessionIssuerConfig{SigningSecret: []byte("secret")})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	if _, _, err := issuer.Issue(SessionGrant{Subject: "  "}); err == nil {
		t.Fatalf("expected missing subject error")
	}
}
