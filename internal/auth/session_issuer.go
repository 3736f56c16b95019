package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionTTL = 30 * time.Minute

var errMissingIssuerSubject = errors.New("session issuer: subject required")

// SessionIssuerConfig configures the HS256 issuer used by operators and local tooling
// to mint tokens the SessionValidator accepts.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// SessionIssuer signs session tokens for a voter.
type SessionIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// SessionGrant describes the voter a token is minted for.
type SessionGrant struct {
	Subject          string
	Email            string
	DisplayName      string
	EmailVerified    bool
	AccountCreatedAt time.Time
}

// NewSessionIssuer constructs an issuer with the provided configuration.
func NewSessionIssuer(cfg SessionIssuerConfig) (*SessionIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultSessionIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// Issue returns a signed token for grant and its expiry instant.
func (i *SessionIssuer) Issue(grant SessionGrant) (string, time.Time, error) {
	subject := strings.TrimSpace(grant.Subject)
	if subject == "" {
		return "", time.Time{}, errMissingIssuerSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := SessionClaims{
		UserEmail:       strings.TrimSpace(grant.Email),
		UserDisplayName: strings.TrimSpace(grant.DisplayName),
		EmailVerified:   grant.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if !grant.AccountCreatedAt.IsZero() {
		claims.AccountCreatedAt = grant.AccountCreatedAt.Unix()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
