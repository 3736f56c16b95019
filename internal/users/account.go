package users

import (
	"strings"
	"time"
)

// Account is the local projection of a voter identity issued by the external identity provider.
type Account struct {
	UserID           string     `gorm:"column:user_id;primaryKey;size:190;not null"`
	Provider         string     `gorm:"column:provider;size:32;not null"`
	Email            string     `gorm:"column:user_email;size:320"`
	DisplayName      string     `gorm:"column:user_display_name;size:320"`
	EmailVerifiedAt  *time.Time `gorm:"column:email_verified_at"`
	AccountCreatedAt time.Time  `gorm:"column:account_created_at;not null"`
	LastSeenAt       time.Time  `gorm:"column:last_seen_at;not null"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing voter accounts.
func (Account) TableName() string {
	return "voter_accounts"
}

// Verified reports whether the provider confirmed the account's email address.
func (a Account) Verified() bool {
	return a.EmailVerifiedAt != nil
}

// Age returns how long the account has existed at the given instant.
func (a Account) Age(now time.Time) time.Duration {
	age := now.Sub(a.AccountCreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// normalize trims surrounding whitespace from ids and profile fields before they are stored.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
