package users

import (
	"slices"
	"strings"
	"time"

	"github.com/jmerrifield20/clubsync/internal/privacy"
)

// User is one club member whose remote activities are synchronized.
type User struct {
	ID                int64        `json:"id"                 db:"id"`
	AthleteID         int64        `json:"athlete_id"         db:"athlete_id"`
	Firstname         string       `json:"firstname"          db:"firstname"`
	Lastname          string       `json:"lastname"           db:"lastname"`
	ProfileImage      string       `json:"profile_image"      db:"profile_image"`
	AccessToken       string       `json:"-"                  db:"access_token"`
	RefreshToken      string       `json:"-"                  db:"refresh_token"`
	TokenExpiresAt    time.Time    `json:"-"                  db:"token_expires_at"`
	Scopes            []string     `json:"scopes"             db:"scopes"`
	PrivacyTier       privacy.Tier `json:"privacy_tier"       db:"privacy_tier"`
	Active            bool         `json:"active"             db:"active"`
	DeactivatedReason string       `json:"deactivated_reason" db:"deactivated_reason"`
	CreatedAt         time.Time    `json:"created_at"         db:"created_at"`
	LastLoginAt       *time.Time   `json:"last_login_at"      db:"last_login_at"`
	LastSyncAt        *time.Time   `json:"last_sync_at"       db:"last_sync_at"`
}

// DisplayName returns "Firstname Lastname", falling back to the athlete id.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.Firstname + " " + u.Lastname)
	if name == "" {
		return "athlete " + formatInt(u.AthleteID)
	}
	return name
}

// Credentials returns the stored credential set.
func (u *User) Credentials() Credentials {
	return Credentials{
		AccessToken:  u.AccessToken,
		RefreshToken: u.RefreshToken,
		ExpiresAt:    u.TokenExpiresAt,
		Scopes:       u.Scopes,
	}
}

// Credentials is an access/refresh pair with its expiry and granted scopes.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// HasScopes reports whether every required scope was granted. An empty
// granted list means the scopes are unknown and is accepted.
func (c Credentials) HasScopes(required []string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, r := range required {
		if !slices.Contains(c.Scopes, r) {
			return false
		}
	}
	return true
}

// ParseScopes splits a comma or space separated scope string. The result
// is never nil so it stores as an empty array.
func ParseScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}
