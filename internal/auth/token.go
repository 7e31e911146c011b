// Package auth issues and verifies the HS256 tokens shared between the
// engine and the web layer: athlete session tokens that authorize on-demand
// sync triggers and personal views, admin tokens for operator endpoints,
// and short-lived OAuth state tokens.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types.
const (
	TypeUser       = "user"
	TypeAdmin      = "admin"
	TypeOAuthState = "oauth-state"
)

// ErrNoSecret is returned when no signing secret is configured.
var ErrNoSecret = errors.New("auth: signing secret not configured")

// Claims are the JWT claims of every token issued here.
type Claims struct {
	jwt.RegisteredClaims
	UserID    int64  `json:"user_id,omitempty"`
	AthleteID int64  `json:"athlete_id,omitempty"`
	Type      string `json:"type"`
}

// Issuer signs and verifies tokens with a shared secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. ttl defaults to 24 hours.
func NewIssuer(secret, issuer string, ttl time.Duration) *Issuer {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Enabled reports whether a secret is configured.
func (i *Issuer) Enabled() bool {
	return len(i.secret) > 0
}

// Issue creates a session token for an athlete.
func (i *Issuer) Issue(userID, athleteID int64) (string, error) {
	return i.sign(Claims{
		RegisteredClaims: i.registered(strconv.FormatInt(userID, 10), i.ttl),
		UserID:           userID,
		AthleteID:        athleteID,
		Type:             TypeUser,
	})
}

// IssueAdmin creates an operator token.
func (i *Issuer) IssueAdmin(ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = 8 * time.Hour
	}
	return i.sign(Claims{
		RegisteredClaims: i.registered("admin", ttl),
		Type:             TypeAdmin,
	})
}

// Verify validates a session or admin token.
func (i *Issuer) Verify(tokenStr string) (*Claims, error) {
	claims, err := i.parse(tokenStr)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if claims.Type != TypeUser && claims.Type != TypeAdmin {
		return nil, fmt.Errorf("not a session token")
	}
	return claims, nil
}

// IssueOAuthState creates a ten minute state token for the authorization redirect.
func (i *Issuer) IssueOAuthState() (string, error) {
	return i.sign(Claims{
		RegisteredClaims: i.registered(TypeOAuthState, 10*time.Minute),
		Type:             TypeOAuthState,
	})
}

// VerifyOAuthState validates a state token.
func (i *Issuer) VerifyOAuthState(tokenStr string) error {
	claims, err := i.parse(tokenStr)
	if err != nil {
		return fmt.Errorf("invalid oauth state: %w", err)
	}
	if claims.Type != TypeOAuthState {
		return fmt.Errorf("not an oauth state token")
	}
	return nil
}

func (i *Issuer) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := i.now().UTC()
	return jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.New().String(),
	}
}

func (i *Issuer) sign(c Claims) (string, error) {
	if !i.Enabled() {
		return "", ErrNoSecret
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", c.Type, err)
	}
	return signed, nil
}

func (i *Issuer) parse(tokenStr string) (*Claims, error) {
	if !i.Enabled() {
		return nil, ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return i.secret, nil
		},
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
