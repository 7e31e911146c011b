// Package tokens keeps each user's remote access credential valid,
// refreshing it through the OAuth refresh-token grant shortly before it
// expires and deactivating users whose authorization can no longer be used.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jmerrifield20/clubsync/internal/clock"
	"github.com/jmerrifield20/clubsync/internal/syncerr"
	"github.com/jmerrifield20/clubsync/internal/users"
)

// credentialStore is the persistence consumed by Manager.
type credentialStore interface {
	GetByID(ctx context.Context, id int64) (*users.User, error)
	UpdateCredentials(ctx context.Context, id int64, previousRefresh string, c users.Credentials) error
}

// Deactivator marks a user inactive.
type Deactivator interface {
	Deactivate(ctx context.Context, id int64, reason string) error
}

// Governor admits outbound calls against the shared quota.
type Governor interface {
	Acquire(ctx context.Context) error
	QuotaExceeded() time.Duration
	Succeeded()
	BlockedUntil() time.Time
}

// Config configures a Manager.
type Config struct {
	ClientID       string
	ClientSecret   string
	TokenURL       string
	RequiredScopes []string
	RefreshMargin  time.Duration // default 5m
	Timeout        time.Duration // default 10s
	MaxRetries     int           // extra attempts after a transient failure
	RetryDelay     time.Duration
}

// RefreshRecordFunc is an optional callback invoked after each refresh attempt.
type RefreshRecordFunc func(outcome string)

// Manager ensures users hold valid credentials.
type Manager struct {
	oauth      *oauth2.Config
	required   []string
	margin     time.Duration
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
	store      credentialStore
	deactivate Deactivator
	gov        Governor
	clock      clock.Clock
	logger     *zap.Logger
	record     RefreshRecordFunc

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewManager creates a Manager.
func NewManager(cfg Config, store credentialStore, deactivate Deactivator, gov Governor, c clock.Clock, logger *zap.Logger) *Manager {
	if cfg.RefreshMargin == 0 {
		cfg.RefreshMargin = 5 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		required:   cfg.RequiredScopes,
		margin:     cfg.RefreshMargin,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		store:      store,
		deactivate: deactivate,
		gov:        gov,
		clock:      c,
		logger:     logger,
		locks:      make(map[int64]*sync.Mutex),
	}
}

// SetRefreshRecord configures the refresh metrics callback.
func (m *Manager) SetRefreshRecord(fn RefreshRecordFunc) {
	m.record = fn
}

// EnsureValid returns a credential for u that will not expire within the
// refresh margin, refreshing and persisting it when necessary. On success u
// is updated in place. Scope and refresh rejections deactivate the user and
// are returned as *syncerr.AuthError.
func (m *Manager) EnsureValid(ctx context.Context, u *users.User) (users.Credentials, error) {
	l := m.lockFor(u.ID)
	l.Lock()
	defer l.Unlock()

	creds := u.Credentials()
	if !creds.HasScopes(m.required) {
		return users.Credentials{}, m.HandleAuthError(ctx, u, syncerr.NewScopeInsufficient(fmt.Sprintf("granted %v", creds.Scopes)))
	}
	if creds.AccessToken != "" && creds.ExpiresAt.Sub(m.clock.Now()) >= m.margin {
		return creds, nil
	}
	if creds.RefreshToken == "" {
		return users.Credentials{}, m.HandleAuthError(ctx, u, syncerr.NewRefreshRejected("no refresh credential stored"))
	}

	fresh, err := m.refresh(ctx, creds)
	if err != nil {
		m.observe(err)
		if errors.Is(err, ErrClientRejected) {
			m.logger.Error("token endpoint rejected client credentials; check strava.client_id and strava.client_secret",
				zap.Int64("user_id", u.ID), zap.Error(err))
		}
		return users.Credentials{}, m.HandleAuthError(ctx, u, err)
	}
	if !fresh.HasScopes(m.required) {
		m.observe(syncerr.NewScopeInsufficient(""))
		return users.Credentials{}, m.HandleAuthError(ctx, u, syncerr.NewScopeInsufficient(fmt.Sprintf("granted %v", fresh.Scopes)))
	}

	if err := m.store.UpdateCredentials(ctx, u.ID, creds.RefreshToken, fresh); err != nil {
		if !errors.Is(err, users.ErrCredentialsChanged) {
			return users.Credentials{}, fmt.Errorf("persist credentials: %w", err)
		}
		// Another process refreshed first; adopt its result.
		stored, gerr := m.store.GetByID(ctx, u.ID)
		if gerr != nil {
			return users.Credentials{}, fmt.Errorf("reload credentials: %w", gerr)
		}
		fresh = stored.Credentials()
	}

	m.observe(nil)
	applyCredentials(u, fresh)
	m.logger.Debug("credential refreshed",
		zap.Int64("user_id", u.ID),
		zap.Time("expires_at", fresh.ExpiresAt),
	)
	return fresh, nil
}

// HandleAuthError deactivates u when err is an *syncerr.AuthError. It
// always returns err unchanged so callers can write
// `return m.HandleAuthError(ctx, u, err)`.
func (m *Manager) HandleAuthError(ctx context.Context, u *users.User, err error) error {
	ae, ok := syncerr.IsAuth(err)
	if !ok {
		return err
	}
	if derr := m.deactivate.Deactivate(ctx, u.ID, string(ae.Reason)); derr != nil {
		m.logger.Error("deactivate user",
			zap.Int64("user_id", u.ID),
			zap.String("reason", string(ae.Reason)),
			zap.Error(derr),
		)
	}
	u.Active = false
	u.DeactivatedReason = string(ae.Reason)
	return err
}

func (m *Manager) refresh(ctx context.Context, creds users.Credentials) (users.Credentials, error) {
	var tok *oauth2.Token
	for attempt := 0; ; attempt++ {
		if err := m.gov.Acquire(ctx); err != nil {
			return users.Credentials{}, err
		}

		octx := context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
		t, err := m.oauth.TokenSource(octx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
		if err == nil {
			tok = t
			break
		}
		err = m.classify(ctx, err)
		if !syncerr.IsTransient(err) || attempt >= m.maxRetries {
			return users.Credentials{}, err
		}
		m.logger.Debug("retrying token refresh", zap.Int("attempt", attempt+1), zap.Error(err))
		if !clock.Sleep(m.clock, m.retryDelay, ctx.Done()) {
			return users.Credentials{}, ctx.Err()
		}
	}
	m.gov.Succeeded()

	fresh := users.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
		Scopes:       creds.Scopes,
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = creds.RefreshToken
	}
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		fresh.Scopes = users.ParseScopes(s)
	}
	// The remote reports an absolute expires_at alongside expires_in.
	if v, ok := tok.Extra("expires_at").(float64); ok && v > 0 {
		fresh.ExpiresAt = time.Unix(int64(v), 0).UTC()
	}
	return fresh, nil
}

// ErrClientRejected is returned when the token endpoint refuses the
// application's own client credentials. Users are not deactivated for it.
var ErrClientRejected = errors.New("token endpoint rejected the client credentials")

// classify maps a token endpoint failure onto the sync taxonomy. Only an
// explicit rejection of the refresh token deactivates the user; any other
// 4xx is an operator problem and is returned as a plain error.
func (m *Manager) classify(ctx context.Context, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch code := re.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			m.gov.QuotaExceeded()
			return &syncerr.QuotaError{RetryAfter: m.gov.BlockedUntil()}
		case code >= 500:
			return &syncerr.TransientError{Op: "refresh token", Err: err}
		case code == http.StatusForbidden && re.ErrorCode == "insufficient_scope":
			return syncerr.NewScopeInsufficient(re.ErrorDescription)
		case re.ErrorCode == "invalid_grant":
			return syncerr.NewRefreshRejected(re.ErrorCode)
		case re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client" || code == http.StatusUnauthorized:
			return fmt.Errorf("refresh token: %w: %v", ErrClientRejected, err)
		case code == http.StatusBadRequest && refreshTokenInvalid(re.Body):
			return syncerr.NewRefreshRejected("refresh_token invalid")
		default:
			return fmt.Errorf("refresh token: status %d: %w", code, err)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &syncerr.TransientError{Op: "refresh token", Err: err}
}

// refreshTokenInvalid recognizes the remote's field-level fault body,
// e.g. {"errors":[{"resource":"RefreshToken","field":"refresh_token","code":"invalid"}]}.
func refreshTokenInvalid(body []byte) bool {
	var fault struct {
		Errors []struct {
			Resource string `json:"resource"`
			Field    string `json:"field"`
			Code     string `json:"code"`
		} `json:"errors"`
	}
	if json.Unmarshal(body, &fault) != nil {
		return false
	}
	for _, e := range fault.Errors {
		if (e.Resource == "RefreshToken" || e.Field == "refresh_token") && e.Code == "invalid" {
			return true
		}
	}
	return false
}

func (m *Manager) observe(err error) {
	if m.record != nil {
		m.record(string(syncerr.Classify(err)))
	}
}

func (m *Manager) lockFor(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func applyCredentials(u *users.User, c users.Credentials) {
	u.AccessToken = c.AccessToken
	u.RefreshToken = c.RefreshToken
	u.TokenExpiresAt = c.ExpiresAt
	u.Scopes = c.Scopes
}
