package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/jmerrifield20/clubsync/internal/privacy"
	"github.com/jmerrifield20/clubsync/internal/strava"
)

// userRepo is the storage interface consumed by Service.
type userRepo interface {
	UpsertFromAuth(ctx context.Context, u *User) (bool, error)
	Insert(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByAthleteID(ctx context.Context, athleteID int64) (*User, error)
	ListActive(ctx context.Context) ([]User, error)
	ListAll(ctx context.Context) ([]User, error)
	Deactivate(ctx context.Context, id int64, reason string) error
	SetPrivacyTier(ctx context.Context, id int64, tier privacy.Tier) error
}

// AthleteFetcher loads the authenticated athlete's profile.
type AthleteFetcher interface {
	GetAthlete(ctx context.Context, token string) (*strava.Athlete, error)
}

// TriggerFunc requests an immediate, asynchronous sync for a user.
type TriggerFunc func(userID int64)

// DeactivatedFunc is notified when a user is deactivated.
type DeactivatedFunc func(u *User, reason string)

// Service implements user lifecycle operations: creation on authentication,
// privacy settings, deactivation and export/import.
type Service struct {
	repo          userRepo
	athletes      AthleteFetcher
	trigger       TriggerFunc
	onDeactivated DeactivatedFunc
	logger        *zap.Logger
}

// NewService creates a new Service. trigger may be nil.
func NewService(repo userRepo, athletes AthleteFetcher, trigger TriggerFunc, logger *zap.Logger) *Service {
	return &Service{repo: repo, athletes: athletes, trigger: trigger, logger: logger}
}

// SetTrigger sets the function used to request a sync after authentication or import.
func (s *Service) SetTrigger(fn TriggerFunc) {
	s.trigger = fn
}

// SetDeactivatedHook sets the callback fired after a deactivation.
func (s *Service) SetDeactivatedHook(fn DeactivatedFunc) {
	s.onDeactivated = fn
}

// Authenticated records the outcome of a completed authorization-code
// exchange. It loads the athlete profile, creates or refreshes the user
// row, and fires an on-demand sync without waiting for it.
func (s *Service) Authenticated(ctx context.Context, tok *oauth2.Token, grantedScopes string) (*User, bool, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, false, fmt.Errorf("missing access token")
	}
	athlete, err := s.athletes.GetAthlete(ctx, tok.AccessToken)
	if err != nil {
		return nil, false, fmt.Errorf("fetch athlete: %w", err)
	}

	u := &User{
		AthleteID:      athlete.ID,
		Firstname:      athlete.Firstname,
		Lastname:       athlete.Lastname,
		ProfileImage:   athlete.Profile,
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		TokenExpiresAt: tok.Expiry.UTC(),
		Scopes:         ParseScopes(grantedScopes),
	}
	created, err := s.repo.UpsertFromAuth(ctx, u)
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("user authenticated",
		zap.Int64("user_id", u.ID),
		zap.Int64("athlete_id", u.AthleteID),
		zap.Bool("created", created),
	)
	if s.trigger != nil {
		s.trigger(u.ID)
	}
	return u, created, nil
}

// Get retrieves a user by internal id.
func (s *Service) Get(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByAthleteID retrieves a user by remote athlete id.
func (s *Service) GetByAthleteID(ctx context.Context, athleteID int64) (*User, error) {
	return s.repo.GetByAthleteID(ctx, athleteID)
}

// ListActive returns all users eligible for automatic sync.
func (s *Service) ListActive(ctx context.Context) ([]User, error) {
	return s.repo.ListActive(ctx)
}

// ListAll returns every user.
func (s *Service) ListAll(ctx context.Context) ([]User, error) {
	return s.repo.ListAll(ctx)
}

// SetPrivacyTier validates and stores a new user-level privacy tier.
func (s *Service) SetPrivacyTier(ctx context.Context, id int64, tier string) error {
	t, err := privacy.ParseTier(tier)
	if err != nil {
		return err
	}
	return s.repo.SetPrivacyTier(ctx, id, t)
}

// Deactivate stops automatic work for the user until they authenticate again.
func (s *Service) Deactivate(ctx context.Context, id int64, reason string) error {
	if err := s.repo.Deactivate(ctx, id, reason); err != nil {
		return err
	}
	s.logger.Warn("user deactivated", zap.Int64("user_id", id), zap.String("reason", reason))
	if s.onDeactivated != nil {
		if u, err := s.repo.GetByID(ctx, id); err == nil {
			s.onDeactivated(u, reason)
		}
	}
	return nil
}

// ImportResult summarizes an Import call.
type ImportResult struct {
	Imported []int64 // athlete ids
	Skipped  []int64 // athlete ids already present
}

// Export writes every user, credentials included, as a sealed archive.
func (s *Service) Export(ctx context.Context, passphrase string) ([]byte, error) {
	all, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]exportRecord, 0, len(all))
	for i := range all {
		records = append(records, toExportRecord(&all[i]))
	}
	return seal(records, passphrase)
}

// Import restores users from an archive produced by Export. Athletes that
// already exist are skipped; each imported active user gets a sync trigger.
func (s *Service) Import(ctx context.Context, data []byte, passphrase string) (*ImportResult, error) {
	records, err := open(data, passphrase)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{}
	for _, rec := range records {
		u := rec.toUser()
		if err := s.repo.Insert(ctx, u); err != nil {
			if errors.Is(err, ErrDuplicateAthlete) {
				res.Skipped = append(res.Skipped, rec.AthleteID)
				continue
			}
			return res, fmt.Errorf("import athlete %d: %w", rec.AthleteID, err)
		}
		res.Imported = append(res.Imported, rec.AthleteID)
		if u.Active && s.trigger != nil {
			s.trigger(u.ID)
		}
	}

	s.logger.Info("users imported",
		zap.Int("imported", len(res.Imported)),
		zap.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

type exportRecord struct {
	AthleteID         int64        `json:"athlete_id"`
	Firstname         string       `json:"firstname"`
	Lastname          string       `json:"lastname"`
	ProfileImage      string       `json:"profile_image"`
	AccessToken       string       `json:"access_token"`
	RefreshToken      string       `json:"refresh_token"`
	TokenExpiresAt    time.Time    `json:"token_expires_at"`
	Scopes            []string     `json:"scopes"`
	PrivacyTier       privacy.Tier `json:"privacy_tier"`
	Active            bool         `json:"active"`
	DeactivatedReason string       `json:"deactivated_reason,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

func toExportRecord(u *User) exportRecord {
	return exportRecord{
		AthleteID:         u.AthleteID,
		Firstname:         u.Firstname,
		Lastname:          u.Lastname,
		ProfileImage:      u.ProfileImage,
		AccessToken:       u.AccessToken,
		RefreshToken:      u.RefreshToken,
		TokenExpiresAt:    u.TokenExpiresAt,
		Scopes:            u.Scopes,
		PrivacyTier:       u.PrivacyTier,
		Active:            u.Active,
		DeactivatedReason: u.DeactivatedReason,
		CreatedAt:         u.CreatedAt,
	}
}

func (r exportRecord) toUser() *User {
	tier := r.PrivacyTier
	if _, err := privacy.ParseTier(string(tier)); err != nil {
		tier = privacy.TierPublic
	}
	return &User{
		AthleteID:         r.AthleteID,
		Firstname:         r.Firstname,
		Lastname:          r.Lastname,
		ProfileImage:      r.ProfileImage,
		AccessToken:       r.AccessToken,
		RefreshToken:      r.RefreshToken,
		TokenExpiresAt:    r.TokenExpiresAt,
		Scopes:            r.Scopes,
		PrivacyTier:       tier,
		Active:            r.Active,
		DeactivatedReason: r.DeactivatedReason,
		CreatedAt:         r.CreatedAt,
	}
}
