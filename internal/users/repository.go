package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/clubsync/internal/privacy"
)

// ErrNotFound is returned when a user lookup finds no matching record.
var ErrNotFound = errors.New("user not found")

// ErrDuplicateAthlete is returned when an insert collides with an existing athlete id.
var ErrDuplicateAthlete = errors.New("athlete already registered")

// ErrCredentialsChanged is returned when a credential update loses a race
// with a concurrent refresh of the same user.
var ErrCredentialsChanged = errors.New("credentials changed concurrently")

const userColumns = `id, athlete_id, firstname, lastname, profile_image,
	access_token, refresh_token, token_expires_at, scopes, privacy_tier,
	active, deactivated_reason, created_at, last_login_at, last_sync_at`

// Repository provides persistence for users against PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// UpsertFromAuth creates the user on first authentication or refreshes the
// profile and credentials of an existing one, reactivating it. It reports
// whether a new row was created.
func (r *Repository) UpsertFromAuth(ctx context.Context, u *User) (bool, error) {
	now := time.Now().UTC()
	q := `
		INSERT INTO users (athlete_id, firstname, lastname, profile_image,
			access_token, refresh_token, token_expires_at, scopes, privacy_tier,
			active, deactivated_reason, created_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, '', $10, $10)
		ON CONFLICT (athlete_id) DO UPDATE SET
			firstname = EXCLUDED.firstname,
			lastname = EXCLUDED.lastname,
			profile_image = EXCLUDED.profile_image,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			scopes = EXCLUDED.scopes,
			active = true,
			deactivated_reason = '',
			last_login_at = EXCLUDED.last_login_at
		RETURNING ` + userColumns + `, (xmax = 0)`

	tier := u.PrivacyTier
	if tier == "" {
		tier = privacy.TierPublic
	}
	var created bool
	row := r.db.QueryRow(ctx, q,
		u.AthleteID, u.Firstname, u.Lastname, u.ProfileImage,
		u.AccessToken, u.RefreshToken, u.TokenExpiresAt, scopeList(u.Scopes), tier, now,
	)
	if err := scanUser(row, u, &created); err != nil {
		return false, fmt.Errorf("upsert user: %w", err)
	}
	return created, nil
}

// Insert adds a user only if the athlete id is unknown.
func (r *Repository) Insert(ctx context.Context, u *User) error {
	q := `
		INSERT INTO users (athlete_id, firstname, lastname, profile_image,
			access_token, refresh_token, token_expires_at, scopes, privacy_tier,
			active, deactivated_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + userColumns

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	row := r.db.QueryRow(ctx, q,
		u.AthleteID, u.Firstname, u.Lastname, u.ProfileImage,
		u.AccessToken, u.RefreshToken, u.TokenExpiresAt, scopeList(u.Scopes), u.PrivacyTier,
		u.Active, u.DeactivatedReason, u.CreatedAt,
	)
	if err := scanUser(row, u); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateAthlete
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by internal id.
func (r *Repository) GetByID(ctx context.Context, id int64) (*User, error) {
	return r.scanOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByAthleteID retrieves a user by remote athlete id.
func (r *Repository) GetByAthleteID(ctx context.Context, athleteID int64) (*User, error) {
	return r.scanOne(ctx, `SELECT `+userColumns+` FROM users WHERE athlete_id = $1`, athleteID)
}

// ListActive returns every active user ordered by id.
func (r *Repository) ListActive(ctx context.Context) ([]User, error) {
	return r.scanMany(ctx, `SELECT `+userColumns+` FROM users WHERE active ORDER BY id`)
}

// ListAll returns every user ordered by id.
func (r *Repository) ListAll(ctx context.Context) ([]User, error) {
	return r.scanMany(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
}

// UpdateCredentials stores a refreshed credential set. The update only
// applies while the stored refresh token still equals previousRefresh, so two
// concurrent refreshes cannot overwrite each other.
func (r *Repository) UpdateCredentials(ctx context.Context, id int64, previousRefresh string, c Credentials) error {
	q := `
		UPDATE users
		SET access_token = $3, refresh_token = $4, token_expires_at = $5, scopes = $6
		WHERE id = $1 AND refresh_token = $2`
	tag, err := r.db.Exec(ctx, q, id, previousRefresh, c.AccessToken, c.RefreshToken, c.ExpiresAt, scopeList(c.Scopes))
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialsChanged
	}
	return nil
}

// Deactivate marks the user inactive with the given reason.
func (r *Repository) Deactivate(ctx context.Context, id int64, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET active = false, deactivated_reason = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPrivacyTier updates the user-level privacy setting.
func (r *Repository) SetPrivacyTier(ctx context.Context, id int64, tier privacy.Tier) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET privacy_tier = $2 WHERE id = $1`, id, tier)
	if err != nil {
		return fmt.Errorf("set privacy tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSync records a completed sync.
func (r *Repository) TouchLastSync(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET last_sync_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *Repository) scanOne(ctx context.Context, q string, args ...any) (*User, error) {
	var u User
	if err := scanUser(r.db.QueryRow(ctx, q, args...), &u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (r *Repository) scanMany(ctx context.Context, q string, args ...any) ([]User, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// scanUser scans userColumns, followed by any extra destinations.
func scanUser(row pgx.Row, u *User, extra ...any) error {
	dest := []any{
		&u.ID, &u.AthleteID, &u.Firstname, &u.Lastname, &u.ProfileImage,
		&u.AccessToken, &u.RefreshToken, &u.TokenExpiresAt, &u.Scopes, &u.PrivacyTier,
		&u.Active, &u.DeactivatedReason, &u.CreatedAt, &u.LastLoginAt, &u.LastSyncAt,
	}
	return row.Scan(append(dest, extra...)...)
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// scopeList maps a nil slice to an empty one; pgx encodes nil as NULL and
// the column is NOT NULL.
func scopeList(scopes []string) []string {
	if scopes == nil {
		return []string{}
	}
	return scopes
}
