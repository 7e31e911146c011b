package activities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when an activity lookup finds no matching record.
var ErrNotFound = errors.New("activity not found")

// lockNamespace is the first key of the per-user advisory lock taken by
// UpsertBatch. It must not collide with other advisory lock users.
const lockNamespace = int32(0x434c5542)

const upsertSQL = `
	INSERT INTO activities (user_id, activity_id, name, type, sport_type, start_date,
		distance, moving_time, elapsed_time, total_elevation_gain, average_speed,
		average_heartrate, max_heartrate, kudos_count, visibility, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
	ON CONFLICT (user_id, activity_id) DO UPDATE SET
		kudos_count = EXCLUDED.kudos_count,
		visibility = EXCLUDED.visibility,
		updated_at = EXCLUDED.updated_at
	WHERE activities.kudos_count IS DISTINCT FROM EXCLUDED.kudos_count
	   OR activities.visibility IS DISTINCT FROM EXCLUDED.visibility
	RETURNING (xmax = 0)`

const activityColumns = `user_id, activity_id, name, type, sport_type, start_date,
	distance, moving_time, elapsed_time, total_elevation_gain, average_speed,
	average_heartrate, max_heartrate, kudos_count, visibility, created_at, updated_at`

// Repository persists activities in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Upsert inserts a new activity or refreshes the mutable fields of an
// existing one.
func (r *Repository) Upsert(ctx context.Context, a Activity) (Outcome, error) {
	return upsert(ctx, r.db, a, time.Now().UTC())
}

// UpsertBatch applies Upsert to every activity of one user inside a single
// transaction holding that user's advisory lock, so interleaved syncs for
// the same user serialize at the database as well.
func (r *Repository) UpsertBatch(ctx context.Context, userID int64, batch []Activity) (Counts, error) {
	var counts Counts
	if len(batch) == 0 {
		return counts, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return counts, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, $2)", lockNamespace, int32(userID)); err != nil {
		return counts, fmt.Errorf("acquire advisory lock: %w", err)
	}

	now := time.Now().UTC()
	for _, a := range batch {
		if a.UserID != userID {
			return Counts{}, fmt.Errorf("activity %d belongs to user %d, not %d", a.ActivityID, a.UserID, userID)
		}
		o, err := upsert(ctx, tx, a, now)
		if err != nil {
			return Counts{}, err
		}
		counts.Add(o)
	}

	if err := tx.Commit(ctx); err != nil {
		return Counts{}, fmt.Errorf("commit: %w", err)
	}
	return counts, nil
}

func upsert(ctx context.Context, q querier, a Activity, now time.Time) (Outcome, error) {
	var inserted bool
	err := q.QueryRow(ctx, upsertSQL,
		a.UserID, a.ActivityID, a.Name, a.Type, a.SportType, a.StartDate.UTC(),
		a.Distance, a.MovingTime, a.ElapsedTime, a.TotalElevationGain, a.AverageSpeed,
		a.AverageHeartrate, a.MaxHeartrate, a.KudosCount, a.Visibility, now,
	).Scan(&inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Conflict with identical mutable fields: the WHERE clause suppressed the update.
		return Unchanged, nil
	case err != nil:
		return "", fmt.Errorf("upsert activity %d: %w", a.ActivityID, err)
	case inserted:
		return Inserted, nil
	default:
		return Updated, nil
	}
}

// LatestStartDate returns the sync cursor for a user: the maximum stored
// start time, or the zero time when nothing is stored yet.
func (r *Repository) LatestStartDate(ctx context.Context, userID int64) (time.Time, error) {
	var latest *time.Time
	if err := r.db.QueryRow(ctx,
		`SELECT MAX(start_date) FROM activities WHERE user_id = $1`, userID,
	).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("query cursor: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

// Get returns one activity by natural key.
func (r *Repository) Get(ctx context.Context, userID, activityID int64) (*Activity, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE user_id = $1 AND activity_id = $2`,
		userID, activityID)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	list, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// ListByUser returns a user's activities, newest first. limit <= 0 means no limit.
func (r *Repository) ListByUser(ctx context.Context, userID int64, limit int) ([]Activity, error) {
	q := `SELECT ` + activityColumns + ` FROM activities WHERE user_id = $1 ORDER BY start_date DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	return collect(rows)
}

// CountByUser returns how many activities are stored for a user.
func (r *Repository) CountByUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM activities WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

func collect(rows pgx.Rows) ([]Activity, error) {
	defer rows.Close()
	var out []Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(
			&a.UserID, &a.ActivityID, &a.Name, &a.Type, &a.SportType, &a.StartDate,
			&a.Distance, &a.MovingTime, &a.ElapsedTime, &a.TotalElevationGain, &a.AverageSpeed,
			&a.AverageHeartrate, &a.MaxHeartrate, &a.KudosCount, &a.Visibility, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
