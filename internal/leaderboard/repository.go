package leaderboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/clubsync/internal/privacy"
)

// Repository implements Store against PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// ActivityRows implements Store.
func (r *Repository) ActivityRows(ctx context.Context, q RowQuery) ([]Row, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !q.From.IsZero() {
		where = append(where, "a.start_date >= "+arg(q.From))
	}
	if !q.Before.IsZero() {
		where = append(where, "a.start_date < "+arg(q.Before))
	}
	if q.UserID != 0 {
		where = append(where, "a.user_id = "+arg(q.UserID))
	}
	if q.VisibleOnly {
		where = append(where, privacy.SQLPredicate("u", "a"))
	}

	sql := `
		SELECT u.id, u.athlete_id, u.firstname, u.lastname, u.profile_image, u.privacy_tier,
			a.activity_id, a.type, a.start_date, a.distance, a.moving_time,
			a.total_elevation_gain, a.kudos_count, a.visibility
		FROM activities a
		JOIN users u ON u.id = a.user_id`
	if len(where) > 0 {
		sql += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	sql += "\n\t\tORDER BY a.start_date, a.user_id, a.activity_id"

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(
			&row.UserID, &row.AthleteID, &row.Firstname, &row.Lastname, &row.ProfileImage, &row.Tier,
			&row.ActivityID, &row.Type, &row.StartDate, &row.Distance, &row.MovingTime,
			&row.ElevationGain, &row.KudosCount, &row.Visibility,
		); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ReplaceWeek implements Store.
func (r *Repository) ReplaceWeek(ctx context.Context, weekStart time.Time, trophies []Trophy) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var previous int64
	if err := tx.QueryRow(ctx, `
		WITH cleared AS (
			DELETE FROM weekly_trophies WHERE week_start = $1
			RETURNING user_id, is_champion
		)
		SELECT COALESCE(MAX(user_id) FILTER (WHERE is_champion), 0) FROM cleared`,
		weekStart,
	).Scan(&previous); err != nil {
		return 0, fmt.Errorf("clear week: %w", err)
	}

	if len(trophies) > 0 {
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"weekly_trophies"},
			[]string{"user_id", "week_start", "week_end", "distance", "activity_count", "rank", "is_champion", "computed_at"},
			pgx.CopyFromSlice(len(trophies), func(i int) ([]any, error) {
				t := trophies[i]
				return []any{t.UserID, t.WeekStart, t.WeekEnd, t.Distance, t.ActivityCount, t.Rank, t.Champion, t.ComputedAt}, nil
			}),
		)
		if err != nil {
			return 0, fmt.Errorf("insert trophies: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return previous, nil
}

// Trophies implements Store.
func (r *Repository) Trophies(ctx context.Context, championsOnly bool, limit int) ([]TrophyRow, error) {
	sql := `
		SELECT t.user_id, t.week_start, t.week_end, t.distance, t.activity_count, t.rank,
			t.is_champion, t.computed_at, u.firstname, u.lastname, u.profile_image, u.privacy_tier
		FROM weekly_trophies t
		JOIN users u ON u.id = t.user_id`
	var args []any
	if championsOnly {
		sql += " WHERE t.is_champion"
	}
	sql += " ORDER BY t.week_start DESC, t.rank"
	if limit > 0 {
		sql += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query trophies: %w", err)
	}
	defer rows.Close()

	var out []TrophyRow
	for rows.Next() {
		var t TrophyRow
		if err := rows.Scan(
			&t.UserID, &t.WeekStart, &t.WeekEnd, &t.Distance, &t.ActivityCount, &t.Rank,
			&t.Champion, &t.ComputedAt, &t.Firstname, &t.Lastname, &t.ProfileImage, &t.Tier,
		); err != nil {
			return nil, fmt.Errorf("scan trophy: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FirstStartDate implements Store.
func (r *Repository) FirstStartDate(ctx context.Context) (time.Time, error) {
	var first *time.Time
	if err := r.db.QueryRow(ctx, `SELECT MIN(start_date) FROM activities`).Scan(&first); err != nil {
		return time.Time{}, fmt.Errorf("query first activity: %w", err)
	}
	if first == nil {
		return time.Time{}, nil
	}
	return *first, nil
}
