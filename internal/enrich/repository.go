package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements Store against PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Pending implements Store. Only activities of active users are selected;
// the zones job additionally requires a heart-rate summary.
func (r *Repository) Pending(ctx context.Context, kind Kind, limit int) ([]Target, error) {
	q := `
		SELECT a.user_id, a.activity_id, a.start_date
		FROM activities a
		JOIN users u ON u.id = a.user_id
		LEFT JOIN enrichment_markers m
		  ON m.user_id = a.user_id AND m.activity_id = a.activity_id AND m.kind = $1
		WHERE u.active
		  AND (m.status IS NULL OR (m.status = 'failed' AND m.attempts < $2))`
	if kind == KindZones {
		q += ` AND a.average_heartrate > 0`
	}
	q += ` ORDER BY COALESCE(m.attempts, 0), a.start_date DESC, a.activity_id DESC`
	args := []any{kind, MaxAttempts}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.UserID, &t.ActivityID, &t.StartDate); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveZones implements Store.
func (r *Repository) SaveZones(ctx context.Context, z HRZones) error {
	return r.inTx(ctx, Target{UserID: z.UserID, ActivityID: z.ActivityID}, KindZones, StatusDone, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO activity_hr_zones (user_id, activity_id, zone1, zone2, zone3, zone4, zone5)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, activity_id) DO NOTHING`,
			z.UserID, z.ActivityID, z.Seconds[0], z.Seconds[1], z.Seconds[2], z.Seconds[3], z.Seconds[4])
		return err
	})
}

// SaveGeo implements Store.
func (r *Repository) SaveGeo(ctx context.Context, g GeoPoint) error {
	return r.inTx(ctx, Target{UserID: g.UserID, ActivityID: g.ActivityID}, KindGeo, StatusDone, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO activity_geo (user_id, activity_id, lat, lng)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id, activity_id) DO NOTHING`,
			g.UserID, g.ActivityID, g.Lat, g.Lng)
		return err
	})
}

// SaveSegments implements Store. Segment master rows are refreshed; efforts
// are inserted once per (user, effort).
func (r *Repository) SaveSegments(ctx context.Context, t Target, segments []Segment, efforts []SegmentEffort) error {
	return r.inTx(ctx, t, KindSegments, StatusDone, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, s := range segments {
			batch.Queue(`
				INSERT INTO segments (id, name, activity_type, distance, average_grade, maximum_grade,
					elevation_high, elevation_low, climb_category, city, state, country)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (id) DO UPDATE SET
					name = EXCLUDED.name,
					activity_type = EXCLUDED.activity_type,
					distance = EXCLUDED.distance,
					average_grade = EXCLUDED.average_grade,
					maximum_grade = EXCLUDED.maximum_grade,
					elevation_high = EXCLUDED.elevation_high,
					elevation_low = EXCLUDED.elevation_low,
					climb_category = EXCLUDED.climb_category,
					city = EXCLUDED.city,
					state = EXCLUDED.state,
					country = EXCLUDED.country`,
				s.ID, s.Name, s.ActivityType, s.Distance, s.AverageGrade, s.MaximumGrade,
				s.ElevationHigh, s.ElevationLow, s.ClimbCategory, s.City, s.State, s.Country)
		}
		for _, e := range efforts {
			batch.Queue(`
				INSERT INTO segment_efforts (user_id, effort_id, activity_id, segment_id, name,
					elapsed_time, moving_time, start_date, distance, average_heartrate, max_heartrate,
					pr_rank, kom_rank)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				ON CONFLICT (user_id, effort_id) DO NOTHING`,
				e.UserID, e.EffortID, e.ActivityID, e.SegmentID, e.Name,
				e.ElapsedTime, e.MovingTime, e.StartDate, e.Distance, e.AverageHeartrate, e.MaxHeartrate,
				e.PRRank, e.KOMRank)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

// MarkUnavailable implements Store.
func (r *Repository) MarkUnavailable(ctx context.Context, t Target, kind Kind) error {
	return r.inTx(ctx, t, kind, StatusUnavailable, func(pgx.Tx) error { return nil })
}

// MarkFailed implements Store. Each call counts one attempt; terminal
// markers are left untouched.
func (r *Repository) MarkFailed(ctx context.Context, t Target, kind Kind) error {
	if _, err := r.db.Exec(ctx, `
		INSERT INTO enrichment_markers (user_id, activity_id, kind, status, attempts, marked_at)
		VALUES ($1, $2, $3, $4, 1, $5)
		ON CONFLICT (user_id, activity_id, kind) DO UPDATE SET
			attempts = enrichment_markers.attempts + 1,
			marked_at = EXCLUDED.marked_at
		WHERE enrichment_markers.status = 'failed'`,
		t.UserID, t.ActivityID, kind, StatusFailed, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("mark %s failed: %w", kind, err)
	}
	return nil
}

// inTx runs fn and records the marker for (t, kind) in the same
// transaction. A failed marker is overwritten; terminal ones are kept.
func (r *Repository) inTx(ctx context.Context, t Target, kind Kind, status MarkerStatus, fn func(pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return fmt.Errorf("save %s: %w", kind, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO enrichment_markers (user_id, activity_id, kind, status, marked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, activity_id, kind) DO UPDATE SET
			status = EXCLUDED.status,
			marked_at = EXCLUDED.marked_at
		WHERE enrichment_markers.status = 'failed'`,
		t.UserID, t.ActivityID, kind, status, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
