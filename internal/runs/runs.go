// Package runs records the history of scheduler cycles and the per-user
// failures inside them.
package runs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Run is one completed cycle.
type Run struct {
	ID         uuid.UUID `json:"id"`
	Kind       string    `json:"kind"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Deferred   int       `json:"deferred"`
	Skipped    int       `json:"skipped"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Failure is one user's failure within a run.
type Failure struct {
	UserID  int64  `json:"user_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Repository stores runs in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Record inserts a run and its failures in one transaction.
func (r *Repository) Record(ctx context.Context, run Run) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO sync_runs (id, kind, state, started_at, finished_at, succeeded, failed, deferred, skipped)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Kind, run.State, run.StartedAt, run.FinishedAt,
		run.Succeeded, run.Failed, run.Deferred, run.Skipped,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, f := range run.Failures {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sync_failures (run_id, user_id, kind, message)
			VALUES ($1, $2, $3, $4)`,
			run.ID, f.UserID, f.Kind, f.Message,
		); err != nil {
			return fmt.Errorf("insert failure: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Recent returns the latest runs, newest first, with their failures.
func (r *Repository) Recent(ctx context.Context, limit int) ([]Run, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, kind, state, started_at, finished_at, succeeded, failed, deferred, skipped
		FROM sync_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.Kind, &run.State, &run.StartedAt, &run.FinishedAt,
			&run.Succeeded, &run.Failed, &run.Deferred, &run.Skipped); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}
	return out, r.attachFailures(ctx, out)
}

func (r *Repository) attachFailures(ctx context.Context, list []Run) error {
	ids := make([]uuid.UUID, len(list))
	index := make(map[uuid.UUID]int, len(list))
	for i, run := range list {
		ids[i] = run.ID
		index[run.ID] = i
	}
	rows, err := r.db.Query(ctx, `
		SELECT run_id, user_id, kind, message
		FROM sync_failures WHERE run_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			runID uuid.UUID
			f     Failure
		)
		if err := rows.Scan(&runID, &f.UserID, &f.Kind, &f.Message); err != nil {
			return fmt.Errorf("scan failure: %w", err)
		}
		i := index[runID]
		list[i].Failures = append(list[i].Failures, f)
	}
	return rows.Err()
}
