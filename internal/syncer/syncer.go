package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/activities"
	"github.com/jmerrifield20/clubsync/internal/clock"
	"github.com/jmerrifield20/clubsync/internal/users"
)

// ActivityStore is the activity persistence consumed by Syncer.
type ActivityStore interface {
	LatestStartDate(ctx context.Context, userID int64) (time.Time, error)
	UpsertBatch(ctx context.Context, userID int64, batch []activities.Activity) (activities.Counts, error)
}

// SyncMarker records completed syncs on the user row.
type SyncMarker interface {
	TouchLastSync(ctx context.Context, id int64, at time.Time) error
}

// Credentials supplies valid access tokens.
type Credentials interface {
	EnsureValid(ctx context.Context, u *users.User) (users.Credentials, error)
	HandleAuthError(ctx context.Context, u *users.User, err error) error
}

// Options tunes a single sync.
type Options struct {
	// Full ignores the cursor and re-reads the whole history so that
	// engagement counts and visibility of older activities are refreshed.
	Full bool
}

// Result describes one user's sync.
type Result struct {
	UserID    int64             `json:"user_id"`
	Cursor    time.Time         `json:"cursor"`
	NewCursor time.Time         `json:"new_cursor"`
	Pages     int               `json:"pages"`
	Counts    activities.Counts `json:"counts"`
}

// Syncer performs the per-user sync: credential, cursor, fetch, upsert.
type Syncer struct {
	fetcher *Fetcher
	store   ActivityStore
	marker  SyncMarker
	creds   Credentials
	clock   clock.Clock
	logger  *zap.Logger
}

// New creates a Syncer.
func New(fetcher *Fetcher, store ActivityStore, marker SyncMarker, creds Credentials, c clock.Clock, logger *zap.Logger) *Syncer {
	if c == nil {
		c = clock.Real{}
	}
	return &Syncer{fetcher: fetcher, store: store, marker: marker, creds: creds, clock: c, logger: logger}
}

// Sync fetches and stores every activity of u newer than its cursor. Each
// page is committed before the next is requested, so an error part way
// through leaves a consistent prefix and the next sync resumes from it.
func (s *Syncer) Sync(ctx context.Context, u *users.User, opts Options) (Result, error) {
	res := Result{UserID: u.ID}

	creds, err := s.creds.EnsureValid(ctx, u)
	if err != nil {
		return res, err
	}

	if !opts.Full {
		cursor, err := s.store.LatestStartDate(ctx, u.ID)
		if err != nil {
			return res, fmt.Errorf("load cursor: %w", err)
		}
		res.Cursor = cursor
	}
	res.NewCursor = res.Cursor

	for page, err := range s.fetcher.Pages(ctx, creds.AccessToken, res.Cursor) {
		if err != nil {
			return res, s.creds.HandleAuthError(ctx, u, err)
		}
		batch := make([]activities.Activity, 0, len(page))
		for _, a := range page {
			act := activities.FromSummary(u.ID, a)
			batch = append(batch, act)
			if act.StartDate.After(res.NewCursor) {
				res.NewCursor = act.StartDate
			}
		}
		counts, err := s.store.UpsertBatch(ctx, u.ID, batch)
		if err != nil {
			return res, fmt.Errorf("store page %d: %w", res.Pages+1, err)
		}
		res.Pages++
		res.Counts.Merge(counts)
	}

	if err := s.marker.TouchLastSync(ctx, u.ID, s.clock.Now().UTC()); err != nil {
		return res, fmt.Errorf("mark synced: %w", err)
	}

	s.logger.Info("user synced",
		zap.Int64("user_id", u.ID),
		zap.Int64("athlete_id", u.AthleteID),
		zap.Time("cursor", res.Cursor),
		zap.Int("pages", res.Pages),
		zap.Int("inserted", res.Counts.Inserted),
		zap.Int("updated", res.Counts.Updated),
	)
	return res, nil
}
