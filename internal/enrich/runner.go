// Package enrich runs the bounded backfill jobs that attach auxiliary
// detail to already stored activities: heart-rate zone breakdowns, start
// coordinates and segment efforts. Each job selects at most its batch cap
// of committed activities that have no marker for that job yet.
package enrich

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/activities"
	"github.com/jmerrifield20/clubsync/internal/strava"
	"github.com/jmerrifield20/clubsync/internal/syncerr"
	"github.com/jmerrifield20/clubsync/internal/users"
)

// Store is the persistence consumed by Runner. Every Save writes the
// record and its done marker in one transaction. Pending orders targets by
// failed attempts first, then newest first, and leaves out activities that
// reached MaxAttempts.
type Store interface {
	Pending(ctx context.Context, kind Kind, limit int) ([]Target, error)
	SaveZones(ctx context.Context, z HRZones) error
	SaveGeo(ctx context.Context, g GeoPoint) error
	SaveSegments(ctx context.Context, t Target, segments []Segment, efforts []SegmentEffort) error
	MarkUnavailable(ctx context.Context, t Target, kind Kind) error
	MarkFailed(ctx context.Context, t Target, kind Kind) error
}

// Remote is the subset of the API client used by the jobs.
type Remote interface {
	GetZones(ctx context.Context, token string, id int64) ([]strava.ActivityZone, error)
	GetActivity(ctx context.Context, token string, id int64) (*strava.DetailedActivity, error)
}

// UserSource loads users by id.
type UserSource interface {
	GetByID(ctx context.Context, id int64) (*users.User, error)
}

// Credentials supplies valid access tokens.
type Credentials interface {
	EnsureValid(ctx context.Context, u *users.User) (users.Credentials, error)
	HandleAuthError(ctx context.Context, u *users.User, err error) error
}

// ActivityRefresher merges re-fetched mutable fields into stored activities.
type ActivityRefresher interface {
	Upsert(ctx context.Context, a activities.Activity) (activities.Outcome, error)
}

// Caps holds the per-run batch size of each job.
type Caps struct {
	Zones    int
	Geo      int
	Segments int
}

func (c Caps) of(k Kind) int {
	switch k {
	case KindZones:
		return c.Zones
	case KindGeo:
		return c.Geo
	default:
		return c.Segments
	}
}

// ReportRecordFunc is an optional callback invoked after each job run.
type ReportRecordFunc func(r Report)

// Runner executes enrichment jobs.
type Runner struct {
	store     Store
	remote    Remote
	users     UserSource
	creds     Credentials
	refresher ActivityRefresher
	caps      Caps
	logger    *zap.Logger
	record    ReportRecordFunc
}

// NewRunner creates a Runner. Zero caps default to 20/20/10.
func NewRunner(store Store, remote Remote, us UserSource, creds Credentials, refresher ActivityRefresher, caps Caps, logger *zap.Logger) *Runner {
	if caps.Zones == 0 {
		caps.Zones = 20
	}
	if caps.Geo == 0 {
		caps.Geo = 20
	}
	if caps.Segments == 0 {
		caps.Segments = 10
	}
	return &Runner{
		store:     store,
		remote:    remote,
		users:     us,
		creds:     creds,
		refresher: refresher,
		caps:      caps,
		logger:    logger,
	}
}

// SetReportRecord configures the report callback.
func (r *Runner) SetReportRecord(fn ReportRecordFunc) {
	r.record = fn
}

// RunAll runs every job in turn. A quota rejection ends the whole pass.
func (r *Runner) RunAll(ctx context.Context) ([]Report, error) {
	var out []Report
	for _, k := range Kinds {
		rep, err := r.Run(ctx, k)
		if err != nil {
			return out, err
		}
		out = append(out, rep)
		if rep.QuotaHit || ctx.Err() != nil {
			break
		}
	}
	return out, nil
}

// Run executes one job over at most its batch cap of pending activities.
func (r *Runner) Run(ctx context.Context, kind Kind) (Report, error) {
	rep := Report{Kind: kind}
	targets, err := r.store.Pending(ctx, kind, r.caps.of(kind))
	if err != nil {
		return rep, fmt.Errorf("select pending %s: %w", kind, err)
	}
	rep.Selected = len(targets)

	tokens := make(map[int64]string)
	blocked := make(map[int64]bool)
	cancelled := false

	for i, t := range targets {
		if ctx.Err() != nil {
			rep.Deferred += len(targets) - i
			break
		}
		if blocked[t.UserID] {
			rep.Skipped++
			continue
		}

		token, ok, err := r.token(ctx, t.UserID, tokens)
		if err != nil {
			if _, quota := syncerr.IsQuota(err); quota {
				rep.QuotaHit = true
				rep.Deferred += len(targets) - i
				break
			}
			blocked[t.UserID] = true
			rep.Skipped++
			r.logger.Warn("enrichment credentials unavailable",
				zap.String("kind", string(kind)),
				zap.Int64("user_id", t.UserID),
				zap.String("error_kind", string(syncerr.Classify(err))),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			blocked[t.UserID] = true
			rep.Skipped++
			continue
		}

		err = r.enrichOne(ctx, kind, t, token)
		switch {
		case err == nil:
			rep.Enriched++
		case errors.Is(err, syncerr.ErrEnrichmentUnavailable):
			if merr := r.store.MarkUnavailable(ctx, t, kind); merr != nil {
				return rep, fmt.Errorf("mark unavailable: %w", merr)
			}
			rep.Unavailable++
		default:
			if _, quota := syncerr.IsQuota(err); quota {
				rep.QuotaHit = true
				rep.Deferred += len(targets) - i
				break
			}
			if ctx.Err() != nil {
				// The call was cut short; the activity stays pending.
				rep.Deferred += len(targets) - i
				cancelled = true
				break
			}
			_, auth := syncerr.IsAuth(err)
			switch {
			case auth:
				if u, uerr := r.users.GetByID(ctx, t.UserID); uerr == nil {
					_ = r.creds.HandleAuthError(ctx, u, err)
				}
				blocked[t.UserID] = true
				rep.Skipped++
			case syncerr.IsTransient(err):
				rep.Skipped++
			default:
				if merr := r.store.MarkFailed(ctx, t, kind); merr != nil {
					return rep, fmt.Errorf("mark failed: %w", merr)
				}
				rep.Failed++
			}
			r.logger.Warn("enrichment failed",
				zap.String("kind", string(kind)),
				zap.Int64("user_id", t.UserID),
				zap.Int64("activity_id", t.ActivityID),
				zap.String("error_kind", string(syncerr.Classify(err))),
				zap.Error(err),
			)
		}
		if rep.QuotaHit || cancelled {
			break
		}
	}

	r.logger.Info("enrichment job finished",
		zap.String("kind", string(kind)),
		zap.Int("selected", rep.Selected),
		zap.Int("enriched", rep.Enriched),
		zap.Int("unavailable", rep.Unavailable),
		zap.Int("failed", rep.Failed),
		zap.Int("skipped", rep.Skipped),
		zap.Int("deferred", rep.Deferred),
	)
	if r.record != nil {
		r.record(rep)
	}
	return rep, nil
}

// token returns a valid access token for the user, caching it for the run.
// ok is false when the user is inactive.
func (r *Runner) token(ctx context.Context, userID int64, cache map[int64]string) (string, bool, error) {
	if tok, ok := cache[userID]; ok {
		return tok, true, nil
	}
	u, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return "", false, err
	}
	if !u.Active {
		return "", false, nil
	}
	c, err := r.creds.EnsureValid(ctx, u)
	if err != nil {
		return "", false, err
	}
	cache[userID] = c.AccessToken
	return c.AccessToken, true, nil
}

func (r *Runner) enrichOne(ctx context.Context, kind Kind, t Target, token string) error {
	switch kind {
	case KindZones:
		zones, err := r.remote.GetZones(ctx, token, t.ActivityID)
		if err != nil {
			return err
		}
		z, ok := ZonesFromRemote(t, zones)
		if !ok {
			return syncerr.ErrEnrichmentUnavailable
		}
		return r.store.SaveZones(ctx, z)

	case KindGeo:
		d, err := r.remote.GetActivity(ctx, token, t.ActivityID)
		if err != nil {
			return err
		}
		r.refresh(ctx, t, d)
		if !d.StartLatLng.Valid() {
			return syncerr.ErrEnrichmentUnavailable
		}
		return r.store.SaveGeo(ctx, GeoPoint{
			UserID:     t.UserID,
			ActivityID: t.ActivityID,
			Lat:        d.StartLatLng.Lat(),
			Lng:        d.StartLatLng.Lng(),
		})

	case KindSegments:
		d, err := r.remote.GetActivity(ctx, token, t.ActivityID)
		if err != nil {
			return err
		}
		r.refresh(ctx, t, d)
		segments, efforts := SegmentsFromRemote(t, d)
		return r.store.SaveSegments(ctx, t, segments, efforts)
	}
	return fmt.Errorf("unknown enrichment kind %q", kind)
}

// refresh merges the detail's engagement count and visibility into the
// stored activity. Failures are logged; the enrichment itself proceeds.
func (r *Runner) refresh(ctx context.Context, t Target, d *strava.DetailedActivity) {
	if r.refresher == nil {
		return
	}
	a := activities.FromSummary(t.UserID, d.SummaryActivity)
	a.ActivityID = t.ActivityID
	if _, err := r.refresher.Upsert(ctx, a); err != nil {
		r.logger.Warn("refresh activity from detail",
			zap.Int64("user_id", t.UserID),
			zap.Int64("activity_id", t.ActivityID),
			zap.Error(err),
		)
	}
}
