// Package scheduler drives the engine: periodic sync cycles across all
// active users, the daily trophy computation, enrichment passes and
// on-demand per-user syncs. One user's failure never aborts a cycle, and at
// most one sync per user is in flight at any time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/clock"
	"github.com/jmerrifield20/clubsync/internal/enrich"
	"github.com/jmerrifield20/clubsync/internal/leaderboard"
	"github.com/jmerrifield20/clubsync/internal/runs"
	"github.com/jmerrifield20/clubsync/internal/syncer"
	"github.com/jmerrifield20/clubsync/internal/syncerr"
	"github.com/jmerrifield20/clubsync/internal/users"
)

// UserSource lists and loads users.
type UserSource interface {
	ListActive(ctx context.Context) ([]users.User, error)
	GetByID(ctx context.Context, id int64) (*users.User, error)
}

// UserSyncer syncs one user.
type UserSyncer interface {
	Sync(ctx context.Context, u *users.User, opts syncer.Options) (syncer.Result, error)
}

// TrophyRunner recomputes weekly trophies.
type TrophyRunner interface {
	RunDaily(ctx context.Context) ([]leaderboard.WeekResult, error)
}

// EnrichRunner runs the enrichment jobs.
type EnrichRunner interface {
	RunAll(ctx context.Context) ([]enrich.Report, error)
}

// RunRecorder persists cycle history.
type RunRecorder interface {
	Record(ctx context.Context, run runs.Run) error
}

// QuotaState exposes the governor's backoff.
type QuotaState interface {
	BlockedUntil() time.Time
}

// Config holds scheduling settings.
type Config struct {
	Interval        time.Duration  // between periodic sync cycles; default 1h
	StartupDelay    time.Duration  // before the first sync cycle; default 30s
	Concurrency     int            // users synced in parallel; default 4
	CycleBudget     time.Duration  // wall-clock budget for scheduling users; default 20m
	UserTimeout     time.Duration  // per-user sync deadline; default 5m
	TrophyHour      int            // daily trophy time of day
	TrophyMinute    int            //
	Location        *time.Location // timezone of the trophy time of day; default UTC
	EnrichAfterSync bool           // run enrichment after each periodic sync cycle
}

// CycleRecordFunc is an optional callback invoked after each cycle.
type CycleRecordFunc func(r *CycleReport)

// Registry owns all scheduling state: the injected clock, the quota view,
// the per-user in-flight markers and the state of each cycle kind.
type Registry struct {
	cfg      Config
	clock    clock.Clock
	quota    QuotaState
	users    UserSource
	syncer   UserSyncer
	trophies TrophyRunner
	enrich   EnrichRunner
	recorder RunRecorder
	logger   *zap.Logger
	onCycle  CycleRecordFunc

	mu       sync.Mutex
	inflight map[int64]struct{}
	states   map[CycleKind]State
	running  map[CycleKind]bool
	base     context.Context
	stopped  bool

	bg sync.WaitGroup
}

// New creates a Registry. enrichRunner and recorder may be nil.
func New(cfg Config, c clock.Clock, quota QuotaState, us UserSource, s UserSyncer, trophies TrophyRunner, enrichRunner EnrichRunner, recorder RunRecorder, logger *zap.Logger) *Registry {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.StartupDelay == 0 {
		cfg.StartupDelay = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.CycleBudget == 0 {
		cfg.CycleBudget = 20 * time.Minute
	}
	if cfg.UserTimeout == 0 {
		cfg.UserTimeout = 5 * time.Minute
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Registry{
		cfg:      cfg,
		clock:    c,
		quota:    quota,
		users:    us,
		syncer:   s,
		trophies: trophies,
		enrich:   enrichRunner,
		recorder: recorder,
		logger:   logger,
		inflight: make(map[int64]struct{}),
		states:   make(map[CycleKind]State),
		running:  make(map[CycleKind]bool),
		base:     context.Background(),
	}
}

// SetCycleRecord configures the cycle callback.
func (r *Registry) SetCycleRecord(fn CycleRecordFunc) {
	r.onCycle = fn
}

// State returns the current state of a cycle kind.
func (r *Registry) State(kind CycleKind) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[kind]; ok {
		return s
	}
	return StateIdle
}

// InFlight reports whether a sync for the user is currently running.
func (r *Registry) InFlight(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inflight[userID]
	return ok
}

// Start runs the periodic loop until ctx is cancelled: an initial sync
// after the startup delay, then one every interval, and the trophy
// computation once a day at the configured time. Per-user work started
// before cancellation runs to completion; call Wait to join it.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.base = context.WithoutCancel(ctx)
	r.mu.Unlock()

	now := r.clock.Now()
	nextSync := now.Add(r.cfg.StartupDelay)
	nextTrophy := NextDaily(now, r.cfg.TrophyHour, r.cfg.TrophyMinute, r.cfg.Location)

	r.logger.Info("scheduler started",
		zap.Time("first_sync", nextSync),
		zap.Time("first_trophy", nextTrophy),
		zap.Duration("interval", r.cfg.Interval),
	)

	for {
		wake := nextSync
		if nextTrophy.Before(wake) {
			wake = nextTrophy
		}
		select {
		case <-r.clock.After(wake.Sub(r.clock.Now())):
		case <-ctx.Done():
			r.stop()
			r.logger.Info("scheduler stopped")
			return
		}

		now := r.clock.Now()
		if !now.Before(nextSync) {
			nextSync = now.Add(r.cfg.Interval)
			r.RunSyncCycle(ctx, syncer.Options{})
		}
		if !now.Before(nextTrophy) {
			nextTrophy = NextDaily(now, r.cfg.TrophyHour, r.cfg.TrophyMinute, r.cfg.Location)
			r.RunTrophies(ctx)
		}
	}
}

// Wait blocks until every on-demand sync started by TriggerUser has finished.
func (r *Registry) Wait() {
	r.bg.Wait()
}

func (r *Registry) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

// TriggerUser requests an immediate sync for one user and returns without
// waiting for it. The sync is refused when one is already in flight for
// that user.
func (r *Registry) TriggerUser(userID int64) TriggerResult {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return TriggerStopped
	}
	if _, busy := r.inflight[userID]; busy {
		r.mu.Unlock()
		return TriggerAlreadyRunning
	}
	r.inflight[userID] = struct{}{}
	base := r.base
	r.bg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.bg.Done()
		defer r.release(userID)

		report := r.begin(CycleOnDemand)
		u, err := r.users.GetByID(base, userID)
		switch {
		case err != nil:
			report.Error = fmt.Sprintf("load user %d: %v", userID, err)
		case !u.Active:
			r.logger.Info("on-demand sync skipped for inactive user", zap.Int64("user_id", userID))
			report.Users = append(report.Users, UserReport{UserID: userID, Outcome: OutcomeSkipped})
		default:
			report.Users = append(report.Users, r.syncUser(base, report.ID, *u, syncer.Options{}))
		}
		r.finish(base, report)
	}()
	return TriggerAccepted
}

// RunSyncCycle syncs every active user with bounded concurrency. When the
// cycle budget expires or the quota governor is backing off, no further
// users are started; users already started finish on their own.
func (r *Registry) RunSyncCycle(ctx context.Context, opts syncer.Options) *CycleReport {
	report := r.begin(CycleSync)
	if report == nil {
		r.logger.Warn("sync cycle already running; skipping")
		return &CycleReport{Kind: CycleSync, State: StateRunning}
	}

	r.mu.Lock()
	base := r.base
	r.mu.Unlock()

	list, err := r.users.ListActive(ctx)
	if err != nil {
		report.Error = fmt.Sprintf("list users: %v", err)
		r.finish(ctx, report)
		return report
	}

	budget, cancel := context.WithTimeout(ctx, r.cfg.CycleBudget)
	defer cancel()

	results := make([]UserReport, len(list))
	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup

	stopAt := len(list)
	var stopOutcome Outcome
	var stopKind syncerr.Kind
schedule:
	for i, u := range list {
		if budget.Err() != nil {
			stopAt, stopOutcome = i, OutcomeSkipped
			break
		}
		if until := r.quota.BlockedUntil(); r.clock.Now().Before(until) {
			stopAt, stopOutcome, stopKind = i, OutcomeDeferred, syncerr.KindQuotaExceeded
			break
		}
		select {
		case sem <- struct{}{}:
		case <-budget.Done():
			stopAt, stopOutcome = i, OutcomeSkipped
			break schedule
		}
		if !r.claim(u.ID) {
			<-sem
			results[i] = UserReport{UserID: u.ID, Outcome: OutcomeBusy}
			continue
		}

		wg.Add(1)
		go func(i int, u users.User) {
			defer wg.Done()
			defer func() { <-sem }()
			defer r.release(u.ID)
			results[i] = r.syncUser(base, report.ID, u, opts)
		}(i, u)
	}
	wg.Wait()

	for i := stopAt; i < len(list); i++ {
		results[i] = UserReport{UserID: list[i].ID, Outcome: stopOutcome, Kind: stopKind}
	}
	report.Users = results

	if r.enrich != nil && r.cfg.EnrichAfterSync && report.Count(OutcomeDeferred) == 0 {
		reps, err := r.enrich.RunAll(ctx)
		report.Enrichment = reps
		if err != nil {
			r.logger.Error("enrichment after sync", zap.Error(err))
		}
	}

	r.finish(ctx, report)
	return report
}

// RunTrophies recomputes the weekly trophies.
func (r *Registry) RunTrophies(ctx context.Context) *CycleReport {
	report := r.begin(CycleTrophy)
	if report == nil {
		return &CycleReport{Kind: CycleTrophy, State: StateRunning}
	}
	weeks, err := r.trophies.RunDaily(ctx)
	report.Weeks = weeks
	if err != nil {
		report.Error = err.Error()
	}
	r.finish(ctx, report)
	return report
}

// RunEnrichment runs one pass of every enrichment job.
func (r *Registry) RunEnrichment(ctx context.Context) *CycleReport {
	report := r.begin(CycleEnrich)
	if report == nil {
		return &CycleReport{Kind: CycleEnrich, State: StateRunning}
	}
	if r.enrich != nil {
		reps, err := r.enrich.RunAll(ctx)
		report.Enrichment = reps
		if err != nil {
			report.Error = err.Error()
		}
	}
	r.finish(ctx, report)
	return report
}

// syncUser runs one user's sync under its own deadline, derived from the
// process lifetime rather than the cycle so that a cycle running out of
// budget does not abort it.
func (r *Registry) syncUser(base context.Context, cycleID uuid.UUID, u users.User, opts syncer.Options) UserReport {
	ctx, cancel := context.WithTimeout(base, r.cfg.UserTimeout)
	defer cancel()

	res, err := r.syncer.Sync(ctx, &u, opts)
	rep := UserReport{UserID: u.ID, Result: res}
	if err == nil {
		rep.Outcome = OutcomeSucceeded
		return rep
	}

	rep.Kind = syncerr.Classify(err)
	rep.Error = err.Error()
	if _, quota := syncerr.IsQuota(err); quota {
		rep.Outcome = OutcomeDeferred
	} else {
		rep.Outcome = OutcomeFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		rep.Kind = syncerr.KindTransient
	}

	r.logger.Warn("user sync failed",
		zap.String("cycle_id", cycleID.String()),
		zap.Int64("user_id", u.ID),
		zap.Int64("athlete_id", u.AthleteID),
		zap.String("kind", string(rep.Kind)),
		zap.String("outcome", string(rep.Outcome)),
		zap.Error(err),
	)
	return rep
}

func (r *Registry) claim(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[userID]; busy {
		return false
	}
	r.inflight[userID] = struct{}{}
	return true
}

func (r *Registry) release(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, userID)
}

// begin moves a cycle kind to Running. It returns nil when a cycle of that
// kind is already running; on-demand cycles may overlap.
func (r *Registry) begin(kind CycleKind) *CycleReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind != CycleOnDemand {
		if r.running[kind] {
			return nil
		}
		r.running[kind] = true
	}
	r.states[kind] = StateRunning
	return &CycleReport{ID: uuid.New(), Kind: kind, State: StateRunning, StartedAt: r.clock.Now().UTC()}
}

func (r *Registry) finish(ctx context.Context, report *CycleReport) {
	report.FinishedAt = r.clock.Now().UTC()
	report.State = report.finalState()

	r.mu.Lock()
	r.states[report.Kind] = report.State
	delete(r.running, report.Kind)
	r.mu.Unlock()

	if r.recorder != nil {
		if err := r.recorder.Record(context.WithoutCancel(ctx), report.toRun()); err != nil {
			r.logger.Error("record run", zap.String("cycle_id", report.ID.String()), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("cycle_id", report.ID.String()),
		zap.String("kind", string(report.Kind)),
		zap.String("state", string(report.State)),
		zap.Duration("took", report.FinishedAt.Sub(report.StartedAt)),
	}
	if len(report.Users) > 0 {
		fields = append(fields,
			zap.Int("succeeded", report.Count(OutcomeSucceeded)),
			zap.Int("failed", report.Count(OutcomeFailed)),
			zap.Int("deferred", report.Count(OutcomeDeferred)),
			zap.Int("skipped", report.Count(OutcomeSkipped)),
		)
	}
	if report.Error != "" {
		fields = append(fields, zap.String("error", report.Error))
	}
	r.logger.Info("cycle finished", fields...)

	if r.onCycle != nil {
		r.onCycle(report)
	}
}

// NextDaily returns the first instant strictly after now at hour:minute in loc.
func NextDaily(now time.Time, hour, minute int, loc *time.Location) time.Time {
	local := now.In(loc)
	y, m, d := local.Date()
	next := time.Date(y, m, d, hour, minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(y, m, d+1, hour, minute, 0, 0, loc)
	}
	return next
}
