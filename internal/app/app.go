// Package app assembles the engine's components from a Config. Both the
// daemon and the operator CLI build on it so they share one wiring.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/activities"
	"github.com/jmerrifield20/clubsync/internal/auth"
	"github.com/jmerrifield20/clubsync/internal/clock"
	"github.com/jmerrifield20/clubsync/internal/config"
	"github.com/jmerrifield20/clubsync/internal/enrich"
	"github.com/jmerrifield20/clubsync/internal/events"
	"github.com/jmerrifield20/clubsync/internal/governor"
	"github.com/jmerrifield20/clubsync/internal/health"
	"github.com/jmerrifield20/clubsync/internal/leaderboard"
	"github.com/jmerrifield20/clubsync/internal/memstore"
	"github.com/jmerrifield20/clubsync/internal/metrics"
	"github.com/jmerrifield20/clubsync/internal/privacy"
	"github.com/jmerrifield20/clubsync/internal/runs"
	"github.com/jmerrifield20/clubsync/internal/scheduler"
	"github.com/jmerrifield20/clubsync/internal/strava"
	"github.com/jmerrifield20/clubsync/internal/syncer"
	"github.com/jmerrifield20/clubsync/internal/tokens"
	"github.com/jmerrifield20/clubsync/internal/users"
)

// userStore is implemented by users.Repository and memstore.Store.
type userStore interface {
	UpsertFromAuth(ctx context.Context, u *users.User) (bool, error)
	Insert(ctx context.Context, u *users.User) error
	GetByID(ctx context.Context, id int64) (*users.User, error)
	GetByAthleteID(ctx context.Context, athleteID int64) (*users.User, error)
	ListActive(ctx context.Context) ([]users.User, error)
	ListAll(ctx context.Context) ([]users.User, error)
	UpdateCredentials(ctx context.Context, id int64, previousRefresh string, c users.Credentials) error
	Deactivate(ctx context.Context, id int64, reason string) error
	SetPrivacyTier(ctx context.Context, id int64, tier privacy.Tier) error
	TouchLastSync(ctx context.Context, id int64, at time.Time) error
}

type activityStore interface {
	Upsert(ctx context.Context, a activities.Activity) (activities.Outcome, error)
	UpsertBatch(ctx context.Context, userID int64, batch []activities.Activity) (activities.Counts, error)
	LatestStartDate(ctx context.Context, userID int64) (time.Time, error)
	CountByUser(ctx context.Context, userID int64) (int, error)
}

type runStore interface {
	Record(ctx context.Context, run runs.Run) error
	Recent(ctx context.Context, limit int) ([]runs.Run, error)
}

// App holds every wired component.
type App struct {
	Config     *config.Config
	DB         *pgxpool.Pool // nil when running on the in-memory store
	Governor   *governor.Governor
	Remote     *strava.Client
	Tokens     *tokens.Manager
	Users      *users.Service
	Activities activityStore
	Syncer     *syncer.Syncer
	Engine     *leaderboard.Engine
	Enrich     *enrich.Runner
	Scheduler  *scheduler.Registry
	Runs       runStore
	Issuer     *auth.Issuer
	Health     *health.Checker
	Publisher  events.Publisher
	Notifier   *events.Notifier
	Logger     *zap.Logger
}

// New connects to storage and wires the components. An empty database.url
// selects the in-memory store.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	clk := clock.Real{}

	loc, err := cfg.Trophy.Location()
	if err != nil {
		return nil, err
	}
	hour, minute, err := cfg.Trophy.Clock()
	if err != nil {
		return nil, err
	}

	var (
		us   userStore
		acts activityStore
		lb   leaderboard.Store
		enr  enrich.Store
		rs   runStore
	)
	if cfg.Database.URL == "" {
		logger.Warn("database.url is empty; using the in-memory store")
		mem := memstore.New()
		us, acts, lb, enr, rs = mem, mem, mem, mem, mem
	} else {
		db, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		a.DB = db
		us = users.NewRepository(db)
		acts = activities.NewRepository(db)
		lb = leaderboard.NewRepository(db)
		enr = enrich.NewRepository(db)
		rs = runs.NewRepository(db)
	}
	a.Activities = acts
	a.Runs = rs

	// ── Events ───────────────────────────────────────────────────────────
	if len(cfg.Events.KafkaBrokers) > 0 {
		a.Publisher = events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.TopicPrefix)
		logger.Info("publishing events to kafka", zap.Strings("brokers", cfg.Events.KafkaBrokers))
	} else {
		a.Publisher = events.Noop{}
	}
	a.Notifier = events.NewNotifier(a.Publisher, logger)

	// ── Remote access ────────────────────────────────────────────────────
	a.Governor = governor.New(governor.Config{
		ShortLimit:  cfg.Quota.ShortLimit,
		ShortWindow: cfg.Quota.ShortWindow,
		DailyLimit:  cfg.Quota.DailyLimit,
		RPS:         cfg.Quota.RPS,
		BackoffBase: cfg.Backoff.Base,
		BackoffCap:  cfg.Backoff.Cap,
	}, clk)
	a.Governor.SetStateRecord(metrics.QuotaRecorder(time.Now))

	a.Remote = strava.New(strava.Config{
		BaseURL:    cfg.Strava.BaseURL,
		Timeout:    cfg.Strava.RequestTimeout,
		MaxRetries: cfg.Strava.MaxRetries,
		RetryDelay: cfg.Strava.RetryDelay,
	}, a.Governor, clk, logger)
	a.Remote.SetCallRecord(metrics.RecordRemoteCall)

	a.Users = users.NewService(us, a.Remote, nil, logger)
	a.Users.SetDeactivatedHook(a.Notifier.UserDeactivated)

	a.Tokens = tokens.NewManager(tokens.Config{
		ClientID:       cfg.Strava.ClientID,
		ClientSecret:   cfg.Strava.ClientSecret,
		TokenURL:       cfg.Strava.TokenURL,
		RequiredScopes: cfg.Strava.RequiredScopes,
		RefreshMargin:  cfg.Tokens.RefreshMargin,
		Timeout:        cfg.Strava.RequestTimeout,
		MaxRetries:     cfg.Strava.MaxRetries,
		RetryDelay:     cfg.Strava.RetryDelay,
	}, us, a.Users, a.Governor, clk, logger)
	a.Tokens.SetRefreshRecord(metrics.RecordTokenRefresh)

	// ── Sync, aggregation, enrichment ────────────────────────────────────
	a.Syncer = syncer.New(
		syncer.NewFetcher(a.Remote, cfg.Strava.PageSize, cfg.Strava.MaxPages),
		acts, us, a.Tokens, clk, logger,
	)

	a.Engine = leaderboard.NewEngine(lb, leaderboard.Config{
		Location:      loc,
		ActivityTypes: cfg.Trophy.ActivityTypes,
		LookbackWeeks: cfg.Trophy.LookbackWeeks,
	}, clk, logger)
	a.Engine.SetAwardRecord(func(t leaderboard.Trophy) {
		metrics.RecordTrophy(t)
		a.Notifier.TrophyAwarded(t)
	})

	a.Enrich = enrich.NewRunner(enr, a.Remote, us, a.Tokens, acts, enrich.Caps{
		Zones:    cfg.Enrich.ZonesBatch,
		Geo:      cfg.Enrich.GeoBatch,
		Segments: cfg.Enrich.SegmentsBatch,
	}, logger)
	a.Enrich.SetReportRecord(metrics.RecordEnrichment)

	a.Scheduler = scheduler.New(scheduler.Config{
		Interval:        cfg.Sync.Interval,
		StartupDelay:    cfg.Sync.StartupDelay,
		Concurrency:     cfg.Sync.Concurrency,
		CycleBudget:     cfg.Sync.CycleBudget,
		UserTimeout:     cfg.Sync.UserTimeout,
		TrophyHour:      hour,
		TrophyMinute:    minute,
		Location:        loc,
		EnrichAfterSync: cfg.Enrich.AfterSync,
	}, clk, a.Governor, us, a.Syncer, a.Engine, a.Enrich, rs, logger)
	a.Scheduler.SetCycleRecord(func(r *scheduler.CycleReport) {
		metrics.RecordCycle(r)
		a.Notifier.CycleCompleted(r)
	})

	a.Users.SetTrigger(func(userID int64) {
		if res := a.Scheduler.TriggerUser(userID); res != scheduler.TriggerAccepted {
			logger.Info("sync trigger not accepted", zap.Int64("user_id", userID), zap.String("result", string(res)))
		}
	})

	// ── HTTP auth and health ─────────────────────────────────────────────
	a.Issuer = auth.NewIssuer(cfg.Auth.TriggerSecret, cfg.Auth.TriggerIssuer, cfg.Auth.TokenTTL)

	a.Health = health.New(health.Config{}, logger)
	a.Health.SetMetricsRecord(metrics.RecordHealthProbe)
	if a.DB != nil {
		a.Health.Add("database", a.DB.Ping)
	}
	if cfg.Strava.AuthURL != "" {
		a.Health.Add("remote", health.HTTPProbe(&http.Client{Timeout: cfg.Strava.RequestTimeout}, cfg.Strava.AuthURL))
	}

	return a, nil
}

// Close flushes the event publisher and releases the database pool.
func (a *App) Close() {
	if err := a.Publisher.Close(); err != nil {
		a.Logger.Warn("close event publisher", zap.Error(err))
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
