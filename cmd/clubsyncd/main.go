// clubsyncd runs the sync engine: the periodic scheduler, the HTTP API
// (OAuth handshake, sync trigger, leaderboards, admin) and a gRPC health
// endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jmerrifield20/clubsync/internal/api"
	"github.com/jmerrifield20/clubsync/internal/app"
	"github.com/jmerrifield20/clubsync/internal/config"
	"github.com/jmerrifield20/clubsync/internal/dbmigrate"
	"github.com/jmerrifield20/clubsync/migrations"
)

const serviceName = "clubsync.SyncEngine"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("clubsyncd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfgFile := flag.String("config", "", "path to clubsync.yaml")
	migrate := flag.Bool("migrate", false, "apply database migrations before starting")
	flag.Parse()

	// ── Configuration ────────────────────────────────────────────────────
	cfg, found, err := config.Load(*cfgFile)
	if err != nil {
		return err
	}
	if !found {
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if *migrate && a.DB != nil {
		n, err := dbmigrate.Apply(ctx, a.DB, migrations.FS, logger)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema up to date", zap.Int("applied", n))
	}

	// ── HTTP ─────────────────────────────────────────────────────────────
	router := api.NewRouter(api.RouterConfig{
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		RateLimitRPS: cfg.HTTP.RateLimitRPS,
		Tokens:       a.Issuer,
		OAuth: api.NewOAuthHandler(a.Users, a.Issuer, api.OAuthConfig{
			ClientID:       cfg.Strava.ClientID,
			ClientSecret:   cfg.Strava.ClientSecret,
			AuthURL:        cfg.Strava.AuthURL,
			TokenURL:       cfg.Strava.TokenURL,
			RedirectURL:    cfg.Strava.RedirectURL,
			RequiredScopes: cfg.Strava.RequiredScopes,
			FrontendURL:    cfg.HTTP.FrontendURL,
		}, logger),
		Leaderboards: api.NewLeaderboardHandler(a.Engine, logger),
		Me:           api.NewMeHandler(a.Users, a.Engine, logger),
		Sync:         api.NewSyncHandler(a.Scheduler, a.Runs, logger),
		Health:       a.Health.Handler(),
		Logger:       logger,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── gRPC health ──────────────────────────────────────────────────────
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", cfg.GRPC.Port, err)
	}
	grpcServer := grpc.NewServer()
	healthSvc := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	a.Health.SetChangeHook(func(serving bool) {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if !serving {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
		healthSvc.SetServingStatus(serviceName, status)
		healthSvc.SetServingStatus("", status)
	})

	// ── Start ────────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go a.Health.Start(ctx)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.Scheduler.Start(ctx)
	}()

	go func() {
		logger.Info("gRPC health listening", zap.Int("port", cfg.GRPC.Port))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Fatal("gRPC serve error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("HTTP listening", zap.Int("port", cfg.HTTP.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down clubsyncd...")
	healthSvc.Shutdown()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	// Stop scheduling; user syncs already started finish on their own deadline.
	cancel()
	<-schedDone
	a.Scheduler.Wait()
	grpcServer.GracefulStop()

	logger.Info("clubsyncd stopped")
	return nil
}
