// cmd/migrate applies the embedded schema migrations against the configured
// database.
//
// Usage:
//
//	go run ./cmd/migrate
//	DATABASE_URL=postgres://... go run ./cmd/migrate
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/clubsync/internal/config"
	"github.com/jmerrifield20/clubsync/internal/dbmigrate"
	"github.com/jmerrifield20/clubsync/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg, _, err := config.Load(os.Getenv("CLUBSYNC_CONFIG"))
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is empty")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	applied, err := dbmigrate.Apply(ctx, db, migrations.FS, logger)
	if err != nil {
		return err
	}
	if applied == 0 {
		logger.Info("nothing to migrate, already up to date")
	} else {
		logger.Info("migrations applied", zap.Int("count", applied))
	}
	return nil
}
