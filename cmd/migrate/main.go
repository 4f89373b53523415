// Package main applies the SQL migrations in db/migrations to the escrow
// database.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/archon-research/dca/db/migrator"
	"github.com/archon-research/dca/internal/adapters/outbound/postgres"
	"github.com/archon-research/dca/internal/pkg/env"
)

func main() {
	dbURL := flag.String("db", "", "PostgreSQL connection URL")
	dir := flag.String("dir", "./db/migrations", "Directory containing the .sql migrations")
	flag.Parse()

	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))

	if *dbURL == "" {
		*dbURL = env.Get("DATABASE_URL", "")
	}
	if *dbURL == "" {
		logger.Error("database URL not provided (use -db flag or DATABASE_URL env var)")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg := postgres.DefaultPoolConfig(*dbURL)
	cfg.MaxConns = 2
	cfg.ApplicationName = "dca-migrate"
	pool, err := postgres.OpenPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	applied, err := migrator.New(pool, *dir, logger).ApplyAll(ctx)
	if err != nil {
		logger.Error("migration failed", "error", err, "applied", applied)
		pool.Close()
		os.Exit(1)
	}

	logger.Info("all migrations up to date", "applied", len(applied))
}
