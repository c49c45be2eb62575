// Command ingest runs a single reinitialize against the configured source
// and store, then exits. It exits non-zero when nothing could be stored.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"shelter-api/internal/config"
	"shelter-api/internal/database"
	"shelter-api/internal/logger"
	"shelter-api/internal/metrics"
	"shelter-api/internal/services"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	logr := logger.New(cfg)
	defer logr.Sync()

	if err := cfg.Validate(); err != nil {
		logr.Error("invalid configuration", zap.Error(err))
		return 2
	}
	if cfg.StoreDriver == "memory" {
		logr.Warn("STORE_DRIVER=memory, fetched shelters are discarded on exit")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *bun.DB
	if cfg.StoreDriver == "postgres" {
		var err error
		db, err = database.New(cfg.DatabaseURL, cfg)
		if err != nil {
			logr.Error("failed to connect to database", zap.Error(err))
			return 1
		}
		defer db.Close()

		if err := database.EnsureSchema(ctx, db, false); err != nil {
			logr.Error("failed to create schema", zap.Error(err))
			return 1
		}
	}

	// nothing scrapes a one-shot run
	svc, err := services.NewShelterServiceFromConfig(cfg, db, logr.Logger, metrics.New(nil))
	if err != nil {
		logr.Error("failed to build shelter service", zap.Error(err))
		return 1
	}

	res, err := svc.Reinitialize(ctx)
	if err != nil {
		logr.Error("reinitialize failed", zap.String("run_id", res.RunID), zap.Error(err))
		return 1
	}

	logr.Info("ingest done",
		zap.String("run_id", res.RunID),
		zap.Int("count", res.Count),
		zap.Bool("complete", res.Complete),
		zap.Int("dropped", res.Dropped),
		zap.Duration("elapsed", res.Duration.Round(time.Millisecond)))
	if !res.Complete {
		return 3
	}
	return 0
}
