package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"shelter-api/internal/auth"
	"shelter-api/internal/config"
	"shelter-api/internal/database"
	"shelter-api/internal/logger"
	"shelter-api/internal/metrics"
	"shelter-api/internal/routes"
	"shelter-api/internal/services"
)

func main() {
	cfg := config.Load()
	logr := logger.New(cfg)
	defer logr.Sync()

	if err := cfg.Validate(); err != nil {
		logr.Fatal("invalid configuration", zap.Error(err))
	}

	var db *bun.DB
	if cfg.StoreDriver == "postgres" {
		var err error
		db, err = database.New(cfg.DatabaseURL, cfg)
		if err != nil {
			logr.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = database.EnsureSchema(ctx, db, cfg.AdminAuthEnabled)
		cancel()
		if err != nil {
			logr.Fatal("failed to create schema", zap.Error(err))
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	shelterSvc, err := services.NewShelterServiceFromConfig(cfg, db, logr.Logger, m)
	if err != nil {
		logr.Fatal("failed to build shelter service", zap.Error(err))
	}
	deps := routes.Deps{Shelters: shelterSvc, Gatherer: reg}

	if cfg.AdminAuthEnabled {
		jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTIssuer)
		if err != nil {
			logr.Fatal("failed to init jwt manager", zap.Error(err))
		}
		deps.JWT = jwtMgr
		deps.AuthSvc = services.NewAuthService(db, jwtMgr, cfg, logr.Logger)

		if cfg.AdminBootstrapEmail != "" && cfg.AdminBootstrapPassword != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := deps.AuthSvc.EnsureLocalAdmin(ctx, cfg.AdminBootstrapEmail, cfg.AdminBootstrapPassword)
			cancel()
			if err != nil {
				logr.Fatal("failed to bootstrap admin", zap.Error(err))
			}
		}
	}

	r := routes.NewRouter(cfg, logr, deps)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logr.Info("server started",
			zap.String("port", cfg.Port),
			zap.String("store", cfg.StoreDriver),
			zap.Bool("admin_auth", cfg.AdminAuthEnabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logr.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logr.Fatal("server forced to shutdown", zap.Error(err))
	}

	logr.Info("server exited gracefully")
}
