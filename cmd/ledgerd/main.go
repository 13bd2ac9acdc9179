// Package main runs the findermarket contract ledger service.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	app "github.com/findermarket/ledger-core/internal/app"
	"github.com/findermarket/ledger-core/internal/app/httpapi"
	withdrawalsvc "github.com/findermarket/ledger-core/internal/app/services/withdrawals"
	"github.com/findermarket/ledger-core/internal/app/storage/postgres"
	"github.com/findermarket/ledger-core/internal/config"
	"github.com/findermarket/ledger-core/pkg/logger"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "config/ledger.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Local development convenience; production injects real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("ledgerd").WithError(err).Error("load configuration")
		os.Exit(1)
	}
	log := logger.New(cfg.Logging).WithField("component", "ledgerd")
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	var stores app.Stores
	if cfg.Database.DSN != "" {
		store, err := postgres.Open(cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Error("open postgres")
			os.Exit(1)
		}
		defer store.Close()
		stores = app.Stores{
			Ledger:        store,
			Proposals:     store,
			Contracts:     store,
			Withdrawals:   store,
			Distributions: store,
			Grants:        store,
			Settings:      store,
		}
		log.Info("using postgres storage")
	} else {
		log.Warn("DATABASE_URL not set; using in-memory storage")
	}

	opts := app.Options{
		DistributionSchedule: cfg.Workers.DistributionSchedule,
		SweepInterval:        cfg.Workers.SweepInterval,
	}
	if cfg.Redis.Addr != "" {
		opts.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		log.WithField("addr", cfg.Redis.Addr).Info("idempotency cache enabled")
	}
	if cfg.Workers.PayoutRailURL != "" {
		opts.PayoutResolver = withdrawalsvc.NewHTTPRail(cfg.Workers.PayoutRailURL, cfg.Workers.PayoutRailKey, nil)
		log.WithField("url", cfg.Workers.PayoutRailURL).Info("payout rail enabled")
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	handler, err := httpapi.NewHandler(application, httpapi.Config{
		JWTSecret:     []byte(cfg.Server.JWTSecret),
		APIKeyHash:    cfg.Server.APIKeyHash,
		WebhookSecret: cfg.Server.WebhookSecret,
		RateLimit:     rate.Limit(cfg.Server.RateLimit),
		RateBurst:     cfg.Server.RateBurst,
		AuditFile:     cfg.Server.AuditFile,
	})
	if err != nil {
		log.WithError(err).Error("build http handler")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
	log.Info("stopped")
}
