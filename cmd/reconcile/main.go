// Command reconcile runs the forward/backward/gap worker trio (§4.F)
// against the relational store. Lifecycle follows the teacher's
// cmd/bot/main.go.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-redis/redis/v8"

	"updown-pipeline/internal/chain"
	"updown-pipeline/internal/config"
	"updown-pipeline/internal/health"
	"updown-pipeline/internal/reconcile"
	"updown-pipeline/internal/store"
)

func main() {
	seedEpoch := flag.Int64("seed-epoch", 0, "sync this epoch once through the normal pipeline before starting the worker trio; its block range comes from the estimator, so it fails when no stored epoch can anchor it")
	flag.Parse()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("UPDN_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	chainClient, err := chain.NewClient(ctx, chain.Config{
		RPCURL:      cfg.Chain.RPCURL,
		ContractHex: cfg.Chain.ContractAddr,
		ChainID:     cfg.Chain.ChainID,
	})
	if err != nil {
		log.Error("failed to connect to chain", "error", err)
		os.Exit(1)
	}
	defer chainClient.Close()

	db, err := store.Open(ctx, store.Config{
		DatabaseURL:      cfg.Store.DatabaseURL,
		MaxOpenConns:     cfg.Store.MaxOpenConns,
		ConnMaxLifetime:  cfg.Store.ConnMaxLifetime,
		ConnectTimeout:   cfg.Store.ConnectTimeout,
		StatementTimeout: cfg.Store.StatementTimeout,
	}, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
	defer rdb.Close()

	lock := reconcile.NewLock(rdb, cfg.Reconcile.LockTTL)
	syncer, err := reconcile.NewSyncer(chainClient, db, lock, cfg.Reconcile.CacheMax, log)
	if err != nil {
		log.Error("failed to build syncer", "error", err)
		os.Exit(1)
	}

	workers := reconcile.NewWorkers(syncer, chainClient, db, reconcile.WorkerConfig{
		RetryMax:               cfg.Reconcile.RetryMax,
		ForwardIdleSleep:       cfg.Reconcile.ForwardIdleSleep,
		ForwardErrorSleep:      cfg.Reconcile.ForwardErrorSleep,
		BackwardStartDelay:     cfg.Reconcile.BackwardStartDelay,
		BackwardSleep:          cfg.Reconcile.BackwardSleep,
		BackwardExhaustedSleep: cfg.Reconcile.BackwardExhaustedSleep,
		GapStartDelay:          cfg.Reconcile.GapStartDelay,
		GapInterval:            cfg.Reconcile.GapInterval,
		GapMaxMissing:          cfg.Reconcile.GapMaxMissing,
		SeedEpoch:              cfg.Reconcile.SeedEpoch,
	}, log)

	if *seedEpoch > 0 {
		log.Info("seeding anchor epoch directly from chain", "epoch", *seedEpoch)
		outcome, err := syncer.Sync(ctx, *seedEpoch)
		if err != nil {
			log.Error("seed-epoch sync failed", "epoch", *seedEpoch, "error", err)
			os.Exit(1)
		}
		log.Info("seed-epoch sync complete", "epoch", *seedEpoch, "outcome", outcome)
	}

	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.NewServer("reconcile", cfg.Health.Port, log)
		go func() {
			if err := healthSrv.Start(); err != nil {
				log.Error("health server failed", "error", err)
			}
		}()
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); workers.RunForward(ctx) }()
	go func() { defer wg.Done(); workers.RunBackward(ctx) }()
	go func() { defer wg.Done(); workers.RunGap(ctx) }()

	if healthSrv != nil {
		healthSrv.SetReady(true)
	}
	log.Info("reconcile started")

	<-ctx.Done()
	log.Info("shutdown signal received")

	wg.Wait()
	if healthSrv != nil {
		_ = healthSrv.Stop()
	}
	log.Info("reconcile stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
