// Command trader runs the timed trader (§4.J): arms ahead of a round's
// close on strong pre-final signals and places one bet per epoch at the
// latest safe moment. Lifecycle follows the teacher's cmd/bot/main.go.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"updown-pipeline/internal/bus"
	"updown-pipeline/internal/chain"
	"updown-pipeline/internal/config"
	"updown-pipeline/internal/health"
	"updown-pipeline/internal/store"
	"updown-pipeline/internal/trader"
)

func main() {
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
		PrivateKey:  cfg.Chain.PrivateKey,
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

	b := bus.New(rdb, log)
	arming := trader.NewArmingCache(rdb, time.Duration(cfg.Trader.ArmMaxAgeMs)*time.Millisecond)

	if !cfg.Trader.Enabled {
		log.Warn("trader.enabled=false — arming and logging run, no transactions will ever be sent")
	}
	if cfg.Trader.DryRun {
		log.Warn("trader.dry_run=true — no real transactions will be sent")
	}

	tr := trader.NewTrader(chainClient, db, b, arming, cfg.Trader, log)

	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.NewServer("trader", cfg.Health.Port, log)
		go func() {
			if err := healthSrv.Start(); err != nil {
				log.Error("health server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(ctx) }()

	if healthSrv != nil {
		healthSrv.SetReady(true)
	}
	log.Info("trader started", "dry_run", cfg.Trader.DryRun, "min_confidence", cfg.Trader.MinConfidence)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Error("trader exited unexpectedly", "error", err)
		}
	}

	if healthSrv != nil {
		_ = healthSrv.Stop()
	}
	log.Info("trader stopped")
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
