// Command predictor runs the live prediction aggregator (§4.I): a single
// goroutine that turns round updates and live bets into momentum
// predictions on live_predictions. Lifecycle follows the teacher's
// cmd/bot/main.go.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"updown-pipeline/internal/bus"
	"updown-pipeline/internal/config"
	"updown-pipeline/internal/health"
	"updown-pipeline/internal/predictor"
	"updown-pipeline/internal/store"
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
	predCache := predictor.NewPredictionCache(rdb, cfg.Predictor.PredictionCacheTTL)

	agg, err := predictor.NewAggregator(db, b, predCache, cfg.Predictor, log)
	if err != nil {
		log.Error("failed to build aggregator", "error", err)
		os.Exit(1)
	}

	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.NewServer("predictor", cfg.Health.Port, log)
		go func() {
			if err := healthSrv.Start(); err != nil {
				log.Error("health server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- agg.Run(ctx) }()

	if healthSrv != nil {
		healthSrv.SetReady(true)
	}
	log.Info("predictor started")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Error("aggregator exited unexpectedly", "error", err)
		}
	}

	if healthSrv != nil {
		_ = healthSrv.Stop()
	}
	log.Info("predictor stopped")
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
