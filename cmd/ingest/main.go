// Command ingest runs the live-ingest process (§4.H): a websocket listener
// durably buffering on-chain bet events, and a consumer draining that
// buffer into the live-bet table. Lifecycle (load config → validate →
// construct → start → wait for signal → graceful stop) follows the
// teacher's cmd/bot/main.go.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"updown-pipeline/internal/bus"
	"updown-pipeline/internal/buffer"
	"updown-pipeline/internal/chain"
	"updown-pipeline/internal/config"
	"updown-pipeline/internal/health"
	"updown-pipeline/internal/ingest"
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

	b := bus.New(rdb, log)
	buf := buffer.New(rdb, buffer.Config{
		StreamName:    cfg.Redis.StreamName,
		ConsumerGroup: cfg.Redis.ConsumerGroup,
		BatchSize:     int64(cfg.Redis.BatchSize),
	}, log)
	if err := buf.EnsureGroup(ctx); err != nil {
		log.Error("failed to ensure consumer group", "error", err)
		os.Exit(1)
	}

	listener, err := ingest.NewListener(cfg.Chain.WSSURL, chainClient, buf, b, log)
	if err != nil {
		log.Error("failed to build listener", "error", err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	consumer := ingest.NewConsumer(buf, db, b, fmt.Sprintf("ingest-%s-%d", hostname, os.Getpid()), log)

	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.NewServer("ingest", cfg.Health.Port, log)
		go func() {
			if err := healthSrv.Start(); err != nil {
				log.Error("health server failed", "error", err)
			}
		}()
	}

	const components = 2
	errCh := make(chan error, components)
	go func() { errCh <- listener.Run(ctx) }()
	go func() { errCh <- consumer.Run(ctx) }()

	if healthSrv != nil {
		healthSrv.SetReady(true)
	}
	log.Info("ingest started")

	remaining := components
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		remaining--
		if err != nil && ctx.Err() == nil {
			log.Error("component exited unexpectedly", "error", err)
		}
	}

	cancel()
	for i := 0; i < remaining; i++ {
		<-errCh
	}
	if healthSrv != nil {
		_ = healthSrv.Stop()
	}
	log.Info("ingest stopped")
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
