// Package store is the relational store gateway (§4.D): a pooled,
// transactional Postgres client. It is grounded on
// other_examples/manifests/NevzatMmc-updown's BetService — same
// sqlx.DB + BeginTxx + deferred-rollback-on-error + Commit shape — adapted
// from per-bet wallet transactions to a single per-epoch-sync transaction
// that writes a round, its bets, its claims, its multi-claim summaries, and
// a finalized marker atomically.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store wraps a connection pool to Postgres.
type Store struct {
	db  *sqlx.DB
	log *slog.Logger
}

// Config bounds the connection pool, per §5 "max 10 connections per worker
// process, 15 for the dashboard collaborator" (the dashboard bound is
// documented but unused since no dashboard process exists in this module).
type Config struct {
	DatabaseURL      string
	MaxOpenConns     int
	ConnMaxLifetime  time.Duration
	ConnectTimeout   time.Duration
	StatementTimeout time.Duration
}

// Open connects to Postgres and bounds the pool per cfg.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db, log: log.With("component", "store")}, nil
}

// Bootstrap issues the table-creation DDL. Intended for dev/test use; a
// production deployment runs migrations out of band.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, DDL); err != nil {
		return fmt.Errorf("store: bootstrap: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a single transaction, committing on success and
// rolling back on any error fn returns — the same shape as
// BetService.PlaceBet's begin/defer-rollback/commit sequence.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
