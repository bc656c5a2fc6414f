package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// EpochReader is the minimal chain surface the workers need beyond what
// the Syncer already uses: the current on-chain epoch.
type EpochReader interface {
	CurrentEpoch(ctx context.Context) (int64, error)
}

// WorkerConfig holds every sleep/delay/threshold named in §4.F.
type WorkerConfig struct {
	RetryMax               int
	ForwardIdleSleep       time.Duration
	ForwardErrorSleep      time.Duration
	BackwardStartDelay     time.Duration
	BackwardSleep          time.Duration
	BackwardExhaustedSleep time.Duration
	GapStartDelay          time.Duration
	GapInterval            time.Duration
	GapMaxMissing          int
	SeedEpoch              int64
}

// Workers owns the three long-lived reconciliation loops and the syncer
// they all drive. Run-loop shape (immediate first pass, then
// ticker-driven, select on ctx.Done()) is grounded on the teacher's
// market.Scanner.Run.
type Workers struct {
	syncer *Syncer
	chain  EpochReader
	store  Store
	cfg    WorkerConfig
	log    *slog.Logger
}

// NewWorkers builds the worker trio around a shared syncer.
func NewWorkers(syncer *Syncer, chain EpochReader, store Store, cfg WorkerConfig, log *slog.Logger) *Workers {
	return &Workers{syncer: syncer, chain: chain, store: store, cfg: cfg, log: log.With("component", "reconcile")}
}

// RunForward drives the "store covers [_, current_epoch-2]" catch-up loop.
// Blocks until ctx is cancelled.
func (w *Workers) RunForward(ctx context.Context) {
	log := w.log.With("worker", "forward")
	log.Info("forward worker started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		caughtUp, err := w.forwardPass(ctx, log)
		if err != nil {
			log.Error("forward pass error", "error", err)
			if !sleepCtx(ctx, w.cfg.ForwardErrorSleep) {
				return
			}
			continue
		}
		if caughtUp {
			if !sleepCtx(ctx, w.cfg.ForwardIdleSleep) {
				return
			}
		}
	}
}

func (w *Workers) forwardPass(ctx context.Context, log *slog.Logger) (caughtUp bool, err error) {
	boundaries, err := w.store.DataBoundaries(ctx)
	if err != nil {
		return false, err
	}
	maxEpoch := boundaries.MaxEpoch
	if maxEpoch == 0 && w.cfg.SeedEpoch > 0 {
		maxEpoch = w.cfg.SeedEpoch - 1
	}

	current, err := w.chain.CurrentEpoch(ctx)
	if err != nil {
		return false, err
	}
	target := current - 2

	if maxEpoch >= target {
		return true, nil
	}

	for epoch := maxEpoch + 1; epoch <= target; epoch++ {
		select {
		case <-ctx.Done():
			return false, nil
		default:
		}
		if w.shouldSkip(ctx, epoch, log) {
			continue
		}
		w.syncOne(ctx, epoch, log)
	}
	return false, nil
}

// RunBackward drives the back-fill loop, starting after a fixed delay.
func (w *Workers) RunBackward(ctx context.Context) {
	log := w.log.With("worker", "backward")
	if !sleepCtx(ctx, w.cfg.BackwardStartDelay) {
		return
	}
	log.Info("backward worker started")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		boundaries, err := w.store.DataBoundaries(ctx)
		if err != nil {
			log.Error("backward pass error", "error", err)
			if !sleepCtx(ctx, w.cfg.BackwardSleep) {
				return
			}
			continue
		}

		minEpoch := boundaries.MinEpoch
		if minEpoch == 0 && w.cfg.SeedEpoch > 0 {
			minEpoch = w.cfg.SeedEpoch
		}
		target := minEpoch - 1

		if target < 1 {
			if !sleepCtx(ctx, w.cfg.BackwardExhaustedSleep) {
				return
			}
			continue
		}

		if !w.shouldSkip(ctx, target, log) {
			w.syncOne(ctx, target, log)
		}
		if !sleepCtx(ctx, w.cfg.BackwardSleep) {
			return
		}
	}
}

// RunGap drives the periodic missing-epoch scan.
func (w *Workers) RunGap(ctx context.Context) {
	log := w.log.With("worker", "gap")
	if !sleepCtx(ctx, w.cfg.GapStartDelay) {
		return
	}
	log.Info("gap worker started")

	ticker := time.NewTicker(w.cfg.GapInterval)
	defer ticker.Stop()

	w.gapPass(ctx, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.gapPass(ctx, log)
		}
	}
}

func (w *Workers) gapPass(ctx context.Context, log *slog.Logger) {
	boundaries, err := w.store.DataBoundaries(ctx)
	if err != nil {
		log.Error("gap pass error", "error", err)
		return
	}
	if boundaries.MaxEpoch == 0 {
		return
	}
	span := boundaries.MaxEpoch - boundaries.MinEpoch + 1
	if boundaries.DistinctCount >= span {
		return
	}

	missing := make([]int64, 0, w.cfg.GapMaxMissing)
	for e := boundaries.MinEpoch; e <= boundaries.MaxEpoch && int64(len(missing)) < int64(w.cfg.GapMaxMissing); e++ {
		finalized, err := w.store.IsFinalized(ctx, e)
		if err != nil {
			log.Error("gap pass finalized check error", "epoch", e, "error", err)
			continue
		}
		if !finalized {
			missing = append(missing, e)
		}
	}

	log.Info("gap scan found missing epochs", "count", len(missing))
	for _, e := range missing {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !w.shouldSkip(ctx, e, log) {
			w.syncOne(ctx, e, log)
		}
	}
}

func (w *Workers) shouldSkip(ctx context.Context, epoch int64, log *slog.Logger) bool {
	finalized, err := w.store.IsFinalized(ctx, epoch)
	if err != nil {
		log.Error("finalized check error", "epoch", epoch, "error", err)
		return true
	}
	if finalized {
		return true
	}
	retries, err := w.store.RetryCount(ctx, epoch)
	if err != nil {
		log.Error("retry count error", "epoch", epoch, "error", err)
		return true
	}
	return retries >= w.cfg.RetryMax
}

func (w *Workers) syncOne(ctx context.Context, epoch int64, log *slog.Logger) {
	outcome, err := w.syncer.Sync(ctx, epoch)
	switch outcome {
	case OutcomeCommitted:
		log.Info("epoch synced", "epoch", epoch)
	case OutcomeSkipped:
		log.Debug("epoch skipped", "epoch", epoch)
	case OutcomeFailed:
		log.Warn("epoch sync failed", "epoch", epoch, "error", err)
	}
}

// sleepCtx sleeps for d or returns false early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
