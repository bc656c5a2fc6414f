// Package rangeest implements the block-range estimator (§4.E): a purely
// data-driven mapping from a target epoch to a block range wide enough to
// contain its on-chain events, reusing already-persisted block numbers
// instead of spending RPC calls on it. There is no teacher analog for this
// — it is new, pure, and unit-testable against a fake store.
package rangeest

import (
	"context"
	"fmt"
)

const (
	forwardLookahead      = 5
	backwardLookback      = 5
	blocksPerEpochWindow  = 10
	defaultBlocksPerEpoch = 410
	slack                 = 50
)

// EpochStats is one epoch's recorded bet-block footprint in the store.
type EpochStats struct {
	BetCount int
	MinBlock uint64
	MaxBlock uint64
}

// Store is the read surface the estimator needs. Satisfied by
// internal/store, kept as an interface here so the estimator stays
// independently testable against a fake.
type Store interface {
	EpochStats(ctx context.Context, epoch int64) (EpochStats, error)
}

// Range is an inclusive [From, To] block range.
type Range struct {
	From uint64
	To   uint64
}

// minBetsForAnchor is the ">5 recorded bets" anchor-eligibility threshold.
const minBetsForAnchor = 5

// Estimate returns the block range expected to contain target epoch's
// events, per §4.E. Returns an error when neither a forward nor a backward
// anchor can be found — the caller (the per-epoch sync FETCH stage) must
// skip the epoch rather than guess.
func Estimate(ctx context.Context, store Store, target int64) (Range, error) {
	if anchor, ok, err := forwardAnchor(ctx, store, target); err != nil {
		return Range{}, err
	} else if ok {
		bpe, err := blocksPerEpoch(ctx, store, anchor.epoch)
		if err != nil {
			return Range{}, err
		}
		span := bpe * uint64(anchor.epoch-target)
		from := safeSub(anchor.stats.MinBlock, span+slack)
		to := anchor.stats.MinBlock + slack
		return Range{From: from, To: to}, nil
	}

	if anchor, ok, err := backwardAnchor(ctx, store, target); err != nil {
		return Range{}, err
	} else if ok {
		bpe, err := blocksPerEpoch(ctx, store, anchor.epoch)
		if err != nil {
			return Range{}, err
		}
		span := bpe * uint64(target-anchor.epoch)
		from := safeSub(anchor.stats.MaxBlock, slack)
		to := anchor.stats.MaxBlock + span + slack
		return Range{From: from, To: to}, nil
	}

	return Range{}, fmt.Errorf("rangeest: no anchor within %d epochs of %d", forwardLookahead, target)
}

type anchor struct {
	epoch int64
	stats EpochStats
}

// forwardAnchor finds the smallest epoch in (target, target+5] with more
// than 5 recorded bets and a known min block number.
func forwardAnchor(ctx context.Context, store Store, target int64) (anchor, bool, error) {
	for e := target + 1; e <= target+forwardLookahead; e++ {
		stats, err := store.EpochStats(ctx, e)
		if err != nil {
			return anchor{}, false, fmt.Errorf("rangeest: forward stats for %d: %w", e, err)
		}
		if stats.BetCount > minBetsForAnchor && stats.MinBlock > 0 {
			return anchor{epoch: e, stats: stats}, true, nil
		}
	}
	return anchor{}, false, nil
}

// backwardAnchor finds the largest epoch in [target-5, target) with more
// than 5 recorded bets and a known max block number.
func backwardAnchor(ctx context.Context, store Store, target int64) (anchor, bool, error) {
	for e := target - 1; e >= target-backwardLookback && e >= 1; e-- {
		stats, err := store.EpochStats(ctx, e)
		if err != nil {
			return anchor{}, false, fmt.Errorf("rangeest: backward stats for %d: %w", e, err)
		}
		if stats.BetCount > minBetsForAnchor && stats.MaxBlock > 0 {
			return anchor{epoch: e, stats: stats}, true, nil
		}
	}
	return anchor{}, false, nil
}

// blocksPerEpoch computes the maximum last_block(e) - last_block(e-1) over
// consecutive >5-bet pairs in [anchorEpoch-10, anchorEpoch], defaulting to
// 410 when no consecutive pair qualifies.
func blocksPerEpoch(ctx context.Context, store Store, anchorEpoch int64) (uint64, error) {
	lo := anchorEpoch - blocksPerEpochWindow
	if lo < 1 {
		lo = 1
	}

	var prev *EpochStats
	var prevEpoch int64
	var best uint64

	for e := lo; e <= anchorEpoch; e++ {
		stats, err := store.EpochStats(ctx, e)
		if err != nil {
			return 0, fmt.Errorf("rangeest: blocks-per-epoch stats for %d: %w", e, err)
		}
		if stats.BetCount <= minBetsForAnchor {
			prev = nil
			continue
		}
		if prev != nil && e == prevEpoch+1 && stats.MaxBlock > prev.MaxBlock {
			delta := stats.MaxBlock - prev.MaxBlock
			if delta > best {
				best = delta
			}
		}
		s := stats
		prev = &s
		prevEpoch = e
	}

	if best == 0 {
		return defaultBlocksPerEpoch, nil
	}
	return best, nil
}

func safeSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
