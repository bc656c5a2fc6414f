package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"updown-pipeline/pkg/types"
)

// fakeEpochReader implements EpochReader.
type fakeEpochReader struct{ epoch int64 }

func (f *fakeEpochReader) CurrentEpoch(context.Context) (int64, error) { return f.epoch, nil }

// boundaryStore extends fakeStore with a settable DataBoundaries result,
// since the worker loops drive off it directly.
type boundaryStore struct {
	*fakeStore
	boundaries types.DataBoundaries
}

func (b *boundaryStore) DataBoundaries(context.Context) (types.DataBoundaries, error) {
	return b.boundaries, nil
}

func testWorkers(t *testing.T, reader *fakeEpochReader, store *boundaryStore, cfg WorkerConfig) *Workers {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	syncer, err := NewSyncer(happyPathChain(), store, newTestLock(t), 100, log)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	return NewWorkers(syncer, reader, store, cfg, log)
}

func TestForwardPassCatchesUpToCurrentMinusTwo(t *testing.T) {
	t.Parallel()
	store := &boundaryStore{fakeStore: newFakeStore(), boundaries: types.DataBoundaries{MinEpoch: 419125, MaxEpoch: 419129}}
	reader := &fakeEpochReader{epoch: 419131} // target = 419129, already caught up
	w := testWorkers(t, reader, store, WorkerConfig{RetryMax: 3})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	caughtUp, err := w.forwardPass(context.Background(), log)
	if err != nil {
		t.Fatalf("forwardPass: %v", err)
	}
	if !caughtUp {
		t.Error("expected forwardPass to report caught up when maxEpoch >= target")
	}
}

func TestForwardPassSyncsBehindEpochs(t *testing.T) {
	t.Parallel()
	store := &boundaryStore{fakeStore: newFakeStore(), boundaries: types.DataBoundaries{MinEpoch: 419129, MaxEpoch: 419129}}
	reader := &fakeEpochReader{epoch: 419133} // target = 419131, two epochs behind
	w := testWorkers(t, reader, store, WorkerConfig{RetryMax: 3})

	// Every synced epoch shares the same fake chain round (epoch 419131's
	// shape); that's fine, forwardPass only exercises the loop bounds here.
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	caughtUp, err := w.forwardPass(context.Background(), log)
	if err != nil {
		t.Fatalf("forwardPass: %v", err)
	}
	if caughtUp {
		t.Error("expected forwardPass to report not-caught-up after a sync pass")
	}
	if len(store.synced) != 2 {
		t.Errorf("synced %d epochs, want 2 (419130, 419131)", len(store.synced))
	}
}

func TestForwardPassSeedsFromEmptyStore(t *testing.T) {
	t.Parallel()
	store := &boundaryStore{fakeStore: newFakeStore(), boundaries: types.DataBoundaries{}}
	reader := &fakeEpochReader{epoch: 419131 + 2}
	w := testWorkers(t, reader, store, WorkerConfig{RetryMax: 3, SeedEpoch: 419131})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := w.forwardPass(context.Background(), log)
	if err != nil {
		t.Fatalf("forwardPass: %v", err)
	}
	if len(store.synced) != 1 || store.synced[0].Epoch != 419131 {
		t.Errorf("synced = %+v, want exactly epoch 419131 from the seed", store.synced)
	}
}

func TestShouldSkipHonorsRetryMax(t *testing.T) {
	t.Parallel()
	store := &boundaryStore{fakeStore: newFakeStore()}
	store.retryCounts[419131] = 5
	reader := &fakeEpochReader{epoch: 419140}
	w := testWorkers(t, reader, store, WorkerConfig{RetryMax: 3})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if !w.shouldSkip(context.Background(), 419131, log) {
		t.Error("expected shouldSkip to return true once retry_count >= RetryMax")
	}
}

func TestGapPassScansMissingEpochs(t *testing.T) {
	t.Parallel()
	store := &boundaryStore{fakeStore: newFakeStore(), boundaries: types.DataBoundaries{MinEpoch: 419125, MaxEpoch: 419131, DistinctCount: 3}}
	store.finalized[419125] = true
	store.finalized[419126] = true
	store.finalized[419131] = true
	reader := &fakeEpochReader{epoch: 419131}
	w := testWorkers(t, reader, store, WorkerConfig{RetryMax: 3, GapMaxMissing: 10})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w.gapPass(context.Background(), log)

	for _, e := range []int64{419127, 419128, 419129, 419130} {
		if !store.finalized[e] {
			t.Errorf("epoch %d: expected gap pass to have synced it", e)
		}
	}
}

func TestGapPassSkipsWhenNoGap(t *testing.T) {
	t.Parallel()
	store := &boundaryStore{fakeStore: newFakeStore(), boundaries: types.DataBoundaries{MinEpoch: 419125, MaxEpoch: 419126, DistinctCount: 2}}
	reader := &fakeEpochReader{epoch: 419131}
	w := testWorkers(t, reader, store, WorkerConfig{RetryMax: 3, GapMaxMissing: 10})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w.gapPass(context.Background(), log) // must not panic or sync anything
	if len(store.synced) != 0 {
		t.Errorf("expected no syncs when DistinctCount covers the span, got %d", len(store.synced))
	}
}

func TestSleepCtxReturnsFalseOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Second) {
		t.Error("expected sleepCtx to return false immediately on a cancelled context")
	}
}
