package predictor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"updown-pipeline/internal/bus"
	"updown-pipeline/internal/config"
	"updown-pipeline/pkg/types"
)

type fakePredictorStore struct {
	rounds []types.Epoch
	up     decimal.Decimal
	down   decimal.Decimal
}

func (f *fakePredictorStore) RecentFinalizedRounds(context.Context, int) ([]types.Epoch, error) {
	return f.rounds, nil
}

func (f *fakePredictorStore) LiveBetTotals(context.Context, int64) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	return f.up, f.down, f.up.Add(f.down), nil
}

func newTestAggregator(t *testing.T, store *fakePredictorStore, cfg config.PredictorConfig) (*Aggregator, *bus.Bus, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(rdb, log)
	predCache := NewPredictionCache(rdb, cfg.PredictionCacheTTL)

	agg, err := NewAggregator(store, b, predCache, cfg, log)
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	return agg, b, rdb
}

func TestFinalTickPublishesFinalPrediction(t *testing.T) {
	t.Parallel()
	store := &fakePredictorStore{up: decimal.Zero, down: decimal.Zero}
	cfg := config.PredictorConfig{FinalAdvanceMs: 100, EmitMinInterval: 0, SeriesCapacity: 50, HistoryWindow: 5}
	agg, b, rdb := newTestAggregator(t, store, cfg)
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	predictions := b.Subscribe(ctx, bus.LivePredictions)

	go agg.Run(ctx)

	lockAt := time.Now().Add(200 * time.Millisecond)
	update := types.RoundUpdate{Epoch: 1, LockTs: lockAt.UnixMilli()}
	if err := b.Publish(ctx, bus.RoundUpdateChannel, update); err != nil {
		t.Fatalf("publish round update: %v", err)
	}

	var gotFinal bool
	deadline := time.After(2 * time.Second)
	for !gotFinal {
		select {
		case raw := <-predictions:
			var pred types.Prediction
			if err := json.Unmarshal(raw, &pred); err != nil {
				t.Fatalf("unmarshal prediction: %v", err)
			}
			if pred.Final {
				gotFinal = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for a final prediction")
		}
	}
}

func TestBetOutsideCurrentEpochIsDropped(t *testing.T) {
	t.Parallel()
	store := &fakePredictorStore{up: decimal.Zero, down: decimal.Zero}
	cfg := config.PredictorConfig{FinalAdvanceMs: 100000, EmitMinInterval: 0, SeriesCapacity: 50, HistoryWindow: 5}
	agg, _, rdb := newTestAggregator(t, store, cfg)
	defer rdb.Close()

	agg.st.epoch = 5
	agg.handleBet(context.Background(), types.Bet{Epoch: 4, Direction: types.Up, Amount: decimal.NewFromFloat(1)})

	if !agg.st.upSum.IsZero() {
		t.Errorf("upSum = %v, want zero (bet for a different epoch must be dropped)", agg.st.upSum)
	}
}

func TestShouldEmitForcesFirstEmission(t *testing.T) {
	t.Parallel()
	store := &fakePredictorStore{}
	cfg := config.PredictorConfig{EmitMinInterval: 3 * time.Second}
	agg, _, rdb := newTestAggregator(t, store, cfg)
	defer rdb.Close()

	if !agg.shouldEmit(0.5, 1.0) {
		t.Error("expected the first evaluation (sentinel lastUpRatio) to force an emit")
	}
}

func TestShouldEmitRateLimitsWithinWindow(t *testing.T) {
	t.Parallel()
	store := &fakePredictorStore{}
	cfg := config.PredictorConfig{EmitMinInterval: 3 * time.Second}
	agg, _, rdb := newTestAggregator(t, store, cfg)
	defer rdb.Close()

	agg.st.lastEmitAt = time.Now()
	agg.st.lastUpRatio = 0.5
	agg.st.crossedHalf = true
	agg.st.lastBucket = bucketBase

	if agg.shouldEmit(0.5, 1.0) {
		t.Error("expected no emit within the rate-limit window when nothing changed")
	}
}
