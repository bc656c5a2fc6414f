package rangeest

import (
	"context"
	"testing"
)

type fakeStore struct {
	stats map[int64]EpochStats
}

func (f fakeStore) EpochStats(_ context.Context, epoch int64) (EpochStats, error) {
	return f.stats[epoch], nil
}

func TestEstimateForwardAnchor(t *testing.T) {
	t.Parallel()

	store := fakeStore{stats: map[int64]EpochStats{
		419130: {BetCount: 9, MinBlock: 9000, MaxBlock: 9050},
		419131: {BetCount: 10, MinBlock: 9050, MaxBlock: 9100}, // anchor: target+1
	}}

	got, err := Estimate(context.Background(), store, 419130)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	// blocksPerEpoch from consecutive pair (419130,419131): 9100-9050=50 < default threshold
	// computed delta = maxBlock(419131) - maxBlock(419130) = 50, used since >0.
	wantFrom := safeSub(9050, 50+slack)
	wantTo := uint64(9050 + slack)
	if got.From != wantFrom || got.To != wantTo {
		t.Errorf("Estimate = %+v, want From=%d To=%d", got, wantFrom, wantTo)
	}
}

func TestEstimateBackwardAnchorFallback(t *testing.T) {
	t.Parallel()

	store := fakeStore{stats: map[int64]EpochStats{
		419128: {BetCount: 9, MaxBlock: 8900},
		419129: {BetCount: 10, MaxBlock: 8950}, // anchor: target-1
	}}

	got, err := Estimate(context.Background(), store, 419130)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if got.From == 0 && got.To == 0 {
		t.Fatal("expected a non-zero range")
	}
	if got.To <= got.From {
		t.Errorf("Estimate = %+v, To should exceed From", got)
	}
}

func TestEstimateNoAnchorFails(t *testing.T) {
	t.Parallel()

	store := fakeStore{stats: map[int64]EpochStats{}}

	if _, err := Estimate(context.Background(), store, 419130); err == nil {
		t.Fatal("expected an error when no anchor exists, got nil")
	}
}

func TestEstimateDeterministic(t *testing.T) {
	t.Parallel()

	store := fakeStore{stats: map[int64]EpochStats{
		419131: {BetCount: 10, MinBlock: 9050, MaxBlock: 9100},
	}}

	a, err := Estimate(context.Background(), store, 419130)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	b, err := Estimate(context.Background(), store, 419130)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if a != b {
		t.Errorf("Estimate is not deterministic: %+v != %+v", a, b)
	}
}
