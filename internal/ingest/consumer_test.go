package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"updown-pipeline/internal/bus"
	"updown-pipeline/internal/buffer"
	"updown-pipeline/pkg/types"
)

type fakeLiveStore struct {
	inserted [][]types.Bet
	failNext bool
}

func (f *fakeLiveStore) InsertLiveBets(_ context.Context, bets []types.Bet) error {
	if f.failNext {
		f.failNext = false
		return errors.New("insert failed")
	}
	f.inserted = append(f.inserted, bets)
	return nil
}

func newTestConsumer(t *testing.T, store *fakeLiveStore) (*Consumer, *buffer.Buffer) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	buf := buffer.New(rdb, buffer.Config{StreamName: "bets", ConsumerGroup: "ingest"}, log)
	if err := buf.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	b := bus.New(rdb, log)
	c := NewConsumer(buf, store, b, "consumer-1", log)
	return c, buf
}

func publishBet(t *testing.T, buf *buffer.Buffer, epoch int64, wallet string) string {
	t.Helper()
	bet := types.Bet{Epoch: epoch, WalletAddress: wallet, Direction: types.Up, Amount: decimal.NewFromFloat(0.3), TxHash: wallet}
	id, err := buf.Publish(context.Background(), "bet", bet)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return id
}

func TestFlushInsertsAndAcks(t *testing.T) {
	t.Parallel()
	store := &fakeLiveStore{}
	c, buf := newTestConsumer(t, store)

	publishBet(t, buf, 419131, "0xaaa")
	entries, err := buf.ReadGroup(context.Background(), "consumer-1", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	c.flush(context.Background(), entries)

	if len(store.inserted) != 1 || len(store.inserted[0]) != 1 {
		t.Fatalf("inserted = %+v, want one batch of one bet", store.inserted)
	}

	// A second Pending scan should find nothing left unacknowledged.
	pending, err := buf.Pending(context.Background(), "consumer-1", 0, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending entries after a successful flush, got %d", len(pending))
	}
}

func TestFlushLeavesBatchUnackedOnInsertFailure(t *testing.T) {
	t.Parallel()
	store := &fakeLiveStore{failNext: true}
	c, buf := newTestConsumer(t, store)

	publishBet(t, buf, 419131, "0xbbb")
	entries, err := buf.ReadGroup(context.Background(), "consumer-1", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}

	c.flush(context.Background(), entries)

	if len(store.inserted) != 0 {
		t.Errorf("expected no successful insert, got %d", len(store.inserted))
	}

	pending, err := buf.Pending(context.Background(), "consumer-1", 0, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected the failed batch to remain unacknowledged, got %d pending", len(pending))
	}
}
