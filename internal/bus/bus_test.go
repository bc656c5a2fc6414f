package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx, RoundUpdateChannel)

	// Give the fan-out goroutine a moment to register its Redis subscription.
	time.Sleep(20 * time.Millisecond)

	if err := b.Publish(context.Background(), RoundUpdateChannel, map[string]int{"epoch": 419131}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-ch:
		if len(msg) == 0 {
			t.Error("received empty message")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMultipleSubscribersReceiveSameMessage(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1 := b.Subscribe(ctx, LivePredictions)
	ch2 := b.Subscribe(ctx, LivePredictions)
	time.Sleep(20 * time.Millisecond)

	if err := b.Publish(context.Background(), LivePredictions, map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, ch := range []<-chan []byte{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber never received fanned-out message")
		}
	}
}

func TestSubscribeClosesOnContextCancel(t *testing.T) {
	t.Parallel()
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := b.Subscribe(ctx, TradeLog)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed, got a value instead")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was never closed after context cancellation")
	}
}
