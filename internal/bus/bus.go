// Package bus implements the ephemeral pub/sub fan-out (§4.C): round
// lifecycle updates, instant bet notifications, analysis requests, live
// predictions, and trade-log entries. It is adapted from the teacher's
// internal/api.Hub — the same register/unregister/broadcast local
// multiplexer, but the outbound transport is Redis Pub/Sub instead of a
// gorilla websocket connection per browser tab, since every subscriber here
// is another process in the pipeline rather than a dashboard client.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Channel names, fixed by §4.C — every component in the pipeline agrees on
// these literal strings rather than discovering them at runtime.
const (
	RoundUpdateChannel = "round_update_channel"
	InstantBetChannel  = "instant_bet_channel"
	AnalysisChannel    = "analysis_channel"
	LivePredictions    = "live_predictions"
	TradeLog           = "trade_log"
)

// Bus publishes to and subscribes from Redis channels, fanning each Redis
// subscription out to any number of local subscribers so that, e.g., two
// goroutines in the same process can both watch live_predictions without
// opening two Redis connections.
type Bus struct {
	rdb *redis.Client
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]*fanout
}

type fanout struct {
	cancel context.CancelFunc
	mu     sync.RWMutex
	subs   map[chan []byte]bool
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, log *slog.Logger) *Bus {
	return &Bus{rdb: rdb, log: log.With("component", "bus"), subs: make(map[string]*fanout)}
}

// Publish marshals payload as JSON and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal for %s: %w", channel, err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of raw message payloads for channel. The
// returned channel is closed when ctx is cancelled or Unsubscribe is
// called with the same channel. Buffered to 256, matching the teacher's
// hub broadcast buffer: a slow subscriber drops messages rather than
// blocking the fan-out loop.
func (b *Bus) Subscribe(ctx context.Context, channel string) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	fo, ok := b.subs[channel]
	if !ok {
		fo = b.startFanout(channel)
		b.subs[channel] = fo
	}

	ch := make(chan []byte, 256)
	fo.mu.Lock()
	fo.subs[ch] = true
	fo.mu.Unlock()

	go func() {
		<-ctx.Done()
		fo.mu.Lock()
		if _, ok := fo.subs[ch]; ok {
			delete(fo.subs, ch)
			close(ch)
		}
		fo.mu.Unlock()
	}()

	return ch
}

func (b *Bus) startFanout(channel string) *fanout {
	fctx, cancel := context.WithCancel(context.Background())
	fo := &fanout{cancel: cancel, subs: make(map[chan []byte]bool)}

	pubsub := b.rdb.Subscribe(fctx, channel)
	go func() {
		defer pubsub.Close()
		recv := pubsub.Channel()
		for {
			select {
			case <-fctx.Done():
				return
			case msg, ok := <-recv:
				if !ok {
					return
				}
				fo.mu.RLock()
				for sub := range fo.subs {
					select {
					case sub <- []byte(msg.Payload):
					default:
						b.log.Warn("subscriber channel full, dropping message", "channel", channel)
					}
				}
				fo.mu.RUnlock()
			}
		}
	}()

	return fo
}

// Close tears down every active Redis subscription this Bus opened.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, fo := range b.subs {
		fo.cancel()
	}
	b.subs = make(map[string]*fanout)
}
