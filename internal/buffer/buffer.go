// Package buffer implements the durable, at-least-once event buffer (§4.B)
// on top of a Redis stream. It is grounded on the batching/worker-pool shape
// of stockbit-haka-haki's RunningTradeHandler (bounded channel, fixed batch
// size, periodic flush) generalized from an in-process channel to a
// cross-process Redis Streams consumer group, so that a crashed consumer's
// unacked entries are replayed to the next one that claims them.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// Buffer wraps one Redis stream plus one consumer group on it.
type Buffer struct {
	rdb       *redis.Client
	stream    string
	group     string
	batchSize int64
	log       *slog.Logger
}

// Config carries the stream/group names and sizing.
type Config struct {
	StreamName    string
	ConsumerGroup string
	BatchSize     int64
}

// New wraps an existing Redis client. It does not dial — callers share one
// *redis.Client across buffer, bus, and the distributed lock.
func New(rdb *redis.Client, cfg Config, log *slog.Logger) *Buffer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Buffer{rdb: rdb, stream: cfg.StreamName, group: cfg.ConsumerGroup, batchSize: cfg.BatchSize, log: log}
}

// EnsureGroup creates the consumer group at the tail of the stream if it
// does not already exist. MKSTREAM creates the stream itself on first use.
func (b *Buffer) EnsureGroup(ctx context.Context) error {
	err := b.rdb.XGroupCreateMkStream(ctx, b.stream, b.group, "$").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("buffer: create group %s on %s: %w", b.group, b.stream, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Publish appends one JSON-encoded event to the stream. The caller is the
// chain listener; every BetBull/BetBear log observed on the websocket
// subscription is pushed here (kind "bet") before anything else happens to
// it. Claim events are not subscribed to and never reach the stream.
func (b *Buffer) Publish(ctx context.Context, kind string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("buffer: marshal %s: %w", kind, err)
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{"kind": kind, "payload": string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("buffer: xadd %s: %w", b.stream, err)
	}
	return id, nil
}

// Entry is one delivered stream record, still unacknowledged.
type Entry struct {
	ID      string
	Kind    string
	Payload []byte
}

// ReadGroup reads up to the configured batch size of new entries for
// consumer, blocking up to block for at least one. Entries are returned
// unacknowledged; the caller must Ack after it has durably processed them.
func (b *Buffer) ReadGroup(ctx context.Context, consumer string, block time.Duration) ([]Entry, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: consumer,
		Streams:  []string{b.stream, ">"},
		Count:    b.batchSize,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("buffer: xreadgroup %s/%s: %w", b.group, consumer, err)
	}
	var msgs []redis.XMessage
	for _, stream := range res {
		msgs = append(msgs, stream.Messages...)
	}
	return decodeEntries(msgs), nil
}

// Pending reclaims entries that have sat unacknowledged for longer than
// minIdle — the redelivery path for a consumer that died mid-batch.
func (b *Buffer) Pending(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.stream,
		Group:  b.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer: xpending %s: %w", b.group, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("buffer: xclaim %s: %w", b.group, err)
	}
	return decodeEntries(claimed), nil
}

// Ack acknowledges entries by ID once the caller's own transaction (the
// ingest consumer's live-bet insert) has committed.
func (b *Buffer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.rdb.XAck(ctx, b.stream, b.group, ids...).Err(); err != nil {
		return fmt.Errorf("buffer: xack %s: %w", b.stream, err)
	}
	return nil
}

func decodeEntries(msgs []redis.XMessage) []Entry {
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		kind, _ := m.Values["kind"].(string)
		payload, _ := m.Values["payload"].(string)
		out = append(out, Entry{ID: m.ID, Kind: kind, Payload: []byte(payload)})
	}
	return out
}
