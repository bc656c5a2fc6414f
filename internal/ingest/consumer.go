package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"updown-pipeline/internal/bus"
	"updown-pipeline/internal/buffer"
	"updown-pipeline/pkg/types"
)

const (
	consumerBlock     = 1000 * time.Millisecond
	consumerBatchSize = 100
	consumerFlushFreq = 1 * time.Second
	pendingMinIdle    = 30 * time.Second
	pendingReclaimMax = 100
)

// Store is the minimal store surface the consumer needs: one bulk insert
// into the live-bet table per flushed batch.
type Store interface {
	InsertLiveBets(ctx context.Context, bets []types.Bet) error
}

// Consumer drains the durable buffer under a shared consumer group, batches
// entries locally, and flushes them into the live-bet table in one
// transaction per batch — grounded on the same stockbit-haka-haki
// batch/flush shape internal/buffer.go generalizes, here applied to the
// reader side instead of the writer side.
type Consumer struct {
	buf          *buffer.Buffer
	store        Store
	bus          *bus.Bus
	consumerName string
	log          *slog.Logger
}

// NewConsumer builds a consumer identified by consumerName within the
// buffer's shared group (each process instance should use a distinct name).
func NewConsumer(buf *buffer.Buffer, store Store, b *bus.Bus, consumerName string, log *slog.Logger) *Consumer {
	return &Consumer{buf: buf, store: store, bus: b, consumerName: consumerName, log: log.With("component", "consumer")}
}

// Run drains the buffer, batching locally until either 100 entries or 1s
// have elapsed since the last flush, per §4.H. Blocks until ctx is
// cancelled, at which point it flushes and acknowledges whatever is
// currently batched before returning — the graceful-drain path of §5.
func (c *Consumer) Run(ctx context.Context) error {
	var batch []buffer.Entry
	lastFlush := time.Now()

	for {
		if ctx.Err() != nil {
			c.drain(batch)
			return ctx.Err()
		}

		reclaimed, err := c.buf.Pending(ctx, c.consumerName, pendingMinIdle, pendingReclaimMax)
		if err != nil {
			c.log.Error("pending reclaim failed", "error", err)
		} else if len(reclaimed) > 0 {
			c.log.Info("reclaimed abandoned entries", "count", len(reclaimed))
			batch = append(batch, reclaimed...)
		}

		entries, err := c.buf.ReadGroup(ctx, c.consumerName, consumerBlock)
		if err != nil {
			if ctx.Err() != nil {
				c.drain(batch)
				return ctx.Err()
			}
			c.log.Error("read group failed", "error", err)
			continue
		}
		batch = append(batch, entries...)

		if len(batch) >= consumerBatchSize || (len(batch) > 0 && time.Since(lastFlush) >= consumerFlushFreq) {
			c.flush(ctx, batch)
			batch = nil
			lastFlush = time.Now()
		}
	}
}

func (c *Consumer) drain(batch []buffer.Entry) {
	if len(batch) == 0 {
		return
	}
	c.log.Info("draining in-flight batch before shutdown", "count", len(batch))
	c.flush(context.Background(), batch)
}

// flush writes the whole batch in one transaction, acknowledges every entry
// only on success, and re-publishes each bet to analysis_channel. A
// transaction failure leaves every entry unacknowledged so the stream's
// pending-entries list redelivers them on the next Pending() reclaim.
func (c *Consumer) flush(ctx context.Context, batch []buffer.Entry) {
	bets := make([]types.Bet, 0, len(batch))
	ids := make([]string, 0, len(batch))
	for _, e := range batch {
		if e.Kind != "bet" {
			ids = append(ids, e.ID) // unknown kind: ack and drop, nothing to insert
			continue
		}
		var bet types.Bet
		if err := json.Unmarshal(e.Payload, &bet); err != nil {
			c.log.Error("unmarshal buffered bet", "id", e.ID, "error", err)
			ids = append(ids, e.ID) // malformed payload will never parse; ack to stop redelivering it
			continue
		}
		bets = append(bets, bet)
		ids = append(ids, e.ID)
	}

	if len(bets) > 0 {
		if err := c.store.InsertLiveBets(ctx, bets); err != nil {
			c.log.Error("insert live bets failed, leaving batch unacked", "count", len(bets), "error", err)
			return
		}
	}

	if err := c.buf.Ack(ctx, ids...); err != nil {
		c.log.Error("ack failed", "count", len(ids), "error", err)
		return
	}

	for _, bet := range bets {
		req := types.AnalysisRequest{Type: "analysis_request", Bet: bet}
		pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := c.bus.Publish(pubCtx, bus.AnalysisChannel, req); err != nil {
			c.log.Warn("analysis_channel publish failed", "tx_hash", bet.TxHash, "error", err)
		}
		cancel()
	}
}
