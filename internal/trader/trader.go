// Package trader implements the timed trader (§4.J): it subscribes to
// live predictions and round lifecycle updates, optionally pre-arms a
// nonce ahead of the close, and submits one bet per epoch at the latest
// safe moment before the contract stops accepting it.
//
// Grounded on the teacher's internal/risk.Manager for its subscriber-
// goroutine-plus-map-state shape, here applied to per-epoch placement
// state instead of per-market exposure. Observability records flow one
// way only — published on trade_log and written to the persistent table —
// never read back by this package, resolving §9's cyclic-looking-data-flow
// redesign flag (disentangled into an append-only publish path).
package trader

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"updown-pipeline/internal/bus"
	"updown-pipeline/internal/chain"
	"updown-pipeline/internal/config"
	"updown-pipeline/pkg/types"
)

// Chain is the minimal on-chain surface the trader needs.
type Chain interface {
	Ledger(ctx context.Context, epoch int64, wallet common.Address) (chain.LedgerEntry, error)
	Nonce(ctx context.Context) (uint64, error)
	BufferSeconds(ctx context.Context) (int64, error)
	BetBull(ctx context.Context, epoch int64, amount decimal.Decimal, gasBump float64, nonce *uint64) (*ethtypes.Transaction, error)
	BetBear(ctx context.Context, epoch int64, amount decimal.Decimal, gasBump float64, nonce *uint64) (*ethtypes.Transaction, error)
	TransactionReceipt(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Receipt, error)
	OwnAddress() (common.Address, error)
}

// Store is the trader's best-effort persistent observability write.
type Store interface {
	InsertTradeLog(ctx context.Context, e types.TradeLogEntry) error
}

var confidenceRank = map[types.Confidence]int{
	types.ConfidenceLow:    0,
	types.ConfidenceMedium: 1,
	types.ConfidenceHigh:   2,
}

type epochMeta struct {
	lockMs  int64
	tStop   int64 // lock_ms - buffer_s*1000
}

// Trader owns per-epoch placement state; touched only from inside Run.
type Trader struct {
	chain  Chain
	store  Store
	bus    *bus.Bus
	arming *ArmingCache
	cfg    config.TraderConfig
	log    *slog.Logger

	bufferOnce    sync.Once
	bufferSeconds int64

	mu         sync.Mutex
	epochMetas map[int64]epochMeta
	placed     map[int64]types.Placement
}

// NewTrader builds a trader. If cfg.Enabled is false, every send path is
// a no-op (arming and observability logging still run, so the operator
// can see what the trader would have done).
func NewTrader(c Chain, store Store, b *bus.Bus, arming *ArmingCache, cfg config.TraderConfig, log *slog.Logger) *Trader {
	return &Trader{
		chain: c, store: store, bus: b, arming: arming, cfg: cfg,
		log:        log.With("component", "trader"),
		epochMetas: make(map[int64]epochMeta),
		placed:     make(map[int64]types.Placement),
	}
}

// Run subscribes to round updates and live predictions and drives the
// arm/send decision loop until ctx is cancelled.
func (t *Trader) Run(ctx context.Context) error {
	rounds := t.bus.Subscribe(ctx, bus.RoundUpdateChannel)
	predictions := t.bus.Subscribe(ctx, bus.LivePredictions)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rounds:
			if !ok {
				return nil
			}
			var update types.RoundUpdate
			if err := json.Unmarshal(raw, &update); err != nil {
				t.log.Error("decode round update", "error", err)
				continue
			}
			t.handleRoundUpdate(ctx, update)
		case raw, ok := <-predictions:
			if !ok {
				return nil
			}
			var pred types.Prediction
			if err := json.Unmarshal(raw, &pred); err != nil {
				t.log.Error("decode prediction", "error", err)
				continue
			}
			if pred.Final {
				t.handleFinal(ctx, pred)
			} else {
				t.handleNonFinal(ctx, pred)
			}
		}
	}
}

func (t *Trader) handleRoundUpdate(ctx context.Context, update types.RoundUpdate) {
	bufferS := t.fetchBufferSeconds(ctx)
	meta := epochMeta{lockMs: update.LockTs, tStop: update.LockTs - bufferS*1000}

	t.mu.Lock()
	t.epochMetas[update.Epoch] = meta
	t.mu.Unlock()
}

func (t *Trader) fetchBufferSeconds(ctx context.Context) int64 {
	t.bufferOnce.Do(func() {
		bs, err := t.chain.BufferSeconds(ctx)
		if err != nil {
			t.log.Error("fetch buffer_seconds, defaulting to 0", "error", err)
			return
		}
		t.bufferSeconds = bs
	})
	return t.bufferSeconds
}

func (t *Trader) metaFor(epoch int64) (epochMeta, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.epochMetas[epoch]
	return m, ok
}

func (t *Trader) placementFor(epoch int64) types.Placement {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.placed[epoch]; ok {
		return p
	}
	return types.Unplaced
}

func (t *Trader) setPlacement(epoch int64, p types.Placement) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.placed[epoch] = p
}

func (t *Trader) passesFilters(s types.MomentumStrategy) bool {
	minConf := types.Confidence(t.cfg.MinConfidence)
	if confidenceRank[s.Confidence] < confidenceRank[minConf] {
		return false
	}
	if t.cfg.SideFilter != "any" && string(s.Prediction) != t.cfg.SideFilter {
		return false
	}
	return true
}

// handleNonFinal implements §4.J's arming path: a strong enough pre-final
// signal reserves a nonce so the eventual final submission is minimal.
func (t *Trader) handleNonFinal(ctx context.Context, pred types.Prediction) {
	if !t.cfg.ArmEnabled {
		return
	}
	strategy := pred.Momentum()
	if !t.passesFilters(strategy) {
		return
	}
	f := strategy.Features
	if !(absFloat(f.Slope) >= t.cfg.ArmSlopeMin && (f.VolumeRatio >= t.cfg.ArmVolumeMin || absFloat(f.UpRatioDiff) >= t.cfg.ArmUpdiffMin)) {
		return
	}

	meta, ok := t.metaFor(pred.Epoch)
	if !ok {
		return
	}
	now := time.Now().UnixMilli()
	if now >= meta.tStop-t.cfg.DeltaMs-500 {
		return
	}

	already, err := t.arming.Has(ctx, pred.Epoch)
	if err != nil {
		t.log.Error("check arming cache", "epoch", pred.Epoch, "error", err)
		return
	}
	if already {
		return
	}

	nonce, err := t.chain.Nonce(ctx)
	if err != nil {
		t.log.Error("reserve nonce for arming", "epoch", pred.Epoch, "error", err)
		return
	}
	amount := decimal.NewFromFloat(t.cfg.Amount)
	entry := types.ArmingEntry{Prediction: strategy.Prediction, Timestamp: time.Now(), Nonce: nonce, Amount: amount}
	if err := t.arming.Set(ctx, pred.Epoch, entry); err != nil {
		t.log.Error("store arming entry", "epoch", pred.Epoch, "error", err)
		return
	}

	t.logPhase(ctx, pred, "arm", &nonce, nil, nil, nil, nil, nil, nil)
}

// handleFinal implements §4.J's submission path, rescheduling itself if
// called too early and aborting if the window has already closed.
func (t *Trader) handleFinal(ctx context.Context, pred types.Prediction) {
	strategy := pred.Momentum()
	if !t.passesFilters(strategy) {
		return
	}
	meta, ok := t.metaFor(pred.Epoch)
	if !ok {
		t.log.Warn("final prediction with no round metadata, dropping", "epoch", pred.Epoch)
		return
	}

	tSend := meta.tStop - t.cfg.DeltaMs
	now := time.Now().UnixMilli()
	if now < tSend-1000 {
		delay := tSend - now - 500
		if delay < 0 {
			delay = 0
		}
		time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
			t.handleFinal(ctx, pred)
		})
		return
	}
	if now >= meta.tStop-100 {
		t.log.Warn("final send window missed", "epoch", pred.Epoch, "t_stop", meta.tStop, "now", now)
		return
	}
	if t.placementFor(pred.Epoch) == types.Placed {
		return
	}

	addr, err := t.chain.OwnAddress()
	if err == nil {
		entry, err := t.chain.Ledger(ctx, pred.Epoch, addr)
		if err != nil {
			t.log.Error("ledger check before send", "epoch", pred.Epoch, "error", err)
		} else if entry.Amount.IsPositive() {
			t.setPlacement(pred.Epoch, types.Placed)
			return
		}
	}

	amount := decimal.NewFromFloat(t.cfg.Amount)
	var nonce *uint64
	if armed, ok, err := t.arming.Get(ctx, pred.Epoch); err == nil && ok {
		if armed.Prediction == strategy.Prediction && time.Since(armed.Timestamp) <= time.Duration(t.cfg.ArmMaxAgeMs)*time.Millisecond {
			amount = armed.Amount
			n := armed.Nonce
			nonce = &n
		}
	}

	if !t.cfg.Enabled || t.cfg.DryRun {
		t.log.Info("dry-run final placement", "epoch", pred.Epoch, "prediction", strategy.Prediction, "amount", amount)
		t.logPhase(ctx, pred, "final_dryrun", nonce, nil, nil, nil, nil, nil)
		t.setPlacement(pred.Epoch, types.Placed)
		return
	}

	t.send(ctx, pred, strategy, amount, nonce)
}

func (t *Trader) send(ctx context.Context, pred types.Prediction, strategy types.MomentumStrategy, amount decimal.Decimal, nonce *uint64) {
	sendStart := time.Now()
	var tx *ethtypes.Transaction
	var err error
	if strategy.Prediction == types.Up {
		tx, err = t.chain.BetBull(ctx, pred.Epoch, amount, t.cfg.GasBump, nonce)
	} else {
		tx, err = t.chain.BetBear(ctx, pred.Epoch, amount, t.cfg.GasBump, nonce)
	}
	sendMs := time.Since(sendStart).Milliseconds()

	if err != nil {
		success := false
		errStr := err.Error()
		if isTerminalSendError(err) {
			t.setPlacement(pred.Epoch, types.Placed)
		} else {
			t.setPlacement(pred.Epoch, types.Uncertain)
			t.log.Warn("send error left epoch uncertain, not retried", "epoch", pred.Epoch, "error", err)
		}
		t.logPhase(ctx, pred, "final_sent", nil, nil, &sendMs, nil, nil, &success, &errStr)
		return
	}

	txHash := tx.Hash().Hex()
	success := true
	t.logPhase(ctx, pred, "final_sent", nil, &txHash, &sendMs, nil, nil, &success, nil)

	mineStart := time.Now()
	receipt, err := t.chain.TransactionReceipt(ctx, tx)
	mineMs := time.Since(mineStart).Milliseconds()
	totalMs := time.Since(sendStart).Milliseconds()
	if err != nil {
		t.log.Error("transaction mining failed", "epoch", pred.Epoch, "tx_hash", txHash, "error", err)
		t.setPlacement(pred.Epoch, types.Uncertain)
		errStr := err.Error()
		fail := false
		t.logPhase(ctx, pred, "final_receipt", nil, &txHash, nil, &mineMs, &totalMs, &fail, &errStr)
		return
	}

	mined := receipt.Status == ethtypes.ReceiptStatusSuccessful
	t.setPlacement(pred.Epoch, types.Placed)
	t.logPhase(ctx, pred, "final_receipt", nil, &txHash, nil, &mineMs, &totalMs, &mined, nil)
}

func isTerminalSendError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "already known")
}

// logPhase emits one trade_log observability record per §4.J, both on the
// bus (best-effort) and to the persistent store (best-effort) — a failure
// to log never affects placement state.
func (t *Trader) logPhase(ctx context.Context, pred types.Prediction, stage string, nonce *uint64, txHash *string, sendMs, minedMs, totalMs *int64, success *bool, errMsg ...*string) {
	strategy := pred.Momentum()
	entry := types.TradeLogEntry{
		Epoch: pred.Epoch, Stage: stage, Prediction: strategy.Prediction, Confidence: strategy.Confidence,
		Amount: decimal.NewFromFloat(t.cfg.Amount).String(), DeltaMs: t.cfg.DeltaMs, Version: pred.Version,
		Nonce: nonce, TxHash: txHash, SendMs: sendMs, MinedMs: minedMs, TotalMs: totalMs, Success: success,
		CreatedAt: time.Now(),
	}
	if meta, ok := t.metaFor(pred.Epoch); ok {
		entry.TStop = meta.tStop
	}
	if len(errMsg) > 0 && errMsg[0] != nil {
		entry.Error = errMsg[0]
	}

	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := t.bus.Publish(pubCtx, bus.TradeLog, entry); err != nil {
		t.log.Warn("trade_log publish failed", "epoch", pred.Epoch, "stage", stage, "error", err)
	}
	if err := t.store.InsertTradeLog(ctx, entry); err != nil {
		t.log.Warn("trade_log insert failed", "epoch", pred.Epoch, "stage", stage, "error", err)
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
