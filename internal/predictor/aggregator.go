// Package predictor implements the live prediction aggregator (§4.I): a
// single task that owns all per-epoch momentum state behind three
// mailboxes (round updates, live bets, final-tick timer), rather than a
// shared object mutated from multiple call sites — the redesign flag in
// §9 ("global mutable state... re-architect as a task owning a mailbox").
// Grounded on the teacher's internal/risk.Manager: one goroutine, one
// input channel per concern, state touched only from inside Run.
package predictor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"updown-pipeline/internal/bus"
	"updown-pipeline/internal/config"
	"updown-pipeline/pkg/types"
)

// Store is the minimal read surface the aggregator needs: historical
// features for the momentum baseline, and a re-seed sum for a restart or
// late subscription.
type Store interface {
	RecentFinalizedRounds(ctx context.Context, n int) ([]types.Epoch, error)
	LiveBetTotals(ctx context.Context, epoch int64) (up, down, total decimal.Decimal, err error)
}

type seriesPoint struct {
	atUnix  float64
	upRatio float64
}

// epochState is everything reset on a new epoch. Touched only from
// inside Aggregator.Run.
type epochState struct {
	epoch        int64
	lockTime     time.Time
	upSum        decimal.Decimal
	downSum      decimal.Decimal
	series       []seriesPoint
	hist         historyFeatures
	version      int
	lastEmitAt   time.Time
	lastUpRatio  float64 // sentinel -1 before the first emit
	lastBucket   volumeBucket
	crossedHalf  bool
	finalEmitted bool
}

// Aggregator owns one epoch's worth of momentum state at a time.
type Aggregator struct {
	store     Store
	bus       *bus.Bus
	predCache *PredictionCache
	histCache *historyCache
	cfg       config.PredictorConfig
	log       *slog.Logger
	scheduler *scheduler

	st epochState
}

// NewAggregator builds an aggregator with no epoch yet loaded; the first
// round_update_channel message establishes it.
func NewAggregator(store Store, b *bus.Bus, predCache *PredictionCache, cfg config.PredictorConfig, log *slog.Logger) (*Aggregator, error) {
	hc, err := newHistoryCache()
	if err != nil {
		return nil, err
	}
	return &Aggregator{
		store: store, bus: b, predCache: predCache, histCache: hc, cfg: cfg,
		log:       log.With("component", "predictor"),
		scheduler: newScheduler(),
		st:        epochState{lastUpRatio: -1},
	}, nil
}

// Run subscribes to round updates and live bets and drives the mailbox
// loop until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	rounds := a.bus.Subscribe(ctx, bus.RoundUpdateChannel)
	bets := a.bus.Subscribe(ctx, bus.InstantBetChannel)

	for {
		select {
		case <-ctx.Done():
			a.scheduler.Cancel()
			return ctx.Err()
		case raw, ok := <-rounds:
			if !ok {
				return nil
			}
			var update types.RoundUpdate
			if err := json.Unmarshal(raw, &update); err != nil {
				a.log.Error("decode round update", "error", err)
				continue
			}
			a.handleRoundUpdate(ctx, update)
		case raw, ok := <-bets:
			if !ok {
				return nil
			}
			var msg types.InstantBetMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				a.log.Error("decode instant bet", "error", err)
				continue
			}
			a.handleBet(ctx, msg.Data)
		case epoch := <-a.scheduler.Fired():
			a.handleFinalTick(ctx, epoch)
		}
	}
}

func (a *Aggregator) handleRoundUpdate(ctx context.Context, update types.RoundUpdate) {
	lockTime := time.UnixMilli(update.LockTs)
	fireAt := lockTime.Add(-time.Duration(a.cfg.FinalAdvanceMs) * time.Millisecond)
	a.scheduler.Schedule(update.Epoch, fireAt)

	if update.Epoch == a.st.epoch {
		return
	}
	a.resetForEpoch(ctx, update.Epoch, lockTime)
}

func (a *Aggregator) resetForEpoch(ctx context.Context, epoch int64, lockTime time.Time) {
	hist, ok := a.histCache.get(epoch)
	if !ok {
		rounds, err := a.store.RecentFinalizedRounds(ctx, a.historyWindow())
		if err != nil {
			a.log.Error("fetch history features, degrading to up_ratio fallback", "epoch", epoch, "error", err)
			rounds = nil
		}
		hist = buildHistoryFeatures(rounds)
		a.histCache.put(epoch, hist)
	}

	up, down, _, err := a.store.LiveBetTotals(ctx, epoch)
	if err != nil {
		a.log.Error("re-seed live bet totals", "epoch", epoch, "error", err)
		up, down = decimal.Zero, decimal.Zero
	}

	a.st = epochState{
		epoch: epoch, lockTime: lockTime,
		upSum: up, downSum: down,
		hist: hist, lastUpRatio: -1,
	}
}

func (a *Aggregator) historyWindow() int {
	if a.cfg.HistoryWindow > 0 {
		return a.cfg.HistoryWindow
	}
	return 5
}

func (a *Aggregator) handleBet(ctx context.Context, bet types.Bet) {
	if bet.Epoch != a.st.epoch {
		a.log.Debug("dropping bet outside current epoch", "bet_epoch", bet.Epoch, "current_epoch", a.st.epoch)
		return
	}

	if bet.Direction == types.Up {
		a.st.upSum = a.st.upSum.Add(bet.Amount)
	} else {
		a.st.downSum = a.st.downSum.Add(bet.Amount)
	}

	total := a.st.upSum.Add(a.st.downSum)
	upRatio := 0.0
	if total.IsPositive() {
		upRatio = a.st.upSum.Div(total).InexactFloat64()
	}

	now := float64(time.Now().UnixNano()) / 1e9
	a.st.series = append(a.st.series, seriesPoint{atUnix: now, upRatio: upRatio})
	if capacity := a.seriesCapacity(); len(a.st.series) > capacity {
		a.st.series = a.st.series[len(a.st.series)-capacity:]
	}

	volRatio := 0.0
	if a.st.hist.avgVolume > 0 {
		volRatio = total.InexactFloat64() / a.st.hist.avgVolume
	}

	if a.shouldEmit(upRatio, volRatio) {
		a.emit(ctx, false)
	}
}

func (a *Aggregator) seriesCapacity() int {
	if a.cfg.SeriesCapacity > 0 {
		return a.cfg.SeriesCapacity
	}
	return 50
}

func (a *Aggregator) shouldEmit(upRatio, volRatio float64) bool {
	minInterval := a.cfg.EmitMinInterval
	if minInterval == 0 {
		minInterval = 3 * time.Second
	}
	if !a.st.lastEmitAt.IsZero() && time.Since(a.st.lastEmitAt) < minInterval {
		return false
	}

	movedEnough := a.st.lastUpRatio < 0 || absFloat(upRatio-a.st.lastUpRatio) >= 0.03
	crossed := (upRatio >= 0.5) != a.st.crossedHalf
	bucketChanged := classifyVolume(volRatio) != a.st.lastBucket
	return movedEnough || crossed || bucketChanged
}

func (a *Aggregator) handleFinalTick(ctx context.Context, epoch int64) {
	if epoch != a.st.epoch || a.st.finalEmitted {
		return
	}
	a.st.finalEmitted = true
	a.emit(ctx, true)
}

// emit computes the momentum strategy verdict and publishes a revision.
// final implies force (the scheduler only fires once per epoch).
func (a *Aggregator) emit(ctx context.Context, final bool) {
	total := a.st.upSum.Add(a.st.downSum)
	upRatio := 0.0
	if total.IsPositive() {
		upRatio = a.st.upSum.Div(total).InexactFloat64()
	}
	volRatio := 0.0
	if a.st.hist.avgVolume > 0 {
		volRatio = total.InexactFloat64() / a.st.hist.avgVolume
	}
	now := float64(time.Now().UnixNano()) / 1e9
	slope := regressionSlope(a.st.series, now, 8)

	prediction, score, reasons := scoreMomentum(momentumInput{
		hist: a.st.hist, upRatio: upRatio, volRatio: volRatio, total: total.InexactFloat64(), slope: slope,
	})
	confidence := scoreConfidence(confidenceInput{
		flowDiff: upRatio - a.st.hist.avgUpRatio, volRatio: volRatio, slope: slope,
		total: total.InexactFloat64(), avgVolume: a.st.hist.avgVolume, final: final,
	})

	a.st.version++
	pred := types.Prediction{
		Epoch: a.st.epoch, Timestamp: time.Now(), Version: a.st.version, Final: final,
		Strategies: map[string]types.MomentumStrategy{
			"momentum": {
				Prediction: prediction, Confidence: confidence, Score: score, Reasons: reasons,
				Features: types.MomentumFeatures{
					UpRatio: upRatio, UpRatioDiff: upRatio - a.st.hist.avgUpRatio,
					VolumeRatio: volRatio, Slope: slope,
				},
			},
		},
	}

	if err := a.bus.Publish(ctx, bus.LivePredictions, pred); err != nil {
		a.log.Error("publish prediction", "epoch", a.st.epoch, "error", err)
	}
	if err := a.predCache.Set(ctx, pred); err != nil {
		a.log.Error("cache prediction", "epoch", a.st.epoch, "error", err)
	}

	a.st.lastEmitAt = time.Now()
	a.st.lastUpRatio = upRatio
	a.st.crossedHalf = upRatio >= 0.5
	a.st.lastBucket = classifyVolume(volRatio)
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
