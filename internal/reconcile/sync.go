// Package reconcile implements the reconciliation worker trio (§4.F) and
// the per-epoch sync state machine (§4.G). sync.go's stage-enum-plus-one-
// function-per-stage shape is grounded on the teacher's strategy.Maker
// per-tick flow (reservation price → spread → reconcile, each a named
// step composed by one Run-tick method) generalized from a quoting loop to
// a fetch-validate-parse-write pipeline.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"

	"updown-pipeline/internal/chain"
	"updown-pipeline/internal/rangeest"
	"updown-pipeline/pkg/types"
)

// taipei is the timezone every parsed bet_time is formatted in, per §4.G
// PARSE ("Taipei-local timestamp strings").
var taipei = mustLoadLocation("Asia/Taipei")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}

// Stage names the sync pipeline's current position, used in failed_epoch
// records and logs.
type Stage string

const (
	StageLockAcquire  Stage = "LOCK_ACQUIRE"
	StageFetchRound   Stage = "FETCH_ROUND"
	StageFetchEvents  Stage = "FETCH_EVENTS"
	StageValidate     Stage = "VALIDATE"
	StageParse        Stage = "PARSE"
	StageVerifyTotals Stage = "VERIFY_TOTALS"
	StageWriteTx      Stage = "WRITE_TX"
	StageVerifyWrite  Stage = "VERIFY_WRITE"
)

// Outcome is the terminal result of one Sync call.
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

// Chain is the subset of internal/chain.Client the syncer needs.
type Chain interface {
	Round(ctx context.Context, epoch int64) (chain.Round, error)
	FilterBetBull(ctx context.Context, fromBlock, toBlock uint64) ([]chain.BetEvent, error)
	FilterBetBear(ctx context.Context, fromBlock, toBlock uint64) ([]chain.BetEvent, error)
	FilterClaim(ctx context.Context, fromBlock, toBlock uint64) ([]chain.ClaimEvent, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// Store is the subset of internal/store.Store the syncer needs.
type Store interface {
	IsFinalized(ctx context.Context, epoch int64) (bool, error)
	SyncEpoch(ctx context.Context, epoch types.Epoch, bets []types.Bet, claims []types.Claim, multiClaims []types.MultiClaim) error
	RecordFailure(ctx context.Context, epoch int64, stage, errMsg string) error
	RetryCount(ctx context.Context, epoch int64) (int, error)
	BetTimeByBlock(ctx context.Context, blockNumber uint64) (time.Time, bool, error)
	DataBoundaries(ctx context.Context) (types.DataBoundaries, error)
	rangeest.Store
}

// Syncer runs the FETCH→VALIDATE→PARSE→VERIFY→WRITE pipeline for one
// epoch at a time; the forward/backward/gap workers share one *Syncer
// (see NewWorkers).
type Syncer struct {
	chain Chain
	store Store
	lock  *Lock
	log   *slog.Logger

	blockTimeCache *lru.Cache // block number -> time.Time, capacity from config
}

// NewSyncer builds a syncer with an LRU block-timestamp cache of the given
// capacity (default 5000 per §4.G PARSE).
func NewSyncer(c Chain, s Store, lock *Lock, cacheSize int, log *slog.Logger) (*Syncer, error) {
	if cacheSize <= 0 {
		cacheSize = 5000
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("reconcile: new block-time cache: %w", err)
	}
	return &Syncer{chain: c, store: s, lock: lock, log: log.With("component", "sync"), blockTimeCache: cache}, nil
}

// Sync runs the full state machine for epoch. On OutcomeFailed the error
// describes the failing stage; on OutcomeSkipped there is no error (the
// epoch was already finalized, or the lock was busy).
func (s *Syncer) Sync(ctx context.Context, epoch int64) (Outcome, error) {
	finalized, err := s.store.IsFinalized(ctx, epoch)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%s: %w", StageLockAcquire, err)
	}
	if finalized {
		return OutcomeSkipped, nil
	}

	acquired, err := s.lock.TryAcquire(ctx, epoch)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%s: %w", StageLockAcquire, err)
	}
	if !acquired {
		return OutcomeSkipped, nil
	}
	defer func() { _ = s.lock.Release(context.Background(), epoch) }()

	outcome, syncErr := s.runPipeline(ctx, epoch)
	if outcome == OutcomeFailed {
		stage, msg := stageAndMessage(syncErr)
		if recErr := s.store.RecordFailure(ctx, epoch, string(stage), msg); recErr != nil {
			s.log.Error("failed to record failure", "epoch", epoch, "error", recErr)
		}
	}
	return outcome, syncErr
}

func (s *Syncer) runPipeline(ctx context.Context, epoch int64) (Outcome, error) {
	round, err := s.chain.Round(ctx, epoch)
	if err != nil {
		return OutcomeFailed, taggedErr(StageFetchRound, err)
	}

	rng, err := rangeest.Estimate(ctx, s.store, epoch)
	if err != nil {
		return OutcomeFailed, taggedErr(StageFetchEvents, err)
	}

	bulls, bears, claims, err := s.fetchEvents(ctx, rng)
	if err != nil {
		return OutcomeFailed, taggedErr(StageFetchEvents, err)
	}
	time.Sleep(100 * time.Millisecond) // §4.G FETCH_EVENTS: bound RPC pressure

	if err := validateRound(epoch, round); err != nil {
		return OutcomeFailed, taggedErr(StageValidate, err)
	}
	if err := validateBetEvents(epoch, bulls, bears); err != nil {
		return OutcomeFailed, taggedErr(StageValidate, err)
	}
	if err := validateClaimEvents(epoch, claims); err != nil {
		return OutcomeFailed, taggedErr(StageValidate, err)
	}

	parsedEpoch := parseRound(epoch, round)
	bets, err := s.parseBets(ctx, epoch, bulls, bears)
	if err != nil {
		return OutcomeFailed, taggedErr(StageParse, err)
	}
	dedupedClaims := dedupClaims(claims, epoch)
	multiClaims := deriveMultiClaims(epoch, dedupedClaims)

	upSum, downSum, total := sumBets(bets)
	upCount, downCount := countByDirection(bets)
	if err := verifyTotals(upCount, downCount, upSum, downSum, total, round.BullAmount, round.BearAmount, round.TotalAmount); err != nil {
		return OutcomeFailed, taggedErr(StageVerifyTotals, err)
	}
	if hasDuplicateTxHash(bets) {
		return OutcomeFailed, taggedErr(StageVerifyTotals, fmt.Errorf("duplicate tx_hash in parsed bets"))
	}

	if err := s.store.SyncEpoch(ctx, parsedEpoch, bets, dedupedClaims, multiClaims); err != nil {
		return OutcomeFailed, taggedErr(StageWriteTx, err)
	}

	finalized, err := s.store.IsFinalized(ctx, epoch)
	if err != nil || !finalized {
		return OutcomeFailed, taggedErr(StageVerifyWrite, fmt.Errorf("finalized marker missing after commit"))
	}
	stats, err := s.store.EpochStats(ctx, epoch)
	if err != nil {
		return OutcomeFailed, taggedErr(StageVerifyWrite, fmt.Errorf("read back bet count: %w", err))
	}
	if stats.BetCount != len(bets) {
		return OutcomeFailed, taggedErr(StageVerifyWrite, fmt.Errorf("bet count mismatch after commit: store has %d, parsed %d", stats.BetCount, len(bets)))
	}

	return OutcomeCommitted, nil
}

func (s *Syncer) fetchEvents(ctx context.Context, rng rangeest.Range) ([]chain.BetEvent, []chain.BetEvent, []chain.ClaimEvent, error) {
	type result struct {
		bulls []chain.BetEvent
		bears []chain.BetEvent
		claim []chain.ClaimEvent
		err   error
	}
	done := make(chan result, 3)

	go func() {
		b, err := s.chain.FilterBetBull(ctx, rng.From, rng.To)
		done <- result{bulls: b, err: err}
	}()
	go func() {
		b, err := s.chain.FilterBetBear(ctx, rng.From, rng.To)
		done <- result{bears: b, err: err}
	}()
	go func() {
		c, err := s.chain.FilterClaim(ctx, rng.From, rng.To)
		done <- result{claim: c, err: err}
	}()

	var bulls, bears []chain.BetEvent
	var claims []chain.ClaimEvent
	for i := 0; i < 3; i++ {
		r := <-done
		if r.err != nil {
			return nil, nil, nil, r.err
		}
		if r.bulls != nil {
			bulls = r.bulls
		}
		if r.bears != nil {
			bears = r.bears
		}
		if r.claim != nil {
			claims = r.claim
		}
	}
	return bulls, bears, claims, nil
}

func parseRound(epoch int64, r chain.Round) types.Epoch {
	return types.Epoch{
		Epoch:       epoch,
		StartTime:   time.Unix(r.StartTimestamp, 0),
		LockTime:    time.Unix(r.LockTimestamp, 0),
		CloseTime:   time.Unix(r.CloseTimestamp, 0),
		LockPrice:   r.LockPrice,
		ClosePrice:  r.ClosePrice,
		TotalAmount: r.TotalAmount,
		UpAmount:    r.BullAmount,
		DownAmount:  r.BearAmount,
	}
}

func (s *Syncer) parseBets(ctx context.Context, epoch int64, bulls, bears []chain.BetEvent) ([]types.Bet, error) {
	bets := make([]types.Bet, 0, len(bulls)+len(bears))
	for _, direction := range []struct {
		events []chain.BetEvent
		dir    types.Direction
	}{{bulls, types.Up}, {bears, types.Down}} {
		for _, e := range direction.events {
			t, err := s.blockTime(ctx, e.BlockNumber)
			if err != nil {
				return nil, err
			}
			bets = append(bets, types.Bet{
				Epoch:         epoch,
				BetTime:       t.In(taipei),
				WalletAddress: types.LowerHex(e.Sender.Hex()),
				Direction:     direction.dir,
				Amount:        e.Amount,
				BlockNumber:   e.BlockNumber,
				TxHash:        types.LowerHex(e.TxHash.Hex()),
			})
		}
	}
	return bets, nil
}

// blockTime resolves a block's timestamp: store first (reusing any
// existing row's bet_time for that block), then the LRU cache, then chain.
func (s *Syncer) blockTime(ctx context.Context, block uint64) (time.Time, error) {
	if t, ok, err := s.store.BetTimeByBlock(ctx, block); err != nil {
		return time.Time{}, err
	} else if ok {
		return t, nil
	}

	if cached, ok := s.blockTimeCache.Get(block); ok {
		return cached.(time.Time), nil
	}

	header, err := s.chain.BlockByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, err
	}
	t := time.Unix(int64(header.Time), 0)
	s.blockTimeCache.Add(block, t)
	return t, nil
}

func dedupClaims(claims []chain.ClaimEvent, epoch int64) []types.Claim {
	seen := make(map[string]bool, len(claims))
	out := make([]types.Claim, 0, len(claims))
	for _, c := range claims {
		key := fmt.Sprintf("%d|%s|%d", c.BlockNumber, types.LowerHex(c.Sender.Hex()), c.Epoch)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, types.Claim{
			Epoch:         epoch,
			BetEpoch:      c.Epoch,
			BlockNumber:   c.BlockNumber,
			WalletAddress: types.LowerHex(c.Sender.Hex()),
			Amount:        c.Amount,
		})
	}
	return out
}

const (
	multiClaimEpochThreshold  = 5
	multiClaimAmountThreshold = 1
)

// deriveMultiClaims groups claims by wallet and keeps only those crossing
// the whale threshold, mirroring types.MultiClaim.IsWhale.
func deriveMultiClaims(epoch int64, claims []types.Claim) []types.MultiClaim {
	type agg struct {
		epochs map[int64]bool
		total  decimal.Decimal
	}
	byWallet := make(map[string]*agg)
	for _, c := range claims {
		a, ok := byWallet[c.WalletAddress]
		if !ok {
			a = &agg{epochs: make(map[int64]bool)}
			byWallet[c.WalletAddress] = a
		}
		a.epochs[c.BetEpoch] = true
		a.total = a.total.Add(c.Amount)
	}

	wallets := make([]string, 0, len(byWallet))
	for w := range byWallet {
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)

	out := make([]types.MultiClaim, 0)
	for _, w := range wallets {
		a := byWallet[w]
		mc := types.MultiClaim{Epoch: epoch, WalletAddress: w, DistinctEpochs: len(a.epochs), TotalAmount: a.total}
		if mc.IsWhale() {
			out = append(out, mc)
		}
	}
	return out
}

func sumBets(bets []types.Bet) (up, down, total decimal.Decimal) {
	for _, b := range bets {
		total = total.Add(b.Amount)
		if b.Direction == types.Up {
			up = up.Add(b.Amount)
		} else {
			down = down.Add(b.Amount)
		}
	}
	return up, down, total
}

func countByDirection(bets []types.Bet) (up, down int) {
	for _, b := range bets {
		if b.Direction == types.Up {
			up++
		} else {
			down++
		}
	}
	return up, down
}

func hasDuplicateTxHash(bets []types.Bet) bool {
	seen := make(map[string]bool, len(bets))
	for _, b := range bets {
		if seen[b.TxHash] {
			return true
		}
		seen[b.TxHash] = true
	}
	return false
}

func taggedErr(stage Stage, err error) error {
	return fmt.Errorf("%s: %w", stage, err)
}

func stageAndMessage(err error) (Stage, string) {
	if err == nil {
		return "", ""
	}
	msg := err.Error()
	for _, s := range []Stage{StageLockAcquire, StageFetchRound, StageFetchEvents, StageValidate, StageParse, StageVerifyTotals, StageWriteTx, StageVerifyWrite} {
		prefix := string(s) + ": "
		if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
			return s, msg[len(prefix):]
		}
	}
	return StageWriteTx, msg
}
