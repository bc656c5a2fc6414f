package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"updown-pipeline/internal/rangeest"
	"updown-pipeline/pkg/types"
)

const realbetPruneAfter = 600 * time.Second

// SyncEpoch writes one finalized epoch's round, bets, claims, and
// multi-claim summaries in a single transaction (§4.D, §4.G WRITE_TX). A
// rollback on any step leaves the store completely unchanged; re-running
// this for an already-finalized epoch is a no-op thanks to the ON CONFLICT
// clauses and the finalized_epoch primary key.
func (s *Store) SyncEpoch(ctx context.Context, epoch types.Epoch, bets []types.Bet, claims []types.Claim, multiClaims []types.MultiClaim) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := upsertRound(ctx, tx, epoch); err != nil {
			return err
		}
		if err := insertBets(ctx, tx, "hisbet", bets); err != nil {
			return err
		}
		if err := insertClaims(ctx, tx, claims); err != nil {
			return err
		}
		if err := insertMultiClaims(ctx, tx, multiClaims); err != nil {
			return err
		}
		if time.Since(epoch.CloseTime) > realbetPruneAfter {
			if err := pruneRealbet(ctx, tx, epoch.Epoch); err != nil {
				return err
			}
		}
		if err := insertFinalizedMarker(ctx, tx, epoch.Epoch); err != nil {
			return err
		}
		return nil
	})
}

func upsertRound(ctx context.Context, tx *sqlx.Tx, e types.Epoch) error {
	row := roundRow{
		Epoch:       e.Epoch,
		StartTime:   e.StartTime.UTC().Format(time.RFC3339),
		LockTime:    e.LockTime.UTC().Format(time.RFC3339),
		CloseTime:   e.CloseTime.UTC().Format(time.RFC3339),
		LockPrice:   toFloat(e.LockPrice),
		ClosePrice:  toFloat(e.ClosePrice),
		TotalAmount: toFloat(e.TotalAmount),
		UpAmount:    toFloat(e.UpAmount),
		DownAmount:  toFloat(e.DownAmount),
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO round (epoch, start_time, lock_time, close_time, lock_price, close_price, total_amount, up_amount, down_amount)
		VALUES (:epoch, :start_time, :lock_time, :close_time, :lock_price, :close_price, :total_amount, :up_amount, :down_amount)
		ON CONFLICT (start_time, epoch) DO UPDATE SET
			lock_time = EXCLUDED.lock_time, close_time = EXCLUDED.close_time,
			lock_price = EXCLUDED.lock_price, close_price = EXCLUDED.close_price,
			total_amount = EXCLUDED.total_amount, up_amount = EXCLUDED.up_amount, down_amount = EXCLUDED.down_amount
	`, row)
	if err != nil {
		return fmt.Errorf("store: upsert round %d: %w", e.Epoch, err)
	}
	return nil
}

func insertBets(ctx context.Context, tx *sqlx.Tx, table string, bets []types.Bet) error {
	if len(bets) == 0 {
		return nil
	}
	rows := make([]betRow, len(bets))
	for i, b := range bets {
		rows[i] = betRow{
			Epoch:         b.Epoch,
			BetTime:       b.BetTime.UTC().Format(time.RFC3339Nano),
			WalletAddress: b.WalletAddress,
			Direction:     string(b.Direction),
			Amount:        toFloat(b.Amount),
			BlockNumber:   int64(b.BlockNumber),
			TxHash:        b.TxHash,
		}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (epoch, bet_time, wallet_address, direction, amount, block_number, tx_hash)
		VALUES (:epoch, :bet_time, :wallet_address, :direction, :amount, :block_number, :tx_hash)
		ON CONFLICT (bet_time, tx_hash) DO NOTHING
	`, table)
	if _, err := tx.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("store: insert %s: %w", table, err)
	}
	return nil
}

func insertClaims(ctx context.Context, tx *sqlx.Tx, claims []types.Claim) error {
	if len(claims) == 0 {
		return nil
	}
	rows := make([]claimRow, len(claims))
	for i, c := range claims {
		rows[i] = claimRow{
			Epoch:         c.Epoch,
			BetEpoch:      c.BetEpoch,
			BlockNumber:   int64(c.BlockNumber),
			WalletAddress: c.WalletAddress,
			Amount:        toFloat(c.Amount),
		}
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO claim (epoch, bet_epoch, block_number, wallet_address, amount)
		VALUES (:epoch, :bet_epoch, :block_number, :wallet_address, :amount)
		ON CONFLICT (block_number, wallet_address, bet_epoch) DO NOTHING
	`, rows)
	if err != nil {
		return fmt.Errorf("store: insert claims: %w", err)
	}
	return nil
}

func insertMultiClaims(ctx context.Context, tx *sqlx.Tx, multi []types.MultiClaim) error {
	if len(multi) == 0 {
		return nil
	}
	rows := make([]multiClaimRow, len(multi))
	for i, m := range multi {
		rows[i] = multiClaimRow{
			Epoch:          m.Epoch,
			WalletAddress:  m.WalletAddress,
			DistinctEpochs: m.DistinctEpochs,
			TotalAmount:    toFloat(m.TotalAmount),
		}
	}
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO multi_claim (epoch, wallet_address, distinct_epochs, total_amount)
		VALUES (:epoch, :wallet_address, :distinct_epochs, :total_amount)
		ON CONFLICT (epoch, wallet_address) DO NOTHING
	`, rows)
	if err != nil {
		return fmt.Errorf("store: insert multi_claims: %w", err)
	}
	return nil
}

func pruneRealbet(ctx context.Context, tx *sqlx.Tx, epoch int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM realbet WHERE epoch = $1`, epoch); err != nil {
		return fmt.Errorf("store: prune realbet for %d: %w", epoch, err)
	}
	return nil
}

func insertFinalizedMarker(ctx context.Context, tx *sqlx.Tx, epoch int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO finalized_epoch (epoch, processed_at) VALUES ($1, now())
		ON CONFLICT (epoch) DO NOTHING
	`, epoch)
	if err != nil {
		return fmt.Errorf("store: insert finalized marker for %d: %w", epoch, err)
	}
	return nil
}

// IsFinalized is the existence check on the finalized-epoch marker used by
// every reconciliation worker before attempting a sync.
func (s *Store) IsFinalized(ctx context.Context, epoch int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM finalized_epoch WHERE epoch = $1)`, epoch)
	if err != nil {
		return false, fmt.Errorf("store: is finalized %d: %w", epoch, err)
	}
	return exists, nil
}

// DataBoundaries reads (min_epoch, max_epoch, distinct_count) over
// finalized epochs, read by the reconcile workers to choose their targets.
func (s *Store) DataBoundaries(ctx context.Context) (types.DataBoundaries, error) {
	var b types.DataBoundaries
	err := s.db.GetContext(ctx, &b, `
		SELECT COALESCE(MIN(epoch), 0) AS min_epoch,
		       COALESCE(MAX(epoch), 0) AS max_epoch,
		       COUNT(*) AS distinct_count
		FROM finalized_epoch
	`)
	if err != nil {
		return types.DataBoundaries{}, fmt.Errorf("store: data boundaries: %w", err)
	}
	return b, nil
}

// RecentFinalizedRounds returns the last n finalized rounds ordered by
// epoch descending, used by the predictor's historical feature cache.
func (s *Store) RecentFinalizedRounds(ctx context.Context, n int) ([]types.Epoch, error) {
	var rows []roundRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT r.epoch, r.start_time, r.lock_time, r.close_time,
		       r.lock_price, r.close_price, r.total_amount, r.up_amount, r.down_amount
		FROM round r
		JOIN finalized_epoch f ON f.epoch = r.epoch
		ORDER BY r.epoch DESC
		LIMIT $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent finalized rounds: %w", err)
	}
	return roundRowsToEpochs(rows), nil
}

// InsertLiveBets is the ingest consumer's flush write: one transaction
// inserting a batch into realbet, idempotent on (bet_time, tx_hash).
func (s *Store) InsertLiveBets(ctx context.Context, bets []types.Bet) error {
	if len(bets) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return insertBets(ctx, tx, "realbet", bets)
	})
}

// LiveBetTotals sums realbet amounts for epoch, used to re-seed the
// predictor's in-memory aggregator after a restart or late subscription.
func (s *Store) LiveBetTotals(ctx context.Context, epoch int64) (up, down, total decimal.Decimal, err error) {
	var row struct {
		UpSum    float64 `db:"up_sum"`
		DownSum  float64 `db:"down_sum"`
		TotalSum float64 `db:"total_sum"`
	}
	e := s.db.GetContext(ctx, &row, `
		SELECT
			COALESCE(SUM(CASE WHEN direction = 'UP' THEN amount ELSE 0 END), 0) AS up_sum,
			COALESCE(SUM(CASE WHEN direction = 'DOWN' THEN amount ELSE 0 END), 0) AS down_sum,
			COALESCE(SUM(amount), 0) AS total_sum
		FROM realbet WHERE epoch = $1
	`, epoch)
	if e != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("store: live bet totals for %d: %w", epoch, e)
	}
	return decimal.NewFromFloat(row.UpSum), decimal.NewFromFloat(row.DownSum), decimal.NewFromFloat(row.TotalSum), nil
}

// BetTimeByBlock returns the bet_time of any existing row (hisbet or
// realbet) for blockNumber, avoiding a chain call during PARSE when the
// timestamp is already known from a previously observed bet in the same
// block.
func (s *Store) BetTimeByBlock(ctx context.Context, blockNumber uint64) (time.Time, bool, error) {
	var betTime time.Time
	err := s.db.GetContext(ctx, &betTime, `
		SELECT bet_time FROM (
			SELECT bet_time, block_number FROM hisbet WHERE block_number = $1
			UNION ALL
			SELECT bet_time, block_number FROM realbet WHERE block_number = $1
		) combined LIMIT 1
	`, int64(blockNumber))
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: bet time by block %d: %w", blockNumber, err)
	}
	return betTime, true, nil
}

// EpochStats reads the bet count and min/max block number persisted for
// epoch, across both hisbet and realbet (a target epoch being anchored
// against may not be finalized yet). Used exclusively by the block-range
// estimator.
func (s *Store) EpochStats(ctx context.Context, epoch int64) (rangeest.EpochStats, error) {
	var row struct {
		Count    int64 `db:"count"`
		MinBlock int64 `db:"min_block"`
		MaxBlock int64 `db:"max_block"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS count,
		       COALESCE(MIN(block_number), 0) AS min_block,
		       COALESCE(MAX(block_number), 0) AS max_block
		FROM (
			SELECT block_number FROM hisbet WHERE epoch = $1
			UNION ALL
			SELECT block_number FROM realbet WHERE epoch = $1
		) combined
	`, epoch)
	if err != nil {
		return rangeest.EpochStats{}, fmt.Errorf("store: epoch stats for %d: %w", epoch, err)
	}
	return rangeest.EpochStats{BetCount: int(row.Count), MinBlock: uint64(row.MinBlock), MaxBlock: uint64(row.MaxBlock)}, nil
}

// RetryCount returns the current retry count recorded for a failed epoch,
// or 0 if none is recorded.
func (s *Store) RetryCount(ctx context.Context, epoch int64) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COALESCE(MAX(retry_count), 0) FROM failed_epoch WHERE epoch = $1`, epoch)
	if err != nil {
		return 0, fmt.Errorf("store: retry count for %d: %w", epoch, err)
	}
	return count, nil
}

// RecordFailure upserts a failed-epoch row, incrementing retry_count.
func (s *Store) RecordFailure(ctx context.Context, epoch int64, stage, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_epoch (epoch, error_message, stage, failed_at, retry_count)
		VALUES ($1, $2, $3, now(), 1)
		ON CONFLICT (epoch) DO UPDATE SET
			error_message = EXCLUDED.error_message, stage = EXCLUDED.stage,
			failed_at = now(), retry_count = failed_epoch.retry_count + 1
	`, epoch, errMsg, stage)
	if err != nil {
		return fmt.Errorf("store: record failure for %d: %w", epoch, err)
	}
	return nil
}

// InsertTradeLog is the trader's best-effort persistent write, mirroring
// the bus publish of the same record.
func (s *Store) InsertTradeLog(ctx context.Context, e types.TradeLogEntry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO trade_log (epoch, stage, prediction, confidence, amount, delta_ms, t_stop, version,
		                        nonce, tx_hash, send_ms, mined_ms, total_ms, success, error, created_at)
		VALUES (:epoch, :stage, :prediction, :confidence, :amount, :delta_ms, :t_stop, :version,
		        :nonce, :tx_hash, :send_ms, :mined_ms, :total_ms, :success, :error, :created_at)
	`, tradeLogNamed(e))
	if err != nil {
		return fmt.Errorf("store: insert trade log for %d: %w", e.Epoch, err)
	}
	return nil
}

// tradeLogNamed adapts the float amount field for NamedExecContext binding.
func tradeLogNamed(e types.TradeLogEntry) map[string]interface{} {
	return map[string]interface{}{
		"epoch": e.Epoch, "stage": e.Stage, "prediction": string(e.Prediction),
		"confidence": string(e.Confidence), "amount": e.Amount, "delta_ms": e.DeltaMs,
		"t_stop": e.TStop, "version": e.Version, "nonce": e.Nonce, "tx_hash": e.TxHash,
		"send_ms": e.SendMs, "mined_ms": e.MinedMs, "total_ms": e.TotalMs,
		"success": e.Success, "error": e.Error, "created_at": e.CreatedAt,
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func roundRowsToEpochs(rows []roundRow) []types.Epoch {
	out := make([]types.Epoch, len(rows))
	for i, r := range rows {
		st, _ := time.Parse(time.RFC3339, r.StartTime)
		lt, _ := time.Parse(time.RFC3339, r.LockTime)
		ct, _ := time.Parse(time.RFC3339, r.CloseTime)
		out[i] = types.Epoch{
			Epoch:       r.Epoch,
			StartTime:   st,
			LockTime:    lt,
			CloseTime:   ct,
			LockPrice:   decimal.NewFromFloat(r.LockPrice),
			ClosePrice:  decimal.NewFromFloat(r.ClosePrice),
			TotalAmount: decimal.NewFromFloat(r.TotalAmount),
			UpAmount:    decimal.NewFromFloat(r.UpAmount),
			DownAmount:  decimal.NewFromFloat(r.DownAmount),
		}
	}
	return out
}
