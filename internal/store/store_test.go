package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"updown-pipeline/pkg/types"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestIsFinalized(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM finalized_epoch WHERE epoch = \$1\)`).
		WithArgs(int64(419131)).
		WillReturnRows(rows)

	got, err := s.IsFinalized(context.Background(), 419131)
	if err != nil {
		t.Fatalf("IsFinalized: %v", err)
	}
	if !got {
		t.Error("IsFinalized = false, want true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDataBoundaries(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"min_epoch", "max_epoch", "distinct_count"}).
		AddRow(int64(1), int64(419131), int64(419000))
	mock.ExpectQuery(`SELECT COALESCE\(MIN\(epoch\), 0\) AS min_epoch`).WillReturnRows(rows)

	b, err := s.DataBoundaries(context.Background())
	if err != nil {
		t.Fatalf("DataBoundaries: %v", err)
	}
	if b.MinEpoch != 1 || b.MaxEpoch != 419131 || b.DistinctCount != 419000 {
		t.Errorf("DataBoundaries = %+v, unexpected", b)
	}
}

func TestRetryCount(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"coalesce"}).AddRow(2)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(retry_count\), 0\) FROM failed_epoch WHERE epoch = \$1`).
		WithArgs(int64(419131)).
		WillReturnRows(rows)

	got, err := s.RetryCount(context.Background(), 419131)
	if err != nil {
		t.Fatalf("RetryCount: %v", err)
	}
	if got != 2 {
		t.Errorf("RetryCount = %d, want 2", got)
	}
}

func TestEpochStats(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"count", "min_block", "max_block"}).AddRow(int64(8), int64(1000), int64(1050))
	mock.ExpectQuery(`SELECT COUNT\(\*\) AS count`).
		WithArgs(int64(419132)).
		WillReturnRows(rows)

	stats, err := s.EpochStats(context.Background(), 419132)
	if err != nil {
		t.Fatalf("EpochStats: %v", err)
	}
	if stats.BetCount != 8 || stats.MinBlock != 1000 || stats.MaxBlock != 1050 {
		t.Errorf("EpochStats = %+v, unexpected", stats)
	}
}

func TestSyncEpochCommitsOneTransaction(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	epoch := types.Epoch{
		Epoch:       419131,
		StartTime:   time.Unix(1700000000, 0),
		LockTime:    time.Unix(1700000300, 0),
		CloseTime:   time.Unix(1700000600, 0),
		LockPrice:   decimal.NewFromFloat(250),
		ClosePrice:  decimal.NewFromFloat(252.5),
		TotalAmount: decimal.NewFromFloat(5),
		UpAmount:    decimal.NewFromFloat(3),
		DownAmount:  decimal.NewFromFloat(2),
	}
	bets := []types.Bet{{Epoch: 419131, BetTime: time.Now(), WalletAddress: "0xabc", Direction: types.Up, Amount: decimal.NewFromFloat(1), BlockNumber: 100, TxHash: "0x1"}}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO round`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO hisbet`).WillReturnResult(sqlmock.NewResult(0, 1))
	// close_time is long past realbetPruneAfter, so the live-bet prune runs.
	mock.ExpectExec(`DELETE FROM realbet WHERE epoch = \$1`).WithArgs(int64(419131)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO finalized_epoch`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SyncEpoch(context.Background(), epoch, bets, nil, nil); err != nil {
		t.Fatalf("SyncEpoch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSyncEpochRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t)

	epoch := types.Epoch{Epoch: 1, StartTime: time.Now(), LockTime: time.Now(), CloseTime: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO round`).WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectRollback()

	if err := s.SyncEpoch(context.Background(), epoch, nil, nil, nil); err == nil {
		t.Fatal("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
