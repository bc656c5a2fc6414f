package store

// schema.go replaces the dynamic column-list-from-object-keys insert style
// the distilled system used with explicit, tagged row structs and
// compile-time SQL per table, per the "Dynamic record shapes" redesign.
//
// Every table is expected to be time-partitioned in production; this
// module issues plain DDL and leaves partitioning to migration tooling out
// of scope here.

// DDL creates every table this store touches, if it does not already
// exist. Suitable for a dev bootstrap or an integration test fixture; real
// deployments are expected to run managed migrations instead.
const DDL = `
CREATE TABLE IF NOT EXISTS round (
	epoch            BIGINT PRIMARY KEY,
	start_time       TIMESTAMPTZ NOT NULL,
	lock_time        TIMESTAMPTZ NOT NULL,
	close_time       TIMESTAMPTZ NOT NULL,
	lock_price       NUMERIC(20,8) NOT NULL DEFAULT 0,
	close_price      NUMERIC(20,8) NOT NULL DEFAULT 0,
	total_amount     NUMERIC(20,8) NOT NULL DEFAULT 0,
	up_amount        NUMERIC(20,8) NOT NULL DEFAULT 0,
	down_amount      NUMERIC(20,8) NOT NULL DEFAULT 0,
	UNIQUE (start_time, epoch)
);

CREATE TABLE IF NOT EXISTS hisbet (
	epoch           BIGINT NOT NULL,
	bet_time        TIMESTAMPTZ NOT NULL,
	wallet_address  TEXT NOT NULL CHECK (wallet_address = lower(wallet_address)),
	direction       TEXT NOT NULL,
	amount          NUMERIC(20,8) NOT NULL,
	block_number    BIGINT NOT NULL,
	tx_hash         TEXT NOT NULL,
	UNIQUE (bet_time, tx_hash)
);

CREATE TABLE IF NOT EXISTS realbet (
	epoch           BIGINT NOT NULL,
	bet_time        TIMESTAMPTZ NOT NULL,
	wallet_address  TEXT NOT NULL CHECK (wallet_address = lower(wallet_address)),
	direction       TEXT NOT NULL,
	amount          NUMERIC(20,8) NOT NULL,
	block_number    BIGINT NOT NULL,
	tx_hash         TEXT NOT NULL,
	UNIQUE (bet_time, tx_hash)
);

CREATE TABLE IF NOT EXISTS claim (
	epoch           BIGINT NOT NULL,
	bet_epoch       BIGINT NOT NULL,
	block_number    BIGINT NOT NULL,
	wallet_address  TEXT NOT NULL CHECK (wallet_address = lower(wallet_address)),
	amount          NUMERIC(20,8) NOT NULL,
	UNIQUE (block_number, wallet_address, bet_epoch)
);

CREATE TABLE IF NOT EXISTS multi_claim (
	epoch            BIGINT NOT NULL,
	wallet_address   TEXT NOT NULL CHECK (wallet_address = lower(wallet_address)),
	distinct_epochs  INT NOT NULL,
	total_amount     NUMERIC(20,8) NOT NULL,
	UNIQUE (epoch, wallet_address)
);

CREATE TABLE IF NOT EXISTS finalized_epoch (
	epoch        BIGINT PRIMARY KEY,
	processed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS failed_epoch (
	epoch         BIGINT PRIMARY KEY,
	error_message TEXT NOT NULL,
	stage         TEXT NOT NULL,
	failed_at     TIMESTAMPTZ NOT NULL,
	retry_count   INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS trade_log (
	epoch      BIGINT NOT NULL,
	stage      TEXT NOT NULL,
	prediction TEXT NOT NULL,
	confidence TEXT NOT NULL,
	amount     NUMERIC(20,8) NOT NULL,
	delta_ms   BIGINT NOT NULL,
	t_stop     BIGINT NOT NULL,
	version    INT NOT NULL,
	nonce      BIGINT,
	tx_hash    TEXT,
	send_ms    BIGINT,
	mined_ms   BIGINT,
	total_ms   BIGINT,
	success    BOOLEAN,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
`

// roundRow is the insert/upsert shape for the round table.
type roundRow struct {
	Epoch       int64   `db:"epoch"`
	StartTime   string  `db:"start_time"`
	LockTime    string  `db:"lock_time"`
	CloseTime   string  `db:"close_time"`
	LockPrice   float64 `db:"lock_price"`
	ClosePrice  float64 `db:"close_price"`
	TotalAmount float64 `db:"total_amount"`
	UpAmount    float64 `db:"up_amount"`
	DownAmount  float64 `db:"down_amount"`
}

// betRow is the insert shape shared by hisbet and realbet.
type betRow struct {
	Epoch         int64   `db:"epoch"`
	BetTime       string  `db:"bet_time"`
	WalletAddress string  `db:"wallet_address"`
	Direction     string  `db:"direction"`
	Amount        float64 `db:"amount"`
	BlockNumber   int64   `db:"block_number"`
	TxHash        string  `db:"tx_hash"`
}

// claimRow is the insert shape for the claim table.
type claimRow struct {
	Epoch         int64   `db:"epoch"`
	BetEpoch      int64   `db:"bet_epoch"`
	BlockNumber   int64   `db:"block_number"`
	WalletAddress string  `db:"wallet_address"`
	Amount        float64 `db:"amount"`
}

// multiClaimRow is the insert shape for the multi_claim table.
type multiClaimRow struct {
	Epoch          int64   `db:"epoch"`
	WalletAddress  string  `db:"wallet_address"`
	DistinctEpochs int     `db:"distinct_epochs"`
	TotalAmount    float64 `db:"total_amount"`
}
