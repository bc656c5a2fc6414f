// Package config defines all configuration for the pipeline's four
// processes (ingest, reconcile, predictor, trader). Config is loaded from
// a YAML file (default: configs/config.yaml) with sensitive fields
// overridable via UPDN_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. Every process loads the same file and uses only the sections
// it needs — the config value is built once at startup and passed by
// value to every worker.
type Config struct {
	Chain     ChainConfig     `mapstructure:"chain"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Predictor PredictorConfig `mapstructure:"predictor"`
	Trader    TraderConfig    `mapstructure:"trader"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Health    HealthConfig    `mapstructure:"health"`
}

// ChainConfig holds RPC/WS endpoints and the contract to talk to.
type ChainConfig struct {
	RPCURL        string `mapstructure:"rpc_url"`
	WSSURL        string `mapstructure:"wss_url"`
	ContractAddr  string `mapstructure:"contract_addr"`
	PrivateKey    string `mapstructure:"private_key"` // trader only, never logged
	ChainID       int64  `mapstructure:"chain_id"`
	RPCCallDelay  time.Duration `mapstructure:"rpc_call_delay"`
	RetryMax      int    `mapstructure:"retry_max"`
}

// StoreConfig holds the relational store connection.
type StoreConfig struct {
	DatabaseURL     string        `mapstructure:"database_url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// RedisConfig holds the durable buffer + pub/sub bus connection.
type RedisConfig struct {
	URL          string `mapstructure:"url"`
	StreamName   string `mapstructure:"stream_name"`   // default "bet_stream"
	ConsumerGroup string `mapstructure:"consumer_group"` // default "bet_processors"
	BatchSize    int    `mapstructure:"batch_size"`    // default 100
}

// ReconcileConfig tunes the forward/backward/gap worker trio (§4.F).
type ReconcileConfig struct {
	RetryMax           int           `mapstructure:"retry_max"`
	ForwardIdleSleep   time.Duration `mapstructure:"forward_idle_sleep"`
	ForwardErrorSleep  time.Duration `mapstructure:"forward_error_sleep"`
	BackwardStartDelay time.Duration `mapstructure:"backward_start_delay"`
	BackwardSleep      time.Duration `mapstructure:"backward_sleep"`
	BackwardExhaustedSleep time.Duration `mapstructure:"backward_exhausted_sleep"`
	GapStartDelay      time.Duration `mapstructure:"gap_start_delay"`
	GapInterval        time.Duration `mapstructure:"gap_interval"`
	GapMaxMissing      int           `mapstructure:"gap_max_missing"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	CacheMax           int           `mapstructure:"cache_max"`
	SeedEpoch          int64         `mapstructure:"seed_epoch"`
}

// IngestConfig holds the ingest section of the config file (§4.H). Its
// values are loaded but not passed on: the live listener, the buffer
// consumer and the realbet prune use their own built-in constants.
type IngestConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	FlushBatchSize    int           `mapstructure:"flush_batch_size"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	RealbetPruneAfter time.Duration `mapstructure:"realbet_prune_after"`
	ListenerCacheMax  int           `mapstructure:"listener_cache_max"`
}

// PredictorConfig tunes the live prediction aggregator (§4.I).
type PredictorConfig struct {
	FinalAdvanceMs     int64         `mapstructure:"final_advance_ms"`
	EmitMinInterval    time.Duration `mapstructure:"emit_min_interval"`
	SeriesCapacity     int           `mapstructure:"series_capacity"`
	HistoryWindow      int           `mapstructure:"history_window"`
	PredictionCacheTTL time.Duration `mapstructure:"prediction_cache_ttl"`
}

// TraderConfig enumerates all trader tuning keys from §4.J.
type TraderConfig struct {
	Enabled        bool            `mapstructure:"enabled"`
	DryRun         bool            `mapstructure:"dry_run"`
	Amount         float64         `mapstructure:"amount"`
	MinConfidence  string          `mapstructure:"min_confidence"` // low|medium|high
	SideFilter     string          `mapstructure:"side_filter"`    // UP|DOWN|any
	DeltaMs        int64           `mapstructure:"delta_ms"`
	GasBump        float64         `mapstructure:"gas_bump"`
	ArmEnabled     bool            `mapstructure:"arm_enabled"`
	ArmSlopeMin    float64         `mapstructure:"arm_slope_min"`
	ArmVolumeMin   float64         `mapstructure:"arm_volume_min"`
	ArmUpdiffMin   float64         `mapstructure:"arm_updiff_min"`
	ArmMaxAgeMs    int64           `mapstructure:"arm_max_age_ms"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HealthConfig controls the per-process liveness endpoint (§2.1 of
// SPEC_FULL.md — ambient operational plumbing, not the out-of-scope
// dashboard).
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: UPDN_PRIVATE_KEY, UPDN_DATABASE_URL,
// UPDN_REDIS_URL, UPDN_RPC_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("UPDN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("UPDN_PRIVATE_KEY"); key != "" {
		cfg.Chain.PrivateKey = key
	}
	if url := os.Getenv("UPDN_DATABASE_URL"); url != "" {
		cfg.Store.DatabaseURL = url
	}
	if url := os.Getenv("UPDN_REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if url := os.Getenv("UPDN_RPC_URL"); url != "" {
		cfg.Chain.RPCURL = url
	}
	if url := os.Getenv("UPDN_WSS_URL"); url != "" {
		cfg.Chain.WSSURL = url
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in the numeric defaults named in §6 of the spec for
// any field left unset by the YAML file.
func (c *Config) applyDefaults() {
	if c.Chain.RetryMax == 0 {
		c.Chain.RetryMax = 3
	}
	if c.Chain.RPCCallDelay == 0 {
		c.Chain.RPCCallDelay = 200 * time.Millisecond
	}
	if c.Redis.StreamName == "" {
		c.Redis.StreamName = "bet_stream"
	}
	if c.Redis.ConsumerGroup == "" {
		c.Redis.ConsumerGroup = "bet_processors"
	}
	if c.Redis.BatchSize == 0 {
		c.Redis.BatchSize = 100
	}
	if c.Reconcile.RetryMax == 0 {
		c.Reconcile.RetryMax = 3
	}
	if c.Reconcile.ForwardIdleSleep == 0 {
		c.Reconcile.ForwardIdleSleep = 60 * time.Second
	}
	if c.Reconcile.ForwardErrorSleep == 0 {
		c.Reconcile.ForwardErrorSleep = 10 * time.Second
	}
	if c.Reconcile.BackwardStartDelay == 0 {
		c.Reconcile.BackwardStartDelay = 30 * time.Second
	}
	if c.Reconcile.BackwardSleep == 0 {
		c.Reconcile.BackwardSleep = 2 * time.Second
	}
	if c.Reconcile.BackwardExhaustedSleep == 0 {
		c.Reconcile.BackwardExhaustedSleep = 5 * time.Minute
	}
	if c.Reconcile.GapStartDelay == 0 {
		c.Reconcile.GapStartDelay = 30 * time.Minute
	}
	if c.Reconcile.GapInterval == 0 {
		c.Reconcile.GapInterval = 30 * time.Minute
	}
	if c.Reconcile.GapMaxMissing == 0 {
		c.Reconcile.GapMaxMissing = 100
	}
	if c.Reconcile.LockTTL == 0 {
		c.Reconcile.LockTTL = 300 * time.Second
	}
	if c.Reconcile.CacheMax == 0 {
		c.Reconcile.CacheMax = 5000
	}
	if c.Ingest.HeartbeatInterval == 0 {
		c.Ingest.HeartbeatInterval = 60 * time.Second
	}
	if c.Ingest.StaleAfter == 0 {
		c.Ingest.StaleAfter = 120 * time.Second
	}
	if c.Ingest.ReconnectBackoff == 0 {
		c.Ingest.ReconnectBackoff = 5 * time.Second
	}
	if c.Ingest.FlushBatchSize == 0 {
		c.Ingest.FlushBatchSize = 100
	}
	if c.Ingest.FlushInterval == 0 {
		c.Ingest.FlushInterval = time.Second
	}
	if c.Ingest.RealbetPruneAfter == 0 {
		c.Ingest.RealbetPruneAfter = 600 * time.Second
	}
	if c.Ingest.ListenerCacheMax == 0 {
		c.Ingest.ListenerCacheMax = 1000
	}
	if c.Predictor.FinalAdvanceMs == 0 {
		c.Predictor.FinalAdvanceMs = 5000
	}
	if c.Predictor.EmitMinInterval == 0 {
		c.Predictor.EmitMinInterval = 3 * time.Second
	}
	if c.Predictor.SeriesCapacity == 0 {
		c.Predictor.SeriesCapacity = 50
	}
	if c.Predictor.HistoryWindow == 0 {
		c.Predictor.HistoryWindow = 5
	}
	if c.Predictor.PredictionCacheTTL == 0 {
		c.Predictor.PredictionCacheTTL = 30 * time.Minute
	}
	if c.Trader.Amount == 0 {
		c.Trader.Amount = 0.001
	}
	if c.Trader.MinConfidence == "" {
		c.Trader.MinConfidence = "high"
	}
	if c.Trader.SideFilter == "" {
		c.Trader.SideFilter = "any"
	}
	if c.Trader.DeltaMs == 0 {
		c.Trader.DeltaMs = c.Predictor.FinalAdvanceMs
	}
	if c.Trader.GasBump == 0 {
		c.Trader.GasBump = 1.2
	}
	if !c.Trader.ArmEnabled && c.Trader.ArmSlopeMin == 0 && c.Trader.ArmVolumeMin == 0 {
		c.Trader.ArmEnabled = true
	}
	if c.Trader.ArmSlopeMin == 0 {
		c.Trader.ArmSlopeMin = 0.05
	}
	if c.Trader.ArmVolumeMin == 0 {
		c.Trader.ArmVolumeMin = 1.5
	}
	if c.Trader.ArmUpdiffMin == 0 {
		c.Trader.ArmUpdiffMin = 0.10
	}
	if c.Trader.ArmMaxAgeMs == 0 {
		c.Trader.ArmMaxAgeMs = 30000
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 10
	}
	if c.Store.ConnMaxLifetime == 0 {
		c.Store.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Store.ConnectTimeout == 0 {
		c.Store.ConnectTimeout = 10 * time.Second
	}
	if c.Store.StatementTimeout == 0 {
		c.Store.StatementTimeout = 60 * time.Second
	}
	if c.Health.Port == 0 {
		c.Health.Port = 9100
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Chain.ContractAddr == "" {
		return fmt.Errorf("chain.contract_addr is required")
	}
	if c.Store.DatabaseURL == "" {
		return fmt.Errorf("store.database_url is required (set UPDN_DATABASE_URL)")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required (set UPDN_REDIS_URL)")
	}
	if c.Trader.Enabled && c.Chain.PrivateKey == "" {
		return fmt.Errorf("chain.private_key is required when trader.enabled (set UPDN_PRIVATE_KEY)")
	}
	switch c.Trader.MinConfidence {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("trader.min_confidence must be one of: low, medium, high")
	}
	switch c.Trader.SideFilter {
	case "UP", "DOWN", "any":
	default:
		return fmt.Errorf("trader.side_filter must be one of: UP, DOWN, any")
	}
	return nil
}
