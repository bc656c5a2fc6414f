// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pipeline — rounds, bets,
// claims, and the live prediction record. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Direction is the side of a bet or the outcome of a round.
type Direction string

const (
	Up   Direction = "UP"
	Down Direction = "DOWN"
)

// Confidence is the prediction aggregator's confidence band.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// RoundStatus is the lifecycle stage published on round_update_channel.
type RoundStatus string

const (
	RoundLive   RoundStatus = "LIVE"
	RoundLocked RoundStatus = "LOCKED"
	RoundEnded  RoundStatus = "ENDED"
)

// Placement is the trader's per-epoch outcome state.
type Placement string

const (
	Unplaced  Placement = "unplaced"
	Placed    Placement = "placed"
	Uncertain Placement = "uncertain"
)

// ————————————————————————————————————————————————————————————————————————
// Core entities (§3 Data model)
// ————————————————————————————————————————————————————————————————————————

// Epoch is one finalized betting round. Keyed by (StartTime, Epoch) for
// time-partitioned storage; Epoch alone is globally unique.
type Epoch struct {
	Epoch       int64
	StartTime   time.Time
	LockTime    time.Time
	CloseTime   time.Time
	LockPrice   decimal.Decimal
	ClosePrice  decimal.Decimal
	TotalAmount decimal.Decimal
	UpAmount    decimal.Decimal
	DownAmount  decimal.Decimal
}

// Finalized reports whether both prices are set and totals are internally
// consistent, per the invariant in §3.
func (e Epoch) Finalized() bool {
	if !e.LockPrice.IsPositive() || !e.ClosePrice.IsPositive() {
		return false
	}
	sum := e.UpAmount.Add(e.DownAmount)
	diff := e.TotalAmount.Sub(sum).Abs()
	return diff.LessThanOrEqual(decimal.New(1, -3))
}

// Result returns UP iff ClosePrice > LockPrice.
func (e Epoch) Result() Direction {
	if e.ClosePrice.GreaterThan(e.LockPrice) {
		return Up
	}
	return Down
}

// UpRatio returns UpAmount / TotalAmount, or zero when total is zero.
func (e Epoch) UpRatio() decimal.Decimal {
	if e.TotalAmount.IsZero() {
		return decimal.Zero
	}
	return e.UpAmount.Div(e.TotalAmount)
}

// PriceChangePct returns (close-lock)/lock.
func (e Epoch) PriceChangePct() decimal.Decimal {
	if e.LockPrice.IsZero() {
		return decimal.Zero
	}
	return e.ClosePrice.Sub(e.LockPrice).Div(e.LockPrice)
}

var payoutFactor = decimal.NewFromFloat(0.97)

// UpPayout returns 0.97*total/up, or zero when up is zero.
func (e Epoch) UpPayout() decimal.Decimal {
	if e.UpAmount.IsZero() {
		return decimal.Zero
	}
	return payoutFactor.Mul(e.TotalAmount).Div(e.UpAmount)
}

// DownPayout returns 0.97*total/down, or zero when down is zero.
func (e Epoch) DownPayout() decimal.Decimal {
	if e.DownAmount.IsZero() {
		return decimal.Zero
	}
	return payoutFactor.Mul(e.TotalAmount).Div(e.DownAmount)
}

// Bet is one on-chain BetBull/BetBear event, persisted once finalized
// (hisbet) or while the round is still live (realbet).
type Bet struct {
	Epoch         int64
	BetTime       time.Time
	WalletAddress string // 40-hex lowercase
	Direction     Direction
	Amount        decimal.Decimal
	BlockNumber   uint64
	TxHash        string // lowercase hex
}

// Claim is one Claim() event: a wallet claiming winnings for a past epoch.
type Claim struct {
	Epoch         int64 // round during which the claim was submitted
	BetEpoch      int64 // round being claimed for; BetEpoch < Epoch
	BlockNumber   uint64
	WalletAddress string
	Amount        decimal.Decimal
}

// MultiClaim is a derived per-epoch whale summary: a wallet whose claim
// activity in Epoch crosses the threshold (>=5 distinct bet-epochs claimed,
// or sum of amounts >= 1).
type MultiClaim struct {
	Epoch          int64
	WalletAddress  string
	DistinctEpochs int
	TotalAmount    decimal.Decimal
}

const multiClaimEpochThreshold = 5

var multiClaimAmountThreshold = decimal.NewFromInt(1)

// IsWhale reports whether this claim activity crosses the multi-claim
// threshold defined in §3.
func (m MultiClaim) IsWhale() bool {
	return m.DistinctEpochs >= multiClaimEpochThreshold || m.TotalAmount.GreaterThanOrEqual(multiClaimAmountThreshold)
}

// FinalizedMarker is the sentinel row proving the per-epoch sync committed.
type FinalizedMarker struct {
	Epoch       int64
	ProcessedAt time.Time
}

// FailedEpoch tracks a sync attempt that aborted, for bounded retry.
type FailedEpoch struct {
	Epoch        int64
	ErrorMessage string // truncated to 500 chars
	Stage        string
	FailedAt     time.Time
	RetryCount   int
}

// LiveBet is the same shape as Bet but for a not-yet-finalized round.
type LiveBet = Bet

// ————————————————————————————————————————————————————————————————————————
// Pub/sub payloads (§4.C)
// ————————————————————————————————————————————————————————————————————————

// RoundUpdate is published on round_update_channel.
type RoundUpdate struct {
	Epoch       int64       `json:"epoch"`
	LockTs      int64       `json:"lock_ts"`
	CloseTs     int64       `json:"close_ts"`
	UpAmount    string      `json:"up_amount"`
	DownAmount  string      `json:"down_amount"`
	TotalAmount string      `json:"total_amount"`
	Status      RoundStatus `json:"status"`
	Result      *Direction  `json:"result,omitempty"`
	ClosePrice  *string     `json:"close_price,omitempty"`
}

// InstantBetMessage is published on instant_bet_channel.
type InstantBetMessage struct {
	Type string `json:"type"` // "instant_bet"
	Data Bet    `json:"data"`
}

// AnalysisRequest is published on analysis_channel for the (external)
// wallet-analysis collaborator.
type AnalysisRequest struct {
	Type string `json:"type"` // "analysis_request"
	Bet  Bet    `json:"bet"`
}

// MomentumFeatures are the raw inputs behind a momentum prediction.
type MomentumFeatures struct {
	UpRatio     float64 `json:"up_ratio"`
	UpRatioDiff float64 `json:"up_ratio_diff"`
	VolumeRatio float64 `json:"volume_ratio"`
	Slope       float64 `json:"slope"`
}

// MomentumStrategy is one strategy's verdict within a Prediction.
type MomentumStrategy struct {
	Prediction Direction        `json:"prediction"`
	Confidence Confidence       `json:"confidence"`
	Score      int              `json:"score"`
	Reasons    []string         `json:"reasons"`
	Features   MomentumFeatures `json:"features"`
}

// Prediction is the record published on live_predictions (§4.I).
type Prediction struct {
	Epoch      int64                       `json:"epoch"`
	Timestamp  time.Time                   `json:"timestamp"`
	Version    int                         `json:"version"`
	Final      bool                        `json:"final"`
	Strategies map[string]MomentumStrategy `json:"strategies"`
}

// Momentum is a convenience accessor for the "momentum" strategy verdict.
func (p Prediction) Momentum() MomentumStrategy {
	return p.Strategies["momentum"]
}

// TradeLogEntry is the observability record emitted by the trader on
// trade_log, for each phase: arm, final_dryrun, final_sent, final_receipt.
type TradeLogEntry struct {
	Epoch      int64      `json:"epoch"`
	Stage      string     `json:"strategy"`
	Prediction Direction  `json:"prediction"`
	Confidence Confidence `json:"confidence"`
	Amount     string     `json:"amount"`
	DeltaMs    int64      `json:"delta_ms"`
	TStop      int64      `json:"t_stop"`
	Version    int        `json:"version"`
	Nonce      *uint64    `json:"nonce,omitempty"`
	TxHash     *string    `json:"tx_hash,omitempty"`
	SendMs     *int64     `json:"send_ms,omitempty"`
	MinedMs    *int64     `json:"mined_ms,omitempty"`
	TotalMs    *int64     `json:"total_ms,omitempty"`
	Success    *bool      `json:"success,omitempty"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ArmingEntry is the trader's pre-armed transaction reservation for an epoch.
type ArmingEntry struct {
	Prediction Direction
	Timestamp  time.Time
	Nonce      uint64
	Amount     decimal.Decimal
}

// LowerHex lowercases a hex string (address or tx hash) for consistent
// storage and comparison; shared by every component that persists one.
func LowerHex(hex string) string {
	out := make([]byte, len(hex))
	for i := 0; i < len(hex); i++ {
		c := hex[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// DataBoundaries summarizes the store's epoch coverage, used by the
// forward, backward and gap reconcile workers.
type DataBoundaries struct {
	MinEpoch      int64 `db:"min_epoch"`
	MaxEpoch      int64 `db:"max_epoch"`
	DistinctCount int64 `db:"distinct_count"`
}
