package reconcile

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"updown-pipeline/internal/chain"
)

func validRound() chain.Round {
	return chain.Round{
		StartTimestamp: 1700000000,
		LockTimestamp:  1700000300,
		CloseTimestamp: 1700000600,
		LockPrice:      decimal.NewFromFloat(250),
		ClosePrice:     decimal.NewFromFloat(252.5),
		TotalAmount:    decimal.NewFromFloat(5),
		BullAmount:     decimal.NewFromFloat(3),
		BearAmount:     decimal.NewFromFloat(2),
	}
}

func TestValidateRoundAccepts(t *testing.T) {
	t.Parallel()
	if err := validateRound(419131, validRound()); err != nil {
		t.Errorf("validateRound() = %v, want nil", err)
	}
}

func TestValidateRoundRejectsBadTimestamps(t *testing.T) {
	t.Parallel()
	r := validRound()
	r.LockTimestamp = r.StartTimestamp
	if err := validateRound(419131, r); err == nil {
		t.Error("expected error for non-increasing timestamps")
	}
}

func TestValidateRoundRejectsOutOfRangePrice(t *testing.T) {
	t.Parallel()
	r := validRound()
	r.LockPrice = decimal.NewFromInt(10)
	if err := validateRound(419131, r); err == nil {
		t.Error("expected error for price below lower bound")
	}
}

func TestValidateRoundRejectsExcessiveSwing(t *testing.T) {
	t.Parallel()
	r := validRound()
	r.ClosePrice = decimal.NewFromFloat(400) // 60% swing from 250
	if err := validateRound(419131, r); err == nil {
		t.Error("expected error for swing exceeding 0.20")
	}
}

func TestValidateRoundRejectsInconsistentTotals(t *testing.T) {
	t.Parallel()
	r := validRound()
	r.TotalAmount = decimal.NewFromFloat(100)
	if err := validateRound(419131, r); err == nil {
		t.Error("expected error for inconsistent totals")
	}
}

func TestValidateBetEventsRequiresBothSides(t *testing.T) {
	t.Parallel()
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	bulls := []chain.BetEvent{{Sender: addr, Amount: decimal.NewFromFloat(1)}}

	if err := validateBetEvents(419131, bulls, nil); err == nil {
		t.Error("expected error when BetBear events are empty")
	}
	if err := validateBetEvents(419131, nil, bulls); err == nil {
		t.Error("expected error when BetBull events are empty")
	}
}

func TestValidateClaimEventsRequiresInRangeBetEpoch(t *testing.T) {
	t.Parallel()
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	claims := []chain.ClaimEvent{{Sender: addr, Epoch: 419131, Amount: decimal.NewFromFloat(1)}}
	if err := validateClaimEvents(419131, claims); err == nil {
		t.Error("expected error when bet_epoch == epoch")
	}

	valid := []chain.ClaimEvent{{Sender: addr, Epoch: 419120, Amount: decimal.NewFromFloat(1)}}
	if err := validateClaimEvents(419131, valid); err != nil {
		t.Errorf("validateClaimEvents() = %v, want nil", err)
	}
}

func TestVerifyTotalsRequiresBothCountsPositive(t *testing.T) {
	t.Parallel()
	z := decimal.Zero
	if err := verifyTotals(0, 5, z, z, z, z, z, z); err == nil {
		t.Error("expected error when up_count is zero")
	}
}

func TestVerifyTotalsRejectsDrift(t *testing.T) {
	t.Parallel()
	one := decimal.NewFromInt(1)
	ten := decimal.NewFromInt(10)
	if err := verifyTotals(1, 1, one, one, one.Add(one), ten, ten, ten); err == nil {
		t.Error("expected error when parsed totals drift from chain totals")
	}
}
