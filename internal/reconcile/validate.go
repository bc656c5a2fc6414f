package reconcile

import (
	"fmt"

	"github.com/shopspring/decimal"

	"updown-pipeline/internal/chain"
)

var (
	priceLowerBound = decimal.NewFromInt(50)
	priceUpperBound = decimal.NewFromInt(5000)
	maxPriceSwing   = decimal.NewFromFloat(0.20)
	totalsTolerance = decimal.New(1, -3)
)

// invalidEpochErr fails the whole epoch — VALIDATE is all-or-nothing.
type invalidEpochErr struct {
	reason string
}

func (e *invalidEpochErr) Error() string { return "reconcile: validate: " + e.reason }

func invalid(format string, args ...interface{}) error {
	return &invalidEpochErr{reason: fmt.Sprintf(format, args...)}
}

// validateRound checks the round's timestamps, prices, and totals.
func validateRound(epoch int64, round chain.Round) error {
	if !(round.StartTimestamp < round.LockTimestamp && round.LockTimestamp < round.CloseTimestamp) {
		return invalid("epoch %d: timestamps not strictly increasing", epoch)
	}
	for _, p := range []decimal.Decimal{round.LockPrice, round.ClosePrice} {
		if p.LessThanOrEqual(priceLowerBound) || p.GreaterThanOrEqual(priceUpperBound) {
			return invalid("epoch %d: price %s outside (%s, %s)", epoch, p, priceLowerBound, priceUpperBound)
		}
	}
	swing := round.ClosePrice.Sub(round.LockPrice).Abs().Div(round.LockPrice)
	if swing.GreaterThan(maxPriceSwing) {
		return invalid("epoch %d: price swing %s exceeds 0.20", epoch, swing)
	}

	if round.TotalAmount.IsNegative() || round.BullAmount.IsNegative() || round.BearAmount.IsNegative() {
		return invalid("epoch %d: negative amount", epoch)
	}
	if round.TotalAmount.IsZero() && round.BullAmount.IsZero() && round.BearAmount.IsZero() {
		return invalid("epoch %d: all amounts zero", epoch)
	}
	sum := round.BullAmount.Add(round.BearAmount)
	if round.TotalAmount.Sub(sum).Abs().GreaterThan(totalsTolerance) {
		return invalid("epoch %d: total %s inconsistent with up+down %s", epoch, round.TotalAmount, sum)
	}
	return nil
}

// validateBetEvents checks both event sets are non-empty and every event
// has a non-zero address and a positive amount.
func validateBetEvents(epoch int64, bulls, bears []chain.BetEvent) error {
	if len(bulls) == 0 {
		return invalid("epoch %d: missing UP/DOWN: no BetBull events", epoch)
	}
	if len(bears) == 0 {
		return invalid("epoch %d: missing UP/DOWN: no BetBear events", epoch)
	}
	for _, evs := range [][]chain.BetEvent{bulls, bears} {
		for _, e := range evs {
			if isZeroAddress(e.Sender) {
				return invalid("epoch %d: bet from zero address", epoch)
			}
			if !e.Amount.IsPositive() {
				return invalid("epoch %d: non-positive bet amount", epoch)
			}
		}
	}
	return nil
}

// validateClaimEvents requires at least one claim in range, each with
// bet_epoch in (0, epoch), a positive amount, and a non-zero address.
func validateClaimEvents(epoch int64, claims []chain.ClaimEvent) error {
	if len(claims) == 0 {
		return invalid("epoch %d: no Claim events in range", epoch)
	}
	for _, c := range claims {
		if c.Epoch <= 0 || c.Epoch >= epoch {
			return invalid("epoch %d: claim bet_epoch %d out of range", epoch, c.Epoch)
		}
		if !c.Amount.IsPositive() {
			return invalid("epoch %d: non-positive claim amount", epoch)
		}
		if isZeroAddress(c.Sender) {
			return invalid("epoch %d: claim from zero address", epoch)
		}
	}
	return nil
}

func isZeroAddress(addr interface{ Hex() string }) bool {
	return addr.Hex() == "0x0000000000000000000000000000000000000000"
}

// verifyTotals recomputes sums from parsed bets and requires both counts
// positive and each within tolerance of the chain-reported totals.
func verifyTotals(upCount, downCount int, upSum, downSum, total, chainUp, chainDown, chainTotal decimal.Decimal) error {
	if upCount == 0 || downCount == 0 {
		return invalid("verify totals: up_count=%d down_count=%d, both must be positive", upCount, downCount)
	}
	if upSum.Sub(chainUp).Abs().GreaterThan(totalsTolerance) {
		return invalid("verify totals: up_sum %s vs chain %s exceeds tolerance", upSum, chainUp)
	}
	if downSum.Sub(chainDown).Abs().GreaterThan(totalsTolerance) {
		return invalid("verify totals: down_sum %s vs chain %s exceeds tolerance", downSum, chainDown)
	}
	if total.Sub(chainTotal).Abs().GreaterThan(totalsTolerance) {
		return invalid("verify totals: total %s vs chain %s exceeds tolerance", total, chainTotal)
	}
	return nil
}
