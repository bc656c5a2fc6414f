package predictor

import (
	"fmt"
	"math"

	"updown-pipeline/pkg/types"
)

// volumeBucket classifies how the current epoch's total stacks up against
// recent history, per §4.I's emission-condition buckets.
type volumeBucket string

const (
	bucketBase volumeBucket = "base"
	bucketMid  volumeBucket = "mid"
	bucketHigh volumeBucket = "high"
)

func classifyVolume(volRatio float64) volumeBucket {
	switch {
	case volRatio >= 1.5:
		return bucketHigh
	case volRatio >= 1.2:
		return bucketMid
	default:
		return bucketBase
	}
}

// historyFeatures summarizes the last few finalized rounds used as the
// momentum baseline, per §4.I.
type historyFeatures struct {
	rounds         []types.Epoch // newest first, up to HistoryWindow
	avgUpRatio     float64
	avgVolume      float64
}

func buildHistoryFeatures(rounds []types.Epoch) historyFeatures {
	if len(rounds) == 0 {
		return historyFeatures{}
	}
	var upRatioSum, volumeSum float64
	for _, r := range rounds {
		upRatioSum += r.UpRatio().InexactFloat64()
		volumeSum += r.TotalAmount.InexactFloat64()
	}
	n := float64(len(rounds))
	return historyFeatures{
		rounds:     rounds,
		avgUpRatio: upRatioSum / n,
		avgVolume:  volumeSum / n,
	}
}

// momentumInput is everything scoreMomentum needs for one evaluation.
type momentumInput struct {
	hist        historyFeatures
	upRatio     float64
	volRatio    float64
	total       float64
	slope       float64 // 8s regression slope of up_ratio
}

// scoreMomentum implements §4.I's momentum score: streak reversal, flow
// deviation, volume skew, and price-breakout, each contributing to an
// up/down tally plus a human-readable reason.
func scoreMomentum(in momentumInput) (prediction types.Direction, score int, reasons []string) {
	if len(in.hist.rounds) < 3 {
		prediction = fallbackByUpRatio(in.upRatio)
		reasons = append(reasons, "insufficient history, falling back to up_ratio")
		return prediction, 0, reasons
	}

	var up, down int

	// Streak: most recent 3 results, newest first.
	upCount := 0
	for _, r := range in.hist.rounds[:3] {
		if r.Result() == types.Up {
			upCount++
		}
	}
	switch {
	case upCount >= 3:
		down += 2
		reasons = append(reasons, "3-in-a-row UP streak, expecting reversal")
	case upCount == 2:
		up += 1
		reasons = append(reasons, "UP momentum in last 3 rounds")
	case upCount == 0:
		up += 2
		reasons = append(reasons, "3-in-a-row DOWN streak, expecting reversal")
	case upCount == 1:
		down += 1
		reasons = append(reasons, "DOWN momentum in last 3 rounds")
	}

	// Flow deviation.
	diff := in.upRatio - in.hist.avgUpRatio
	if math.Abs(diff) > 0.10 {
		if diff > 0 {
			up += 2
		} else {
			down += 2
		}
		reasons = append(reasons, fmt.Sprintf("flow deviation from history: %.3f", diff))
	}

	// Volume skew.
	if in.volRatio > 1.5 {
		if in.upRatio > 0.6 {
			up += 1
			reasons = append(reasons, "elevated volume skewed UP")
		} else if in.upRatio < 0.4 {
			down += 1
			reasons = append(reasons, "elevated volume skewed DOWN")
		}
	}

	// Price breakout: low recent volatility plus a sharp latest move.
	sigma := priceChangeStdDev(in.hist.rounds)
	latestChange := in.hist.rounds[0].PriceChangePct().InexactFloat64()
	if sigma < 0.01 && math.Abs(latestChange) > 0.02 {
		if latestChange > 0 {
			up += 2
		} else {
			down += 2
		}
		reasons = append(reasons, fmt.Sprintf("price breakout after low volatility (sigma=%.4f)", sigma))
	}

	switch {
	case up > down:
		prediction = types.Up
	case down > up:
		prediction = types.Down
	default:
		prediction = fallbackByUpRatio(in.upRatio)
	}

	score = up
	if down > score {
		score = down
	}
	return prediction, score, reasons
}

func fallbackByUpRatio(upRatio float64) types.Direction {
	if upRatio >= 0.5 {
		return types.Up
	}
	return types.Down
}

func priceChangeStdDev(rounds []types.Epoch) float64 {
	n := len(rounds)
	if n > 5 {
		n = 5
	}
	if n < 2 {
		return 0
	}
	changes := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		changes[i] = rounds[i].PriceChangePct().InexactFloat64()
		sum += changes[i]
	}
	mean := sum / float64(n)
	var variance float64
	for _, c := range changes {
		variance += (c - mean) * (c - mean)
	}
	variance /= float64(n)
	return math.Sqrt(variance)
}

// confidenceInput carries the factors §4.I scores into a confidence band.
type confidenceInput struct {
	flowDiff    float64
	volRatio    float64
	slope       float64
	total       float64
	avgVolume   float64
	final       bool
}

// scoreConfidence implements §4.I's confidence scoring: a point total from
// flow deviation, volume, and slope maps to low/medium/high, then a thin-
// volume downgrade and a final-revision floor are applied.
func scoreConfidence(in confidenceInput) types.Confidence {
	points := 0
	if math.Abs(in.flowDiff) > 0.10 {
		points += 2
	}
	switch {
	case in.volRatio >= 1.5:
		points += 2
	case in.volRatio >= 1.2:
		points += 1
	}
	if in.slope > 0.04 {
		points += 1
	}

	var conf types.Confidence
	switch {
	case points >= 3:
		conf = types.ConfidenceHigh
	case points >= 1:
		conf = types.ConfidenceMedium
	default:
		conf = types.ConfidenceLow
	}

	if conf == types.ConfidenceHigh && in.avgVolume > 0 && in.total < 0.2*in.avgVolume {
		conf = types.ConfidenceMedium
	}
	if in.final && conf == types.ConfidenceLow {
		conf = types.ConfidenceMedium
	}
	return conf
}

// regressionSlope computes the ordinary-least-squares slope of y against
// elapsed seconds for points no older than windowSeconds before now — the 8s
// up_ratio regression feeding confidence scoring.
func regressionSlope(points []seriesPoint, now float64, windowSeconds float64) float64 {
	var xs, ys []float64
	for _, p := range points {
		age := now - p.atUnix
		if age < 0 || age > windowSeconds {
			continue
		}
		xs = append(xs, -age) // seconds before now, so slope is "per second forward"
		ys = append(ys, p.upRatio)
	}
	if len(xs) < 2 {
		return 0
	}
	n := float64(len(xs))
	var sumX, sumY, sumXY, sumXX float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
		sumXY += xs[i] * ys[i]
		sumXX += xs[i] * xs[i]
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
