package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestEpochFinalized(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		e    Epoch
		want bool
	}{
		{
			name: "consistent totals",
			e: Epoch{
				LockPrice:   decimal.NewFromFloat(250),
				ClosePrice:  decimal.NewFromFloat(252.5),
				TotalAmount: decimal.NewFromFloat(5),
				UpAmount:    decimal.NewFromFloat(3),
				DownAmount:  decimal.NewFromFloat(2),
			},
			want: true,
		},
		{
			name: "missing close price",
			e: Epoch{
				LockPrice:   decimal.NewFromFloat(250),
				TotalAmount: decimal.NewFromFloat(5),
				UpAmount:    decimal.NewFromFloat(3),
				DownAmount:  decimal.NewFromFloat(2),
			},
			want: false,
		},
		{
			name: "totals off by more than 1e-3",
			e: Epoch{
				LockPrice:   decimal.NewFromFloat(250),
				ClosePrice:  decimal.NewFromFloat(252.5),
				TotalAmount: decimal.NewFromFloat(5),
				UpAmount:    decimal.NewFromFloat(3),
				DownAmount:  decimal.NewFromFloat(1.9),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.e.Finalized(); got != tt.want {
				t.Errorf("Finalized() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEpochResult(t *testing.T) {
	t.Parallel()

	up := Epoch{LockPrice: decimal.NewFromFloat(250), ClosePrice: decimal.NewFromFloat(252.5)}
	if got := up.Result(); got != Up {
		t.Errorf("Result() = %v, want UP", got)
	}

	down := Epoch{LockPrice: decimal.NewFromFloat(250), ClosePrice: decimal.NewFromFloat(249.9)}
	if got := down.Result(); got != Down {
		t.Errorf("Result() = %v, want DOWN", got)
	}
}

func TestEpochPayouts(t *testing.T) {
	t.Parallel()

	e := Epoch{
		TotalAmount: decimal.NewFromFloat(10),
		UpAmount:    decimal.NewFromFloat(4),
		DownAmount:  decimal.NewFromFloat(6),
	}

	wantUp := decimal.NewFromFloat(0.97).Mul(e.TotalAmount).Div(e.UpAmount)
	if got := e.UpPayout(); !got.Equal(wantUp) {
		t.Errorf("UpPayout() = %v, want %v", got, wantUp)
	}

	zero := Epoch{TotalAmount: decimal.NewFromFloat(10), UpAmount: decimal.Zero, DownAmount: decimal.NewFromFloat(10)}
	if got := zero.UpPayout(); !got.IsZero() {
		t.Errorf("UpPayout() with zero up amount = %v, want 0", got)
	}
}

func TestMultiClaimIsWhale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		m    MultiClaim
		want bool
	}{
		{"5 distinct epochs", MultiClaim{DistinctEpochs: 5, TotalAmount: decimal.NewFromFloat(0.1)}, true},
		{"below both thresholds", MultiClaim{DistinctEpochs: 2, TotalAmount: decimal.NewFromFloat(0.5)}, false},
		{"amount threshold", MultiClaim{DistinctEpochs: 1, TotalAmount: decimal.NewFromFloat(1)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.IsWhale(); got != tt.want {
				t.Errorf("IsWhale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPredictionMomentumAccessor(t *testing.T) {
	t.Parallel()

	p := Prediction{
		Epoch:     419131,
		Timestamp: time.Now(),
		Strategies: map[string]MomentumStrategy{
			"momentum": {Prediction: Up, Confidence: ConfidenceHigh, Score: 3},
		},
	}

	m := p.Momentum()
	if m.Prediction != Up || m.Confidence != ConfidenceHigh {
		t.Errorf("Momentum() = %+v, want Up/high", m)
	}
}
