package predict

import (
	"math"
	"testing"
	"time"

	"tradebot-go/internal/market"
)

func series(closes []float64, volume float64) *market.Frame {
	start := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	bars := make(market.Series, len(closes))
	prev := closes[0]
	for i, c := range closes {
		bars[i] = market.Bar{Time: start.Add(time.Duration(i) * time.Minute), Open: prev, High: math.Max(prev, c), Low: math.Min(prev, c), Close: c, Volume: volume}
		prev = c
	}
	return market.NewFrame("TEST", bars)
}

func ramp(n int, from, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + float64(i)*step
	}
	return out
}

func TestMomentumLongSignal(t *testing.T) {
	p := NewMomentum(0.02, 3, 100)
	sig := p.Predict("WIF", series([]float64{10, 10.5, 11}, 5000))
	if sig.Direction != Up {
		t.Fatalf("expected up signal, got %+v", sig)
	}
	if sig.Confidence <= 0.5 || sig.Confidence > 1 {
		t.Fatalf("unexpected confidence %.4f", sig.Confidence)
	}
}

func TestMomentumShortSignal(t *testing.T) {
	p := NewMomentum(0.02, 3, 100)
	sig := p.Predict("BODEN", series([]float64{20, 19.5, 18}, 4000))
	if sig.Direction != Down {
		t.Fatalf("expected down signal, got %+v", sig)
	}
}

func TestMomentumRespectsVolume(t *testing.T) {
	p := NewMomentum(0.02, 2, 1000)
	sig := p.Predict("LOWVOL", series([]float64{1, 1.03}, 1))
	if sig.Direction != Unsure {
		t.Fatalf("expected unsure signal due to insufficient volume, got %+v", sig)
	}
}

func TestImbalanceFollowsUpVolume(t *testing.T) {
	p := NewImbalance(0.25, 5)
	sig := p.Predict("X", series(ramp(10, 100, 1), 100))
	if sig.Direction != Up {
		t.Fatalf("expected up signal, got %+v", sig)
	}
	sig = p.Predict("X", series(ramp(10, 100, -1), 100))
	if sig.Direction != Down {
		t.Fatalf("expected down signal, got %+v", sig)
	}
}

func TestWarmupIsUnsure(t *testing.T) {
	f := series(ramp(5, 100, 1), 10)
	for _, p := range []Predictor{NewMomentum(0.01, 10, 0), NewImbalance(0.2, 10), NewCrossover(9, 27, 14), NewMACD(0, 0, 0)} {
		if sig := p.Predict("X", f); sig.Direction != Unsure {
			t.Fatalf("%s: expected unsure during warm-up, got %+v", p.Name(), sig)
		}
	}
}

func TestMACDTrend(t *testing.T) {
	closes := make([]float64, 80)
	for i := range closes {
		closes[i] = 100 + float64(i)*float64(i)*0.01
	}
	sig := NewMACD(12, 26, 9).Predict("X", series(closes, 10))
	if sig.Direction != Up {
		t.Fatalf("expected up on accelerating trend, got %+v", sig)
	}
}

func TestConsensus(t *testing.T) {
	agree := Consensus([]Signal{{Source: "a", Direction: Up, Confidence: 0.6}, {Source: "b", Direction: Up, Confidence: 0.8}})
	if agree.Direction != Up || math.Abs(agree.Confidence-0.7) > 1e-9 {
		t.Fatalf("unexpected consensus %+v", agree)
	}
	split := Consensus([]Signal{{Source: "a", Direction: Up}, {Source: "b", Direction: Down}})
	if split.Direction != Unsure {
		t.Fatalf("expected unsure on disagreement, got %+v", split)
	}
}

func TestEncode(t *testing.T) {
	if Up.Encode() != 1 || Down.Encode() != -1 || Unsure.Encode() != 0 {
		t.Fatalf("unexpected encoding")
	}
}
