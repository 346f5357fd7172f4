package predict

import (
	"fmt"
	"math"

	"tradebot-go/internal/market"
)

// Momentum emits a directional signal when close-to-close change over a lookback window
// exceeds a threshold alongside minimum traded notional.
type Momentum struct {
	threshold float64
	window    int
	minVolume float64
}

// NewMomentum builds a momentum predictor using percent change and notional volume filters.
func NewMomentum(threshold float64, windowBars int, minNotional float64) *Momentum {
	if threshold <= 0 {
		threshold = 0.01
	}
	if windowBars <= 1 {
		windowBars = 12
	}
	return &Momentum{threshold: threshold, window: windowBars, minVolume: math.Max(0, minNotional)}
}

// Name returns the configured identifier for logging.
func (m *Momentum) Name() string { return "momentum" }

// Lookback is the window length.
func (m *Momentum) Lookback() int { return m.window }

// Predict evaluates momentum and volume over the trailing window.
func (m *Momentum) Predict(_ string, f *market.Frame) Signal {
	if f.Len() < m.window {
		return unsure(m.Name(), "warming up")
	}
	bars := f.Tail(m.window).Bars
	oldest, latest := bars[0], bars[len(bars)-1]
	if oldest.Close <= 0 {
		return unsure(m.Name(), "no anchor price")
	}

	var notional float64
	for _, b := range bars {
		notional += math.Abs(b.Close * b.Volume)
	}
	change := (latest.Close - oldest.Close) / oldest.Close
	reason := fmt.Sprintf("Δ=%.2f%% volume=%.0f", change*100, notional)
	if m.minVolume > 0 && notional < m.minVolume {
		return unsure(m.Name(), reason)
	}
	if math.Abs(change) < m.threshold {
		return Signal{Source: m.Name(), Direction: Unsure, Confidence: math.Abs(change) / m.threshold / 2, Reason: reason}
	}

	dir := Up
	if change < 0 {
		dir = Down
	}
	conf := clamp(0.5+math.Abs(change)/(4*m.threshold), 0, 1)
	return Signal{Source: m.Name(), Direction: dir, Confidence: conf, Reason: reason}
}
