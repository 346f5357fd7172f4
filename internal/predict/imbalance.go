package predict

import (
	"fmt"
	"math"

	"tradebot-go/internal/market"
)

// Imbalance scores bar-level volume imbalance (volume on up bars versus down bars) blended with
// price momentum over a sliding window.
type Imbalance struct {
	threshold float64
	window    int
}

// NewImbalance builds an Imbalance predictor using a score threshold and look-back window in bars.
func NewImbalance(threshold float64, windowBars int) *Imbalance {
	if threshold <= 0 {
		threshold = 0.25
	}
	if windowBars <= 1 {
		windowBars = 20
	}
	return &Imbalance{threshold: threshold, window: windowBars}
}

// Name returns the identifier for the predictor.
func (p *Imbalance) Name() string { return "imbalance" }

// Lookback is the window length.
func (p *Imbalance) Lookback() int { return p.window }

// Predict combines imbalance and momentum into a directional score.
func (p *Imbalance) Predict(_ string, f *market.Frame) Signal {
	if f.Len() < p.window {
		return unsure(p.Name(), "warming up")
	}
	obi, momentum := features(f.Tail(p.window).Bars)
	score := 0.6*obi + 0.4*momentum
	reason := fmt.Sprintf("obi=%.2f momentum=%.2f", obi, momentum)
	if math.Abs(score) < p.threshold {
		return Signal{Source: p.Name(), Direction: Unsure, Confidence: math.Abs(score), Reason: reason}
	}
	dir := Up
	if score < 0 {
		dir = Down
	}
	return Signal{Source: p.Name(), Direction: dir, Confidence: clamp(math.Abs(score), 0, 1), Reason: reason}
}

func features(bars market.Series) (float64, float64) {
	if len(bars) == 0 {
		return 0, 0
	}

	var upVol, downVol float64
	for _, b := range bars {
		vol := math.Abs(b.Volume)
		if b.Close >= b.Open {
			upVol += vol
		} else {
			downVol += vol
		}
	}

	total := upVol + downVol
	var obi float64
	if total > 0 {
		obi = clamp((upVol-downVol)/total, -1, 1)
	}

	anchor := bars[0].Close
	momentum := 0.0
	if anchor > 0 {
		raw := (bars[len(bars)-1].Close - anchor) / anchor
		momentum = clamp(math.Tanh(raw*3), -1, 1)
	}
	return obi, momentum
}
