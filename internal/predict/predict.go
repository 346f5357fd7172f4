// Package predict holds the directional signal contract and the predictors strategies consult.
package predict

import (
	"fmt"
	"strings"

	"tradebot-go/internal/market"
)

// Direction is the bias a predictor reports for the next bar.
type Direction string

const (
	Down   Direction = "down"
	Unsure Direction = "unsure"
	Up     Direction = "up"
)

// Encode maps a direction to -1/0/1 for frame annotations.
func (d Direction) Encode() float64 {
	switch d {
	case Up:
		return 1
	case Down:
		return -1
	default:
		return 0
	}
}

// Signal is one predictor output for one symbol.
type Signal struct {
	Source     string    `json:"source"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
}

// Predictor produces a directional signal from a window of bars. Implementations must not retain window.
type Predictor interface {
	Name() string
	// Lookback is the minimum number of bars needed before a signal means anything.
	Lookback() int
	Predict(symbol string, window *market.Frame) Signal
}

// ConsensusSource names the synthetic signal that combines every other source.
const ConsensusSource = "consensus"

// Consensus returns the shared direction when every signal agrees and Unsure otherwise.
// Confidence is the mean of the inputs when they agree.
func Consensus(signals []Signal) Signal {
	out := Signal{Source: ConsensusSource, Direction: Unsure}
	if len(signals) == 0 {
		return out
	}
	first := signals[0].Direction
	var sum float64
	sources := make([]string, 0, len(signals))
	for _, s := range signals {
		if s.Direction != first {
			return out
		}
		sum += s.Confidence
		sources = append(sources, s.Source)
	}
	out.Direction = first
	out.Confidence = sum / float64(len(signals))
	out.Reason = strings.Join(sources, "+")
	return out
}

// Static always returns the same signal; it backs deterministic replays and tests.
type Static struct {
	Dir  Direction
	Conf float64
	Bars int
}

// Name returns the identifier for logging.
func (s Static) Name() string { return "static" }

// Lookback returns the configured warm-up.
func (s Static) Lookback() int { return s.Bars }

// Predict ignores the window.
func (s Static) Predict(string, *market.Frame) Signal {
	return Signal{Source: s.Name(), Direction: s.Dir, Confidence: s.Conf, Reason: fmt.Sprintf("static %s", s.Dir)}
}

func unsure(source, reason string) Signal {
	return Signal{Source: source, Direction: Unsure, Reason: reason}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
