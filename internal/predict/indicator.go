package predict

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"tradebot-go/internal/market"
)

// Crossover reads a fast/slow EMA crossover filtered by RSI extremes.
type Crossover struct {
	Fast, Slow int
	RSI        int
	Overbought float64
	Oversold   float64
}

// NewCrossover returns a crossover predictor with common defaults for zero fields.
func NewCrossover(fast, slow, rsi int) *Crossover {
	if fast <= 0 {
		fast = 9
	}
	if slow <= fast {
		slow = fast * 3
	}
	if rsi <= 0 {
		rsi = 14
	}
	return &Crossover{Fast: fast, Slow: slow, RSI: rsi, Overbought: 70, Oversold: 30}
}

func (c *Crossover) Name() string  { return "ema_rsi" }
func (c *Crossover) Lookback() int { return max(c.Slow, c.RSI) + 1 }

// Predict is up while the fast EMA is above the slow one and RSI is not overbought.
func (c *Crossover) Predict(_ string, f *market.Frame) Signal {
	if f.Len() < c.Lookback() {
		return unsure(c.Name(), "warming up")
	}
	closes := f.Bars.Closes()
	fast := last(talib.Ema(closes, c.Fast))
	slow := last(talib.Ema(closes, c.Slow))
	rsi := last(talib.Rsi(closes, c.RSI))
	if slow <= 0 {
		return unsure(c.Name(), "no slow average")
	}

	gap := (fast - slow) / slow
	reason := fmt.Sprintf("ema_gap=%.3f%% rsi=%.1f", gap*100, rsi)
	conf := clamp(0.5+math.Abs(gap)*50, 0, 1)
	switch {
	case rsi >= c.Overbought:
		return Signal{Source: c.Name(), Direction: Down, Confidence: clamp(rsi/100, 0, 1), Reason: reason}
	case rsi <= c.Oversold:
		return Signal{Source: c.Name(), Direction: Up, Confidence: clamp(1-rsi/100, 0, 1), Reason: reason}
	case gap > 0:
		return Signal{Source: c.Name(), Direction: Up, Confidence: conf, Reason: reason}
	case gap < 0:
		return Signal{Source: c.Name(), Direction: Down, Confidence: conf, Reason: reason}
	}
	return unsure(c.Name(), reason)
}

// MACD reads the sign of the MACD histogram, scaled by recent volatility.
type MACD struct {
	Fast, Slow, SignalPeriod int
}

// NewMACD returns a MACD predictor, 12/26/9 when zero.
func NewMACD(fast, slow, signal int) *MACD {
	if fast <= 0 || slow <= fast || signal <= 0 {
		fast, slow, signal = 12, 26, 9
	}
	return &MACD{Fast: fast, Slow: slow, SignalPeriod: signal}
}

func (m *MACD) Name() string  { return "macd" }
func (m *MACD) Lookback() int { return m.Slow + m.SignalPeriod }

// Predict turns the histogram into a direction.
func (m *MACD) Predict(_ string, f *market.Frame) Signal {
	if f.Len() < m.Lookback() {
		return unsure(m.Name(), "warming up")
	}
	closes := f.Bars.Closes()
	_, _, hist := talib.Macd(closes, m.Fast, m.Slow, m.SignalPeriod)
	h := last(hist)
	dev := last(talib.StdDev(closes, m.Slow, 1))
	reason := fmt.Sprintf("hist=%.5f dev=%.5f", h, dev)
	if h == 0 || dev <= 0 {
		return unsure(m.Name(), reason)
	}
	dir := Up
	if h < 0 {
		dir = Down
	}
	return Signal{Source: m.Name(), Direction: dir, Confidence: clamp(0.5+math.Abs(h)/dev, 0, 1), Reason: reason}
}

func last(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	v := xs[len(xs)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
