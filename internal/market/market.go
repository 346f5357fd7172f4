// Package market standardizes the bar, quote and contract payloads shared between data sources,
// strategies and execution.
package market

import (
	"strings"
	"time"
)

// Kind classifies an instrument; fee schedules and share rounding are selected by it.
type Kind string

const (
	// Stock is an exchange listed equity traded in whole shares.
	Stock Kind = "stock"
	// Crypto is a spot crypto pair traded in fractional units.
	Crypto Kind = "crypto"
	// Forex is a currency pair.
	Forex Kind = "forex"
)

// ParseKind maps free-form config text onto a Kind, defaulting to Stock.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crypto":
		return Crypto
	case "forex", "fx":
		return Forex
	default:
		return Stock
	}
}

// Contract identifies a tradable instrument.
type Contract struct {
	Symbol     string `json:"symbol" yaml:"symbol"`
	Kind       Kind   `json:"kind" yaml:"kind"`
	Exchange   string `json:"exchange,omitempty" yaml:"exchange,omitempty"`
	Currency   string `json:"currency,omitempty" yaml:"currency,omitempty"`
	Fractional bool   `json:"fractional,omitempty" yaml:"fractional,omitempty"`
}

// AllowsFraction reports whether fills may carry fractional quantities.
func (c Contract) AllowsFraction() bool {
	return c.Fractional || c.Kind == Crypto || c.Kind == Forex
}

// Bar is one OHLCV observation for a fixed interval.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Quote is a best bid/ask update.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}

// Spread returns ask minus bid, or zero when either side is missing.
func (q Quote) Spread() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return q.Ask - q.Bid
}

// Series is a time-ordered run of bars.
type Series []Bar

// Last returns the newest bar.
func (s Series) Last() (Bar, bool) {
	if len(s) == 0 {
		return Bar{}, false
	}
	return s[len(s)-1], true
}

// Closes extracts close prices.
func (s Series) Closes() []float64 { return s.column(func(b Bar) float64 { return b.Close }) }

// Highs extracts high prices.
func (s Series) Highs() []float64 { return s.column(func(b Bar) float64 { return b.High }) }

// Lows extracts low prices.
func (s Series) Lows() []float64 { return s.column(func(b Bar) float64 { return b.Low }) }

// Volumes extracts traded volume.
func (s Series) Volumes() []float64 { return s.column(func(b Bar) float64 { return b.Volume }) }

func (s Series) column(get func(Bar) float64) []float64 {
	out := make([]float64, len(s))
	for i, b := range s {
		out[i] = get(b)
	}
	return out
}
