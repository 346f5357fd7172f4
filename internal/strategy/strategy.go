// Package strategy contains the per-cycle decision pipeline and the registry of strategy kinds.
package strategy

import (
	"context"
	"time"
	_ "time/tzdata"

	"tradebot-go/internal/market"
	"tradebot-go/internal/portfolio"
	"tradebot-go/internal/predict"
	"tradebot-go/internal/risk"
)

// Strategy defines behaviour shared by strategy implementations used by the trader and the backtester.
type Strategy interface {
	Kind() string
	// Lookback is the number of bars a replay must observe before the first decision.
	Lookback() int
	// Horizon is how many bars past the decision index a replay keeps in reserve.
	Horizon() int
	Prepare(ctx context.Context, train, analysis map[string]*market.Frame) error
	Train(ctx context.Context, frames map[string]*market.Frame) error
	DetermineNextMove(view View, frames map[string]*market.Frame) (Plan, error)
}

// View is the read-only state a strategy decides against.
type View struct {
	Now        time.Time
	Available  float64
	Contracts  []market.Contract
	Portfolios map[string]portfolio.Portfolio
}

// Plan is the ordered decision list plus the raw signals used for accuracy scoring.
type Plan struct {
	Decisions []Decision
	Signals   map[string][]predict.Signal
}

// Sells returns the sell decisions in order.
func (p Plan) Sells() []Decision { return p.filter(Sell) }

// Buys returns the buy decisions in order.
func (p Plan) Buys() []Decision { return p.filter(Buy) }

func (p Plan) filter(m Move) []Decision {
	var out []Decision
	for _, d := range p.Decisions {
		if d.Move == m {
			out = append(out, d)
		}
	}
	return out
}

// Cutoff is a time of day after which no new positions open and open positions are closed.
type Cutoff struct {
	Hour     int    `json:"hour" yaml:"hour"`
	Minute   int    `json:"minute" yaml:"minute"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

// After reports whether t is past the cutoff in the cutoff's location.
func (c *Cutoff) After(t time.Time) bool {
	if c == nil || t.IsZero() {
		return false
	}
	if c.Location != "" {
		if loc, err := time.LoadLocation(c.Location); err == nil {
			t = t.In(loc)
		}
	}
	return t.Hour()*60+t.Minute() > c.Hour*60+c.Minute
}

// Params expresses tunable knobs shared by every strategy kind.
type Params struct {
	DefaultThreshold float64
	Thresholds       map[string]float64
	MinHoldBars      int
	Session          *Cutoff
	Limits           risk.Limits

	// Horizon overrides the bars reserved at the end of a replay.
	Horizon int

	MomentumThreshold  float64
	MomentumWindow     int
	MomentumMinVolume  float64
	ImbalanceThreshold float64
	ImbalanceWindow    int
	EMAFast, EMASlow   int
	RSIPeriod          int
	StaticConfidence   float64
}

// DefaultThreshold is used for symbols with no configured acceptance threshold.
const DefaultThreshold = 0.6

// Threshold returns the acceptance threshold for symbol.
func (p Params) Threshold(symbol string) float64 {
	if v, ok := p.Thresholds[symbol]; ok && v > 0 {
		return v
	}
	if p.DefaultThreshold > 0 {
		return p.DefaultThreshold
	}
	return DefaultThreshold
}
