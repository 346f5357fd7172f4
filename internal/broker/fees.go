// Package broker prices and executes buy/sell decisions, either through the simulated fee model or a live gateway.
package broker

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"tradebot-go/internal/execution"
	"tradebot-go/internal/market"
)

// FeeTier is a percentage fee bracket selected once cumulative notional volume reaches MinVolume.
type FeeTier struct {
	MinVolume float64 `yaml:"min_volume" json:"min_volume"`
	Taker     float64 `yaml:"taker" json:"taker"`
	Maker     float64 `yaml:"maker" json:"maker"`
}

// ShareTier is a per-share commission bracket selected once cumulative share volume reaches MinShares.
type ShareTier struct {
	MinShares float64 `yaml:"min_shares" json:"min_shares"`
	PerShare  float64 `yaml:"per_share" json:"per_share"`
}

// FeeSchedule maps cumulative traded volume onto fee rates. Tables are data; no exchange is special-cased.
type FeeSchedule struct {
	Name      string      `yaml:"name" json:"name"`
	Percent   []FeeTier   `yaml:"percent" json:"percent"`
	PerShare  []ShareTier `yaml:"per_share" json:"per_share"`
	MinFee    float64     `yaml:"min_fee" json:"min_fee"`
	MaxFeePct float64     `yaml:"max_fee_pct" json:"max_fee_pct"`
	// Spread is an absolute per-unit execution cost applied to simulated fills only.
	Spread float64 `yaml:"spread" json:"spread"`
}

// Validate checks that tiers are ordered by volume and rates never increase with volume.
func (s FeeSchedule) Validate() error {
	for i := 1; i < len(s.Percent); i++ {
		prev, cur := s.Percent[i-1], s.Percent[i]
		if cur.MinVolume <= prev.MinVolume {
			return fmt.Errorf("fee schedule %q: percent tiers must have increasing min_volume", s.Name)
		}
		if cur.Taker > prev.Taker || cur.Maker > prev.Maker {
			return fmt.Errorf("fee schedule %q: rate increases at volume %.0f", s.Name, cur.MinVolume)
		}
	}
	for i := 1; i < len(s.PerShare); i++ {
		prev, cur := s.PerShare[i-1], s.PerShare[i]
		if cur.MinShares <= prev.MinShares {
			return fmt.Errorf("fee schedule %q: share tiers must have increasing min_shares", s.Name)
		}
		if cur.PerShare > prev.PerShare {
			return fmt.Errorf("fee schedule %q: per-share rate increases at %.0f shares", s.Name, cur.MinShares)
		}
	}
	if s.MinFee < 0 || s.MaxFeePct < 0 || s.Spread < 0 {
		return fmt.Errorf("fee schedule %q: negative fee bound", s.Name)
	}
	return nil
}

// Rates returns the (taker, maker) percentage rates for the given cumulative notional volume.
func (s FeeSchedule) Rates(notionalVolume float64) (taker, maker decimal.Decimal) {
	taker, maker = decimal.Zero, decimal.Zero
	for _, tier := range s.Percent {
		if notionalVolume < tier.MinVolume {
			break
		}
		taker = decimal.NewFromFloat(tier.Taker)
		maker = decimal.NewFromFloat(tier.Maker)
	}
	return taker, maker
}

// PerShareRate returns the per-unit commission for a trade of qty at price, given cumulative share volume.
// The rate is raised until the trade's total commission meets MinFee, then capped so commission over
// trade value never exceeds MaxFeePct. The cap wins when both bind.
func (s FeeSchedule) PerShareRate(shareVolume, price, qty float64) decimal.Decimal {
	if len(s.PerShare) == 0 || qty <= 0 || price <= 0 {
		return decimal.Zero
	}
	rate := decimal.Zero
	for _, tier := range s.PerShare {
		if shareVolume < tier.MinShares {
			break
		}
		rate = decimal.NewFromFloat(tier.PerShare)
	}

	q := decimal.NewFromFloat(qty)
	p := decimal.NewFromFloat(price)
	minFee := decimal.NewFromFloat(s.MinFee)
	if expected := rate.Mul(q); expected.LessThan(minFee) {
		rate = rate.Add(minFee.Sub(expected).Div(q))
	}
	if s.MaxFeePct > 0 {
		maxPct := decimal.NewFromFloat(s.MaxFeePct)
		if rate.Div(p).GreaterThan(maxPct) {
			rate = p.Mul(maxPct)
		}
	}
	return rate
}

// Charge is the per-unit cost breakdown applied to one simulated fill.
type Charge struct {
	Percent decimal.Decimal
	Fixed   decimal.Decimal
	Spread  decimal.Decimal
}

// PerUnit is the total amount added to (buys) or subtracted from (sells) the reference price.
func (c Charge) PerUnit() float64 {
	return c.Percent.Add(c.Fixed).Add(c.Spread).InexactFloat64()
}

// Fee is the commission portion of the charge for qty units, excluding spread.
func (c Charge) Fee(qty float64) float64 {
	return c.Percent.Add(c.Fixed).Mul(decimal.NewFromFloat(qty)).InexactFloat64()
}

// Charge prices a fill of qty at price. Buys pay the taker rate and sells the maker rate.
func (s FeeSchedule) Charge(side execution.Side, notionalVolume, shareVolume, price, qty float64) Charge {
	taker, maker := s.Rates(notionalVolume)
	rate := taker
	if side == execution.Sell {
		rate = maker
	}
	return Charge{
		Percent: rate.Mul(decimal.NewFromFloat(price)),
		Fixed:   s.PerShareRate(shareVolume, price, qty),
		Spread:  decimal.NewFromFloat(s.Spread),
	}
}

var presets = map[string]FeeSchedule{
	"none": {Name: "none"},
	"binance": {Name: "binance", Percent: []FeeTier{
		{0, .001, .001},
		{50_000, .0009, .0009},
		{100_000, .0009, .0008},
		{500_000, .0008, .0007},
		{1_000_000, .0007, .0005},
		{5_000_000, .0006, .0004},
		{10_000_000, .0006, 0},
		{25_000_000, .0005, 0},
		{100_000_000, .0004, 0},
		{250_000_000, .0003, 0},
		{500_000_000, .0002, 0},
	}},
	"kraken": {Name: "kraken", Percent: []FeeTier{
		{0, .0026, .0016},
		{50_000, .0024, .0014},
		{100_000, .0022, .0012},
		{250_000, .002, .001},
		{500_000, .0018, .0008},
		{1_000_000, .0016, .0006},
		{2_500_000, .0014, .0004},
		{5_000_000, .0012, .0002},
		{10_000_000, .001, 0},
	}},
	"coinbase": {Name: "coinbase", Percent: []FeeTier{
		{0, .005, .005},
		{10_000, .0035, .0035},
		{50_000, .0025, .0015},
		{100_000, .002, .001},
		{1_000_000, .0018, .0008},
		{10_000_000, .0015, .0005},
		{50_000_000, .0007, 0},
		{300_000_000, .0005, 0},
		{500_000_000, .0004, 0},
	}},
	"robinhood": {Name: "robinhood", Percent: []FeeTier{{0, .0001, .0001}}},
	"forex":     {Name: "forex", Percent: []FeeTier{{0, .00002, .00002}}},
	"ibkr-tiered": {
		Name: "ibkr-tiered",
		PerShare: []ShareTier{
			{0, .0035},
			{300_000, .002},
			{3_000_000, .0015},
			{20_000_000, .001},
			{100_000_000, .0005},
		},
		MinFee:    .35,
		MaxFeePct: .01,
		Spread:    .01,
	},
	"ibkr-fixed": {Name: "ibkr-fixed", PerShare: []ShareTier{{0, .005}}, MinFee: 1, MaxFeePct: .01, Spread: .01},
}

// Preset returns a copy of a named built-in schedule.
func Preset(name string) (FeeSchedule, bool) {
	s, ok := presets[name]
	if !ok {
		return FeeSchedule{}, false
	}
	s.Percent = append([]FeeTier(nil), s.Percent...)
	s.PerShare = append([]ShareTier(nil), s.PerShare...)
	return s, true
}

// PresetNames lists the built-in schedules.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultSchedules is tiered per-share equity pricing, robinhood crypto and flat forex.
func DefaultSchedules() map[market.Kind]FeeSchedule {
	stock, _ := Preset("ibkr-tiered")
	crypto, _ := Preset("robinhood")
	fx, _ := Preset("forex")
	return map[market.Kind]FeeSchedule{market.Stock: stock, market.Crypto: crypto, market.Forex: fx}
}
