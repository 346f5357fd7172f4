// Package portfolio tracks per-symbol position state, realized PnL and the buy-and-hold comparator.
package portfolio

import (
	"time"
)

const (
	epsilon = 1e-9
	// DefaultStopLossPct is applied when a strategy does not configure its own stop.
	DefaultStopLossPct = 0.03
	// fallbackStopLossRatio is used when the configured percentage is unusable.
	fallbackStopLossRatio = 0.95
)

// Portfolio is the position state machine for one traded symbol. It is owned by exactly one
// trader or backtester; readers receive value copies.
type Portfolio struct {
	Symbol          string    `json:"symbol"`
	HasPosition     bool      `json:"has_position"`
	PurchasePrice   float64   `json:"purchase_price"`
	PurchaseDate    time.Time `json:"purchase_date"`
	Quantity        float64   `json:"quantity"`
	Confidence      float64   `json:"confidence"`
	RealizedPnL     float64   `json:"realized_pnl"`
	StopLossPct     float64   `json:"stop_loss_pct"`
	StopLossPrice   float64   `json:"stop_loss_price"`
	HoldDuration    int       `json:"hold_duration"`
	Purchases       int       `json:"purchases"`
	HoldStartPrice  float64   `json:"hold_start_price"`
	HoldStartShares float64   `json:"hold_start_shares"`
}

// New creates an empty portfolio anchored at holdStart for the buy-and-hold baseline.
func New(symbol string, holdStart, stopLossPct float64) *Portfolio {
	return &Portfolio{
		Symbol:         symbol,
		StopLossPct:    stopLossPct,
		HoldStartPrice: holdStart,
	}
}

// Purchased records a filled buy and arms the stop loss.
func (p *Portfolio) Purchased(price, qty float64, date time.Time, confidence float64) {
	if qty <= 0 {
		return
	}
	p.HasPosition = true
	p.PurchasePrice = price
	p.PurchaseDate = date
	p.Quantity = qty
	p.Confidence = confidence
	p.Purchases++
	p.HoldDuration = 0
	if p.StopLossPct > 0 && p.StopLossPct < 1 {
		p.StopLossPrice = price * (1 - p.StopLossPct)
	} else {
		p.StopLossPrice = price * fallbackStopLossRatio
	}
}

// Sold records a filled sell. Selling the full quantity zeroes the position and clears
// HasPosition in the same call.
func (p *Portfolio) Sold(price, qty float64) {
	if qty <= 0 || !p.HasPosition {
		return
	}
	if qty > p.Quantity {
		qty = p.Quantity
	}
	p.RealizedPnL += qty * (price - p.PurchasePrice)
	p.Quantity -= qty
	if p.Quantity <= epsilon {
		p.Quantity = 0
		p.HasPosition = false
	}
	p.HoldDuration = 0
}

// Tick advances the hold counter for an open position by one cycle.
func (p *Portfolio) Tick() {
	if p.HasPosition {
		p.HoldDuration++
	}
}

// StopLossHit reports whether close breached the armed stop.
func (p *Portfolio) StopLossHit(close float64) bool {
	return p.HasPosition && close < p.StopLossPrice
}

// SetHoldStart re-anchors the buy-and-hold baseline.
func (p *Portfolio) SetHoldStart(price, capital float64) {
	if price <= 0 {
		return
	}
	p.HoldStartPrice = price
	p.HoldStartShares = capital / price
}

// HoldProfit is the PnL of passively holding capital worth of the symbol since the baseline anchor.
func (p *Portfolio) HoldProfit(current, capital float64) float64 {
	if p.HoldStartPrice <= 0 {
		return 0
	}
	shares := capital / p.HoldStartPrice
	return shares*current - capital
}

// Unrealized returns the open position's mark-to-market PnL.
func (p *Portfolio) Unrealized(current float64) float64 {
	if !p.HasPosition {
		return 0
	}
	return (current - p.PurchasePrice) * p.Quantity
}

// MarketValue returns quantity times current.
func (p *Portfolio) MarketValue(current float64) float64 {
	return p.Quantity * current
}
