// Package risk holds the capital gates applied before an order is sized.
package risk

// Defaults used when a limit is left at zero.
const (
	DefaultMinAvailableCapital = 20
	DefaultMinTradeCapital     = 10
)

// Limits gate new positions on available capital and optional per-trade notional.
type Limits struct {
	// MinAvailableCapital is the floor of free capital required to open any buy.
	MinAvailableCapital float64
	// MinTradeCapital is the pending capital that must remain before another buy is queued in a cycle.
	MinTradeCapital float64
	// MaxNotionalPerTrade caps a single order; zero disables the cap.
	MaxNotionalPerTrade float64
}

// DefaultLimits returns the stock capital floors.
func DefaultLimits() Limits {
	return Limits{MinAvailableCapital: DefaultMinAvailableCapital, MinTradeCapital: DefaultMinTradeCapital}
}

// CanOpen reports whether available capital is enough to consider a buy.
func (l Limits) CanOpen(available float64) bool {
	return available >= l.MinAvailableCapital
}

// AllowCycle reports whether pending capital still leaves room for one more buy in the current cycle.
func (l Limits) AllowCycle(pending float64) bool {
	return pending > l.MinTradeCapital
}

// Allow reports whether notional stays under the per-trade cap.
func (l Limits) Allow(notional float64) bool {
	return l.MaxNotionalPerTrade <= 0 || notional <= l.MaxNotionalPerTrade
}

// Cap clamps a budget to the per-trade cap.
func (l Limits) Cap(budget float64) float64 {
	if l.MaxNotionalPerTrade > 0 && budget > l.MaxNotionalPerTrade {
		return l.MaxNotionalPerTrade
	}
	return budget
}
