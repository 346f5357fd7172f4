package strategy

import (
	"fmt"

	"tradebot-go/internal/market"
)

// Move is the action a Decision asks the broker to take.
type Move string

const (
	Buy  Move = "buy"
	Sell Move = "sell"
)

// Sizing selects how a buy quantity is resolved against available capital.
type Sizing int

const (
	// Exact requests Quantity.Units, reduced to what capital allows.
	Exact Sizing = iota
	// Half spends half of the usable budget.
	Half
	// Max spends the whole usable budget.
	Max
)

func (s Sizing) String() string {
	switch s {
	case Half:
		return "half"
	case Max:
		return "max"
	default:
		return "exact"
	}
}

// Quantity is either a concrete unit count or a symbolic sizing policy.
type Quantity struct {
	Units  float64
	Sizing Sizing
}

// Units returns an exact quantity.
func Units(n float64) Quantity { return Quantity{Units: n, Sizing: Exact} }

// Symbolic reports whether the quantity must be resolved by the broker.
func (q Quantity) Symbolic() bool { return q.Sizing != Exact }

// Divisor is the fraction of the budget a symbolic quantity spends.
func (q Quantity) Divisor() float64 {
	if q.Sizing == Half {
		return 2
	}
	return 1
}

func (q Quantity) String() string {
	if q.Symbolic() {
		return q.Sizing.String()
	}
	return fmt.Sprintf("%g", q.Units)
}

// Decision is one immutable buy or sell instruction produced per cycle.
type Decision struct {
	Move       Move
	Contract   market.Contract
	Quantity   Quantity
	Confidence float64
	Reason     string
}

// Symbol is shorthand for the contract symbol.
func (d Decision) Symbol() string { return d.Contract.Symbol }
