// Package execution handles order lifecycle and interaction with venues.
package execution

import (
	"context"
	"errors"
	"time"

	"tradebot-go/internal/market"
)

// Side enumerates order directions used by the executor.
type Side string

const (
	// Buy opens a long position.
	Buy Side = "BUY"
	// Sell closes a long position.
	Sell Side = "SELL"
)

// Status is a venue-reported order state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFilled    Status = "filled"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCancelled
}

var (
	// ErrRejected is returned when a venue rejects or cancels an order.
	ErrRejected = errors.New("order rejected")
	// ErrFillTimeout is returned when no terminal state is observed within the polling bound.
	ErrFillTimeout = errors.New("order fill timed out")
)

// Order represents a placement request the executor can process.
type Order struct {
	ID         string
	Symbol     string
	Kind       market.Kind
	Side       Side
	Qty        float64
	LimitPrice float64
}

// OrderState is the venue's view of an order at poll time.
type OrderState struct {
	ID        string
	Status    Status
	FilledQty float64
	AvgPrice  float64
	Fees      float64
	Reason    string
}

// Fill is the realized outcome of a terminal order.
type Fill struct {
	OrderID string    `json:"order_id"`
	Symbol  string    `json:"symbol"`
	Side    Side      `json:"side"`
	Qty     float64   `json:"qty"`
	Price   float64   `json:"price"`
	Fee     float64   `json:"fee"`
	Time    time.Time `json:"time"`
}

// Venue is the low-level order API of a broker or exchange.
type Venue interface {
	Submit(ctx context.Context, order Order) (string, error)
	Status(ctx context.Context, id string) (OrderState, error)
	Cancel(ctx context.Context, id string) error
}

// Gateway places an order and blocks until it reaches a terminal state.
type Gateway interface {
	PlaceAndAwaitFill(ctx context.Context, order Order) (Fill, error)
}
