package execution

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PaperVenue accepts orders without touching a real market and fills them at the limit price
// after a configurable number of polls.
type PaperVenue struct {
	log       zerolog.Logger
	fillAfter int
	reject    func(Order) string

	mu     sync.Mutex
	orders map[string]*paperOrder
}

type paperOrder struct {
	order Order
	polls int
	state OrderState
}

// PaperOption configures a PaperVenue.
type PaperOption func(*PaperVenue)

// WithFillAfter delays fills until the order has been polled n times.
func WithFillAfter(n int) PaperOption {
	return func(v *PaperVenue) {
		if n >= 0 {
			v.fillAfter = n
		}
	}
}

// WithRejector installs a hook returning a non-empty reason for orders that must be rejected.
func WithRejector(fn func(Order) string) PaperOption {
	return func(v *PaperVenue) { v.reject = fn }
}

// NewPaperVenue wraps a zerolog logger for paper order submissions.
func NewPaperVenue(log zerolog.Logger, opts ...PaperOption) *PaperVenue {
	v := &PaperVenue{log: log, orders: make(map[string]*paperOrder)}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Submit logs and stores the order.
func (v *PaperVenue) Submit(_ context.Context, order Order) (string, error) {
	if order.Qty <= 0 {
		return "", fmt.Errorf("quantity must be positive")
	}
	id := order.ID
	if id == "" {
		id = uuid.NewString()
	}
	state := OrderState{ID: id, Status: StatusPending}
	if v.reject != nil {
		if reason := v.reject(order); reason != "" {
			state.Status = StatusRejected
			state.Reason = reason
		}
	}
	if order.LimitPrice <= 0 && state.Status == StatusPending {
		state.Status = StatusRejected
		state.Reason = "no reference price"
	}

	v.mu.Lock()
	v.orders[id] = &paperOrder{order: order, state: state}
	v.mu.Unlock()

	v.log.Info().Str("sym", order.Symbol).Str("side", string(order.Side)).Float64("qty", order.Qty).Float64("px", order.LimitPrice).Msg("submit order (paper)")
	return id, nil
}

// Status advances the paper order and reports its state.
func (v *PaperVenue) Status(_ context.Context, id string) (OrderState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	po, ok := v.orders[id]
	if !ok {
		return OrderState{}, fmt.Errorf("unknown order %s", id)
	}
	if po.state.Status == StatusPending {
		po.polls++
		if po.polls > v.fillAfter {
			po.state.Status = StatusFilled
			po.state.FilledQty = po.order.Qty
			po.state.AvgPrice = po.order.LimitPrice
		}
	}
	return po.state, nil
}

// Cancel marks a pending order cancelled.
func (v *PaperVenue) Cancel(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	po, ok := v.orders[id]
	if !ok {
		return fmt.Errorf("unknown order %s", id)
	}
	if po.state.Status == StatusPending {
		po.state.Status = StatusCancelled
		po.state.Reason = "cancelled"
	}
	return nil
}
