package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"tradebot-go/internal/metrics"
)

// Backoff bounds how long and how often a gateway polls for a terminal order state.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultBackoff polls from 250ms up to 5s between attempts, 40 attempts, two minutes overall.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     250 * time.Millisecond,
		Max:         5 * time.Second,
		Multiplier:  2,
		MaxAttempts: 40,
		Timeout:     2 * time.Minute,
	}
}

func (b Backoff) normalized() Backoff {
	def := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = def.MaxAttempts
	}
	if b.Timeout <= 0 {
		b.Timeout = def.Timeout
	}
	return b
}

// PollingGateway turns a submit/poll venue into a blocking Gateway with a hard attempt and time bound.
type PollingGateway struct {
	venue   Venue
	backoff Backoff
	log     zerolog.Logger
}

// NewPollingGateway wraps venue with bounded exponential backoff polling.
func NewPollingGateway(venue Venue, backoff Backoff, log zerolog.Logger) *PollingGateway {
	return &PollingGateway{venue: venue, backoff: backoff.normalized(), log: log}
}

// PlaceAndAwaitFill submits order and polls until filled, rejected, cancelled, or the bound is hit.
func (g *PollingGateway) PlaceAndAwaitFill(ctx context.Context, order Order) (Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, g.backoff.Timeout)
	defer cancel()

	id, err := g.venue.Submit(ctx, order)
	if err != nil {
		return Fill{}, fmt.Errorf("submit %s %s: %w", order.Side, order.Symbol, err)
	}
	metrics.OrdersTotal.WithLabelValues(order.Symbol, string(order.Side)).Inc()

	delay := g.backoff.Initial
	for attempt := 1; attempt <= g.backoff.MaxAttempts; attempt++ {
		state, err := g.venue.Status(ctx, id)
		if err != nil {
			g.log.Warn().Err(err).Str("order", id).Int("attempt", attempt).Msg("order status poll failed")
		} else {
			switch state.Status {
			case StatusFilled:
				return Fill{
					OrderID: id,
					Symbol:  order.Symbol,
					Side:    order.Side,
					Qty:     state.FilledQty,
					Price:   state.AvgPrice,
					Fee:     state.Fees,
					Time:    time.Now().UTC(),
				}, nil
			case StatusRejected, StatusCancelled:
				return Fill{}, fmt.Errorf("%w: %s %s (%s)", ErrRejected, order.Side, order.Symbol, state.Reason)
			}
			g.log.Debug().Str("order", id).Float64("filled", state.FilledQty).Msg("waiting on order fill")
		}

		if attempt == g.backoff.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			g.cancelQuietly(id)
			return Fill{}, fmt.Errorf("%w: %s after %d polls: %v", ErrFillTimeout, id, attempt, ctx.Err())
		case <-time.After(delay):
		}
		delay = time.Duration(math.Min(float64(g.backoff.Max), float64(delay)*g.backoff.Multiplier))
	}

	g.cancelQuietly(id)
	return Fill{}, fmt.Errorf("%w: %s after %d polls", ErrFillTimeout, id, g.backoff.MaxAttempts)
}

func (g *PollingGateway) cancelQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.venue.Cancel(ctx, id); err != nil {
		g.log.Warn().Err(err).Str("order", id).Msg("cancel after fill timeout failed")
	}
}
