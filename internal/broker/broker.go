package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradebot-go/internal/execution"
	"tradebot-go/internal/market"
	"tradebot-go/internal/risk"
	"tradebot-go/internal/strategy"
)

var (
	// ErrDataUnavailable means no reference quote or bar existed for the symbol.
	ErrDataUnavailable = errors.New("market data unavailable")
	// ErrOrderRejected means the live gateway did not fill the order.
	ErrOrderRejected = errors.New("order rejected")
	// ErrInsufficientCapital means the resolved quantity was not positive.
	ErrInsufficientCapital = errors.New("insufficient capital")
)

// BudgetFraction is the share of available capital a single buy may spend.
const BudgetFraction = 0.9

// TxType is the market side of a Transaction.
type TxType string

const (
	MarketBuy  TxType = "Buy"
	MarketSell TxType = "Sell"
)

// Transaction is the immutable result of one buy or sell attempt.
type Transaction struct {
	Succeeded  bool      `json:"succeeded"`
	Type       TxType    `json:"type"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Symbol     string    `json:"symbol"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	Time       time.Time `json:"time"`
	Fee        float64   `json:"fee"`
}

// Notional is price times quantity.
func (t Transaction) Notional() float64 { return t.Price * t.Quantity }

func failed(typ TxType, d strategy.Decision, at time.Time) Transaction {
	return Transaction{Type: typ, Symbol: d.Symbol(), Confidence: d.Confidence, Reason: d.Reason, Time: at}
}

// QuoteSource supplies the latest best bid/ask for live reference prices.
type QuoteSource interface {
	LatestQuote(symbol string) (market.Quote, bool)
}

// Volumes are the cumulative counters that drive fee tier selection.
type Volumes struct {
	Notional float64 `json:"notional"`
	Shares   float64 `json:"shares"`
	Fees     float64 `json:"fees"`
}

// Broker resolves prices and quantities and executes attempts. One Broker belongs to one strategy.
type Broker struct {
	schedules map[market.Kind]FeeSchedule
	gateway   execution.Gateway
	quotes    QuoteSource
	limits    risk.Limits
	log       zerolog.Logger

	mu      sync.Mutex
	volumes Volumes
}

// Option configures a Broker.
type Option func(*Broker)

// WithSchedule overrides the fee schedule for one instrument kind.
func WithSchedule(kind market.Kind, s FeeSchedule) Option {
	return func(b *Broker) { b.schedules[kind] = s }
}

// WithGateway sets the live order gateway.
func WithGateway(g execution.Gateway) Option {
	return func(b *Broker) { b.gateway = g }
}

// WithQuotes sets the live quote source.
func WithQuotes(q QuoteSource) Option {
	return func(b *Broker) { b.quotes = q }
}

// WithLimits applies a per-trade notional cap.
func WithLimits(l risk.Limits) Option {
	return func(b *Broker) { b.limits = l }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Broker) { b.log = log }
}

// New builds a broker using the default schedules unless overridden.
func New(opts ...Option) *Broker {
	b := &Broker{schedules: DefaultSchedules(), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Schedule returns the fee schedule used for kind.
func (b *Broker) Schedule(kind market.Kind) FeeSchedule {
	return b.schedules[kind]
}

// Volumes returns a copy of the cumulative counters.
func (b *Broker) Volumes() Volumes {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.volumes
}

func (b *Broker) accumulate(notional, shares, fee float64) {
	b.mu.Lock()
	b.volumes.Notional += notional
	b.volumes.Shares += shares
	b.volumes.Fees += fee
	b.mu.Unlock()
}

// ReferencePrice is the bar close for simulated fills, otherwise the ask for buys and the bid for sells.
func (b *Broker) ReferencePrice(symbol string, side execution.Side, bar market.Bar, simulated bool) (float64, error) {
	if simulated {
		if bar.Close <= 0 {
			return 0, fmt.Errorf("%w: no close for %s", ErrDataUnavailable, symbol)
		}
		return bar.Close, nil
	}
	if b.quotes == nil {
		return 0, fmt.Errorf("%w: no quote source for %s", ErrDataUnavailable, symbol)
	}
	q, ok := b.quotes.LatestQuote(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: no quote for %s", ErrDataUnavailable, symbol)
	}
	px := q.Ask
	if side == execution.Sell {
		px = q.Bid
	}
	if px <= 0 {
		return 0, fmt.Errorf("%w: empty %s side for %s", ErrDataUnavailable, side, symbol)
	}
	return px, nil
}

// AttemptBuy sizes and executes a buy. A failed Transaction is always returned alongside a non-nil error.
func (b *Broker) AttemptBuy(ctx context.Context, d strategy.Decision, capital float64, bar market.Bar, simulated bool) (Transaction, error) {
	price, err := b.ReferencePrice(d.Symbol(), execution.Buy, bar, simulated)
	if err != nil {
		return failed(MarketBuy, d, bar.Time), err
	}

	schedule := b.schedules[d.Contract.Kind]
	counters := b.Volumes()
	budget := b.limits.Cap(capital * BudgetFraction)
	if d.Quantity.Symbolic() {
		budget /= d.Quantity.Divisor()
	}
	qty := b.affordable(schedule, counters, price, budget, d.Contract.AllowsFraction(), simulated)
	if !d.Quantity.Symbolic() && d.Quantity.Units < qty {
		qty = roundQty(d.Quantity.Units, d.Contract.AllowsFraction())
	}
	if qty <= 0 {
		b.log.Debug().Str("sym", d.Symbol()).Float64("capital", capital).Float64("px", price).Msg("buy skipped, quantity resolved to zero")
		return failed(MarketBuy, d, bar.Time), fmt.Errorf("%w: %s at %.4f with %.2f", ErrInsufficientCapital, d.Symbol(), price, capital)
	}

	if simulated {
		charge := schedule.Charge(execution.Buy, counters.Notional, counters.Shares, price, qty)
		fill := price + charge.PerUnit()
		fee := charge.Fee(qty)
		b.accumulate(fill*qty, qty, fee)
		b.log.Debug().Str("sym", d.Symbol()).Float64("ref", price).Float64("fill", fill).Float64("qty", qty).Float64("fee", fee).Msg("simulated buy")
		return Transaction{Succeeded: true, Type: MarketBuy, Price: fill, Quantity: qty, Symbol: d.Symbol(), Confidence: d.Confidence, Reason: d.Reason, Time: bar.Time, Fee: fee}, nil
	}
	return b.live(ctx, MarketBuy, execution.Buy, d, price, qty, bar.Time)
}

// AttemptSell closes the requested quantity in full; partial sells are not modelled.
func (b *Broker) AttemptSell(ctx context.Context, d strategy.Decision, bar market.Bar, simulated bool) (Transaction, error) {
	qty := d.Quantity.Units
	if qty <= 0 {
		return failed(MarketSell, d, bar.Time), fmt.Errorf("%w: nothing to sell for %s", ErrInsufficientCapital, d.Symbol())
	}
	price, err := b.ReferencePrice(d.Symbol(), execution.Sell, bar, simulated)
	if err != nil {
		return failed(MarketSell, d, bar.Time), err
	}

	if simulated {
		counters := b.Volumes()
		charge := b.schedules[d.Contract.Kind].Charge(execution.Sell, counters.Notional, counters.Shares, price, qty)
		fill := math.Max(0, price-charge.PerUnit())
		fee := charge.Fee(qty)
		b.accumulate(fill*qty, qty, fee)
		b.log.Debug().Str("sym", d.Symbol()).Float64("ref", price).Float64("fill", fill).Float64("qty", qty).Float64("fee", fee).Msg("simulated sell")
		return Transaction{Succeeded: true, Type: MarketSell, Price: fill, Quantity: qty, Symbol: d.Symbol(), Confidence: d.Confidence, Reason: d.Reason, Time: bar.Time, Fee: fee}, nil
	}
	return b.live(ctx, MarketSell, execution.Sell, d, price, qty, bar.Time)
}

func (b *Broker) live(ctx context.Context, typ TxType, side execution.Side, d strategy.Decision, price, qty float64, at time.Time) (Transaction, error) {
	if b.gateway == nil {
		return failed(typ, d, at), fmt.Errorf("%w: no gateway configured", ErrOrderRejected)
	}
	b.log.Info().Str("sym", d.Symbol()).Str("side", string(side)).Float64("px", price).Float64("qty", qty).Msg("placing live order")
	fill, err := b.gateway.PlaceAndAwaitFill(ctx, execution.Order{
		Symbol:     d.Symbol(),
		Kind:       d.Contract.Kind,
		Side:       side,
		Qty:        qty,
		LimitPrice: price,
	})
	if err != nil {
		return failed(typ, d, at), fmt.Errorf("%w: %w", ErrOrderRejected, err)
	}
	b.accumulate(fill.Price*fill.Qty, fill.Qty, fill.Fee)
	return Transaction{Succeeded: true, Type: typ, Price: fill.Price, Quantity: fill.Qty, Symbol: d.Symbol(), Confidence: d.Confidence, Reason: d.Reason, Time: at, Fee: fill.Fee}, nil
}

// affordable finds the largest quantity whose cost, fees included for simulated fills, fits budget.
// Total cost is non-decreasing in quantity so bisection converges on the bound.
func (b *Broker) affordable(s FeeSchedule, v Volumes, price, budget float64, fractional, withFees bool) float64 {
	if price <= 0 || budget <= 0 {
		return 0
	}
	upper := budget / price
	if !withFees {
		return roundQty(upper, fractional)
	}
	cost := func(q float64) float64 {
		if q <= 0 {
			return 0
		}
		return q * (price + s.Charge(execution.Buy, v.Notional, v.Shares, price, q).PerUnit())
	}
	if cost(upper) <= budget {
		return roundQty(upper, fractional)
	}
	lo, hi := 0.0, upper
	for i := 0; i < 64; i++ {
		mid := (lo + hi) / 2
		if cost(mid) <= budget {
			lo = mid
		} else {
			hi = mid
		}
	}
	q := roundQty(lo, fractional)
	for q > 0 && cost(q) > budget {
		if fractional {
			q = math.Floor(q*0.999999*1e8) / 1e8
		} else {
			q--
		}
	}
	return q
}

func roundQty(q float64, fractional bool) float64 {
	if q <= 0 {
		return 0
	}
	if fractional {
		return math.Floor(q*1e8) / 1e8
	}
	return math.Floor(q)
}
