package broker

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradebot-go/internal/execution"
	"tradebot-go/internal/market"
	"tradebot-go/internal/strategy"
)

var (
	stock  = market.Contract{Symbol: "AAPL", Kind: market.Stock}
	crypto = market.Contract{Symbol: "BTC-USD", Kind: market.Crypto}
)

func bar(close float64) market.Bar {
	return market.Bar{Time: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), Open: close, High: close, Low: close, Close: close}
}

func buy(c market.Contract, q strategy.Quantity) strategy.Decision {
	return strategy.Decision{Move: strategy.Buy, Contract: c, Quantity: q, Confidence: 0.8}
}

func TestSimulatedBuyFitsBudget(t *testing.T) {
	for _, c := range []market.Contract{stock, crypto} {
		for _, capital := range []float64{25, 100, 1234.56, 10_000, 250_000} {
			for _, price := range []float64{0.75, 9.99, 100, 431.2} {
				b := New()
				tx, err := b.AttemptBuy(context.Background(), buy(c, strategy.Quantity{Sizing: strategy.Max}), capital, bar(price), true)
				if err != nil {
					if !errors.Is(err, ErrInsufficientCapital) {
						t.Fatalf("unexpected error: %v", err)
					}
					continue
				}
				if tx.Quantity < 0 {
					t.Fatalf("negative quantity %v", tx.Quantity)
				}
				if tx.Quantity*tx.Price > capital*BudgetFraction+1e-6 {
					t.Fatalf("%s capital=%v price=%v: spent %.6f over budget", c.Symbol, capital, price, tx.Quantity*tx.Price)
				}
			}
		}
	}
}

func TestSymbolicSizing(t *testing.T) {
	none, _ := Preset("none")
	b := New(WithSchedule(market.Crypto, none), WithSchedule(market.Stock, none))

	tx, err := b.AttemptBuy(context.Background(), buy(crypto, strategy.Quantity{Sizing: strategy.Half}), 1000, bar(10), true)
	if err != nil {
		t.Fatalf("AttemptBuy returned error: %v", err)
	}
	if math.Abs(tx.Quantity-45) > 1e-6 {
		t.Fatalf("expected half budget 45 units, got %v", tx.Quantity)
	}

	tx, err = b.AttemptBuy(context.Background(), buy(stock, strategy.Quantity{Sizing: strategy.Max}), 1000, bar(33), true)
	if err != nil {
		t.Fatalf("AttemptBuy returned error: %v", err)
	}
	if tx.Quantity != 27 {
		t.Fatalf("expected whole shares floored to 27, got %v", tx.Quantity)
	}

	tx, _ = b.AttemptBuy(context.Background(), buy(stock, strategy.Units(5)), 1000, bar(33), true)
	if tx.Quantity != 5 {
		t.Fatalf("expected requested 5 shares, got %v", tx.Quantity)
	}
	tx, _ = b.AttemptBuy(context.Background(), buy(stock, strategy.Units(500)), 1000, bar(33), true)
	if tx.Quantity != 27 {
		t.Fatalf("expected oversize request capped at 27, got %v", tx.Quantity)
	}
}

func TestInsufficientCapital(t *testing.T) {
	b := New()
	tx, err := b.AttemptBuy(context.Background(), buy(stock, strategy.Quantity{Sizing: strategy.Max}), 5, bar(100), true)
	if !errors.Is(err, ErrInsufficientCapital) {
		t.Fatalf("expected ErrInsufficientCapital, got %v", err)
	}
	if tx.Succeeded || tx.Price != 0 || tx.Quantity != 0 {
		t.Fatalf("expected zeroed failed transaction, got %+v", tx)
	}
	if v := b.Volumes(); v.Notional != 0 || v.Shares != 0 {
		t.Fatalf("failed attempt mutated volumes: %+v", v)
	}
}

func TestTierCrossingOnlyAffectsNextTrade(t *testing.T) {
	s := FeeSchedule{Name: "test", PerShare: []ShareTier{{0, .01}, {100, .001}}}
	b := New(WithSchedule(market.Stock, s))

	first, err := b.AttemptBuy(context.Background(), buy(stock, strategy.Units(150)), 1e6, bar(10), true)
	if err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if math.Abs(first.Fee-1.5) > 1e-9 {
		t.Fatalf("expected first fee 1.5, got %v", first.Fee)
	}
	recorded := first.Fee

	second, err := b.AttemptBuy(context.Background(), buy(stock, strategy.Units(150)), 1e6, bar(10), true)
	if err != nil {
		t.Fatalf("second buy: %v", err)
	}
	if math.Abs(second.Fee-0.15) > 1e-9 {
		t.Fatalf("expected second fee at lower tier 0.15, got %v", second.Fee)
	}
	if first.Fee != recorded {
		t.Fatalf("first trade fee changed retroactively")
	}
	if v := b.Volumes(); v.Shares != 300 || math.Abs(v.Fees-1.65) > 1e-9 {
		t.Fatalf("unexpected volumes %+v", v)
	}
}

func TestSimulatedSellSubtractsCosts(t *testing.T) {
	b := New()
	d := strategy.Decision{Move: strategy.Sell, Contract: stock, Quantity: strategy.Units(100)}
	tx, err := b.AttemptSell(context.Background(), d, bar(50), true)
	if err != nil {
		t.Fatalf("AttemptSell returned error: %v", err)
	}
	if tx.Price >= 50 {
		t.Fatalf("expected fill under close after fees, got %v", tx.Price)
	}
	if tx.Quantity != 100 {
		t.Fatalf("expected full quantity, got %v", tx.Quantity)
	}
}

type staticQuotes map[string]market.Quote

func (s staticQuotes) LatestQuote(symbol string) (market.Quote, bool) {
	q, ok := s[symbol]
	return q, ok
}

func TestLiveUsesAskAndBid(t *testing.T) {
	gw := execution.NewPollingGateway(execution.NewPaperVenue(zerolog.Nop()),
		execution.Backoff{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 5, Timeout: time.Second}, zerolog.Nop())
	quotes := staticQuotes{"AAPL": {Symbol: "AAPL", Bid: 99, Ask: 101}}
	b := New(WithGateway(gw), WithQuotes(quotes))

	tx, err := b.AttemptBuy(context.Background(), buy(stock, strategy.Units(2)), 10_000, bar(100), false)
	if err != nil {
		t.Fatalf("live buy: %v", err)
	}
	if tx.Price != 101 {
		t.Fatalf("expected fill at ask 101, got %v", tx.Price)
	}

	sell := strategy.Decision{Move: strategy.Sell, Contract: stock, Quantity: strategy.Units(2)}
	tx, err = b.AttemptSell(context.Background(), sell, bar(100), false)
	if err != nil {
		t.Fatalf("live sell: %v", err)
	}
	if tx.Price != 99 {
		t.Fatalf("expected fill at bid 99, got %v", tx.Price)
	}
}

func TestLiveMissingQuote(t *testing.T) {
	b := New(WithQuotes(staticQuotes{}))
	tx, err := b.AttemptBuy(context.Background(), buy(stock, strategy.Units(1)), 1000, bar(100), false)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}
	if tx.Succeeded {
		t.Fatalf("expected failed transaction")
	}
}

func TestLiveRejection(t *testing.T) {
	venue := execution.NewPaperVenue(zerolog.Nop(), execution.WithRejector(func(execution.Order) string { return "halted" }))
	gw := execution.NewPollingGateway(venue, execution.Backoff{Initial: time.Millisecond, MaxAttempts: 3, Timeout: time.Second}, zerolog.Nop())
	b := New(WithGateway(gw), WithQuotes(staticQuotes{"AAPL": {Bid: 99, Ask: 101}}))

	_, err := b.AttemptBuy(context.Background(), buy(stock, strategy.Units(1)), 1000, bar(100), false)
	if !errors.Is(err, ErrOrderRejected) || !errors.Is(err, execution.ErrRejected) {
		t.Fatalf("expected wrapped rejection, got %v", err)
	}
}
