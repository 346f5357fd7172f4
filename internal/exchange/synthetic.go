package exchange

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"tradebot-go/internal/market"
)

// Synthetic produces deterministic bars: the bar for a given timestamp is always the same, so
// repeated live fetches merge idempotently and backtests are reproducible.
type Synthetic struct {
	symbols []string
	cfg     settings
	book    *quoteBook
	stream  streamer
}

// NewSynthetic builds a synthetic source for contracts.
func NewSynthetic(contracts []market.Contract, opts ...Option) *Synthetic {
	return &Synthetic{symbols: symbolsOf(contracts), cfg: apply(opts), book: newQuoteBook()}
}

// HistoricalBars returns bars in [End-Duration, End] for every requested contract.
func (s *Synthetic) HistoricalBars(ctx context.Context, req HistoryRequest) (map[string]market.Series, error) {
	if req.BarSize <= 0 {
		return nil, fmt.Errorf("bar size must be positive, got %s", req.BarSize)
	}
	if req.End.IsZero() {
		req.End = time.Now().UTC()
	}
	out := make(map[string]market.Series, len(req.Contracts))
	for _, sym := range symbolsOf(req.Contracts) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var bars market.Series
		if fixed, ok := s.cfg.fixed[sym]; ok {
			bars = window(fixed, req.Start(), req.End)
		} else {
			bars = generate(sym, req.Start(), req.End, req.BarSize)
		}
		if last, ok := bars.Last(); ok {
			s.book.put(s.quoteFrom(sym, last))
		}
		out[sym] = bars
	}
	return out, nil
}

// LatestQuote returns the newest quote seen for symbol.
func (s *Synthetic) LatestQuote(symbol string) (market.Quote, bool) { return s.book.get(symbol) }

// LatestQuotes returns a copy of every known quote.
func (s *Synthetic) LatestQuotes() map[string]market.Quote { return s.book.all() }

// ToggleStreaming starts or stops the synthetic quote ticker.
func (s *Synthetic) ToggleStreaming(ctx context.Context) bool {
	return s.stream.toggle(ctx, s.runQuotes)
}

// Streaming reports whether the quote ticker is running.
func (s *Synthetic) Streaming() bool { return s.stream.active() }

func (s *Synthetic) runQuotes(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.quoteInterval)
	defer ticker.Stop()
	s.cfg.log.Info().Str("provider", ProviderSynthetic).Strs("symbols", s.symbols).Msg("quote stream started")
	for {
		select {
		case <-ctx.Done():
			s.cfg.log.Info().Str("provider", ProviderSynthetic).Msg("quote stream stopped")
			return
		case ts := <-ticker.C:
			for _, sym := range s.symbols {
				s.book.put(s.quoteFrom(sym, barAt(sym, ts.UTC(), time.Minute)))
			}
		}
	}
}

func (s *Synthetic) quoteFrom(symbol string, bar market.Bar) market.Quote {
	return market.Quote{
		Symbol: symbol,
		Bid:    bar.Close - s.cfg.halfSpread,
		Ask:    bar.Close + s.cfg.halfSpread,
		Last:   bar.Close,
		Time:   bar.Time,
	}
}

func window(bars market.Series, start, end time.Time) market.Series {
	var out market.Series
	for _, b := range bars {
		if b.Time.Before(start) || b.Time.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func generate(symbol string, start, end time.Time, size time.Duration) market.Series {
	first := start.Truncate(size)
	if first.Before(start) {
		first = first.Add(size)
	}
	var out market.Series
	for t := first; !t.After(end); t = t.Add(size) {
		out = append(out, barAt(symbol, t, size))
	}
	return out
}

// barAt derives a bar from the symbol and the bar's ordinal since the epoch.
func barAt(symbol string, t time.Time, size time.Duration) market.Bar {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	seed := h.Sum32()
	base := 20 + float64(seed%180)
	phase := float64(seed%628) / 100

	i := float64(t.UnixNano() / int64(size))
	price := func(x float64) float64 {
		return base * (1 + 0.03*math.Sin(x/9+phase) + 0.01*math.Sin(x/31))
	}
	o, c := price(i-1), price(i)
	return market.Bar{
		Time:   t,
		Open:   o,
		High:   math.Max(o, c) * 1.001,
		Low:    math.Min(o, c) * 0.999,
		Close:  c,
		Volume: 1000 + 500*math.Abs(math.Sin(i/5)),
	}
}
