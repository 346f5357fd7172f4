// Package exchange hosts market data sources: a deterministic synthetic source, Binance REST
// klines with websocket book-ticker quotes, and a CSV disk cache.
package exchange

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"tradebot-go/internal/market"
	"tradebot-go/internal/metrics"
)

const (
	// ProviderSynthetic generates deterministic bars and quotes (tests, offline work).
	ProviderSynthetic = "synthetic"
	// ProviderBinance pulls klines from the Binance REST API and streams book tickers.
	ProviderBinance = "binance"
)

// ErrNoData is returned when a source has no bars for any requested contract.
var ErrNoData = errors.New("no historical data")

// HistoryRequest describes a historical bar fetch ending at End and spanning Duration.
type HistoryRequest struct {
	Contracts []market.Contract
	BarSize   time.Duration
	Duration  time.Duration
	End       time.Time
	UseCache  bool
}

// Start returns the first instant covered by the request.
func (r HistoryRequest) Start() time.Time {
	return r.End.Add(-r.Duration)
}

// Source is the market data collaborator consumed by traders and backtests.
type Source interface {
	HistoricalBars(ctx context.Context, req HistoryRequest) (map[string]market.Series, error)
	LatestQuote(symbol string) (market.Quote, bool)
	LatestQuotes() map[string]market.Quote
	// ToggleStreaming flips live quote streaming and reports whether it is now on.
	ToggleStreaming(ctx context.Context) bool
	Streaming() bool
}

// quoteBook keeps the newest quote per symbol.
type quoteBook struct {
	mu     sync.RWMutex
	quotes map[string]market.Quote
}

func newQuoteBook() *quoteBook {
	return &quoteBook{quotes: make(map[string]market.Quote)}
}

func (b *quoteBook) put(q market.Quote) {
	b.mu.Lock()
	b.quotes[q.Symbol] = q
	b.mu.Unlock()
	metrics.QuotesTotal.WithLabelValues(q.Symbol).Inc()
}

func (b *quoteBook) get(symbol string) (market.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	return q, ok
}

func (b *quoteBook) all() map[string]market.Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]market.Quote, len(b.quotes))
	for sym, q := range b.quotes {
		out[sym] = q
	}
	return out
}

// streamer owns the cancel func of a background streaming goroutine.
type streamer struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// toggle starts run when idle or stops the running stream, returning the new state.
func (s *streamer) toggle(ctx context.Context, run func(context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel, s.done = nil, nil
		return false
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func() {
		defer close(done)
		run(streamCtx)
	}()
	return true
}

func (s *streamer) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// symbolsOf returns the deduplicated, sorted symbols of contracts.
func symbolsOf(contracts []market.Contract) []string {
	unique := make(map[string]struct{}, len(contracts))
	for _, c := range contracts {
		sym := strings.TrimSpace(c.Symbol)
		if sym == "" {
			continue
		}
		unique[sym] = struct{}{}
	}
	out := make([]string, 0, len(unique))
	for sym := range unique {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// New builds the source named by provider. Unknown providers fall back to synthetic.
func New(provider string, contracts []market.Contract, opts ...Option) Source {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderBinance:
		return NewBinance(contracts, opts...)
	default:
		return NewSynthetic(contracts, opts...)
	}
}
