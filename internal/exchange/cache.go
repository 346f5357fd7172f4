package exchange

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"tradebot-go/internal/market"
)

// Cached serves historical bars from CSV files under dir when a request sets UseCache and the
// file covers the requested range. Misses are fetched from the wrapped source and written back.
type Cached struct {
	Source
	dir string
	log zerolog.Logger
}

// NewCached wraps src with a disk cache rooted at dir.
func NewCached(src Source, dir string, log zerolog.Logger) *Cached {
	return &Cached{Source: src, dir: dir, log: log}
}

// CachePath returns the cache file for a symbol and bar size.
func (c *Cached) CachePath(symbol string, req HistoryRequest) string {
	name := strings.NewReplacer("/", "_", ":", "_").Replace(symbol)
	return filepath.Join(c.dir, fmt.Sprintf("%s_%s.csv", name, req.BarSize))
}

// HistoricalBars answers from the cache where possible.
func (c *Cached) HistoricalBars(ctx context.Context, req HistoryRequest) (map[string]market.Series, error) {
	if !req.UseCache {
		out, err := c.Source.HistoricalBars(ctx, req)
		if err == nil {
			c.store(req, out)
		}
		return out, err
	}

	out := make(map[string]market.Series, len(req.Contracts))
	var missing []market.Contract
	for _, contract := range req.Contracts {
		frame, err := market.LoadCSV(c.CachePath(contract.Symbol, req), contract.Symbol)
		if err != nil {
			if !market.IsNotExist(err) {
				c.log.Warn().Err(err).Str("symbol", contract.Symbol).Msg("unreadable bar cache, refetching")
			}
			missing = append(missing, contract)
			continue
		}
		bars := window(frame.Bars, req.Start(), req.End)
		if !covers(bars, req) {
			missing = append(missing, contract)
			continue
		}
		out[contract.Symbol] = bars
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetchReq := req
	fetchReq.Contracts = missing
	fetched, err := c.Source.HistoricalBars(ctx, fetchReq)
	if err != nil {
		if len(out) > 0 {
			c.log.Warn().Err(err).Int("missing", len(missing)).Msg("partial cache hit, fetch failed")
			return out, nil
		}
		return nil, err
	}
	c.store(req, fetched)
	for sym, bars := range fetched {
		out[sym] = bars
	}
	return out, nil
}

func (c *Cached) store(req HistoryRequest, bars map[string]market.Series) {
	for sym, series := range bars {
		if len(series) == 0 {
			continue
		}
		if err := market.SaveCSV(c.CachePath(sym, req), market.NewFrame(sym, series)); err != nil {
			c.log.Warn().Err(err).Str("symbol", sym).Msg("bar cache write failed")
		}
	}
}

// covers reports whether bars reach within one bar of both ends of the request.
func covers(bars market.Series, req HistoryRequest) bool {
	if len(bars) == 0 {
		return false
	}
	first, last := bars[0], bars[len(bars)-1]
	return !first.Time.After(req.Start().Add(req.BarSize)) && !last.Time.Before(req.End.Add(-req.BarSize))
}
