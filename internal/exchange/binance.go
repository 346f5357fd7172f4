package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradebot-go/internal/market"
)

const klinePageLimit = 1000

var binanceIntervals = map[time.Duration]string{
	time.Minute:      "1m",
	3 * time.Minute:  "3m",
	5 * time.Minute:  "5m",
	15 * time.Minute: "15m",
	30 * time.Minute: "30m",
	time.Hour:        "1h",
	2 * time.Hour:    "2h",
	4 * time.Hour:    "4h",
	6 * time.Hour:    "6h",
	8 * time.Hour:    "8h",
	12 * time.Hour:   "12h",
	24 * time.Hour:   "1d",
}

// BinanceInterval maps a bar size onto a Binance kline interval.
func BinanceInterval(size time.Duration) (string, error) {
	iv, ok := binanceIntervals[size]
	if !ok {
		return "", fmt.Errorf("unsupported binance bar size %s", size)
	}
	return iv, nil
}

// Binance fetches klines over REST and streams best bid/ask over the public websocket.
type Binance struct {
	symbols []string
	cfg     settings
	book    *quoteBook
	stream  streamer
}

// NewBinance builds a Binance source for contracts. Symbols use the exchange form (BTCUSDT).
func NewBinance(contracts []market.Contract, opts ...Option) *Binance {
	return &Binance{symbols: symbolsOf(contracts), cfg: apply(opts), book: newQuoteBook()}
}

// HistoricalBars pages through klines for each contract. A symbol that fails is logged and left
// out; the call fails only when nothing could be fetched.
func (b *Binance) HistoricalBars(ctx context.Context, req HistoryRequest) (map[string]market.Series, error) {
	interval, err := BinanceInterval(req.BarSize)
	if err != nil {
		return nil, err
	}
	if req.End.IsZero() {
		req.End = time.Now().UTC()
	}
	out := make(map[string]market.Series, len(req.Contracts))
	var lastErr error
	for _, sym := range symbolsOf(req.Contracts) {
		bars, err := b.klines(ctx, sym, interval, req.Start(), req.End)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			b.cfg.log.Warn().Err(err).Str("symbol", sym).Msg("binance klines fetch failed")
			continue
		}
		out[sym] = bars
	}
	if len(out) == 0 && lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoData, lastErr)
	}
	return out, nil
}

func (b *Binance) klines(ctx context.Context, symbol, interval string, start, end time.Time) (market.Series, error) {
	var out market.Series
	from := start.UnixMilli()
	for from <= end.UnixMilli() {
		page, err := b.klinePage(ctx, symbol, interval, from, end.UnixMilli())
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		last, _ := page.Last()
		from = last.Time.UnixMilli() + 1
		if len(page) < klinePageLimit {
			break
		}
	}
	return out, nil
}

func (b *Binance) klinePage(ctx context.Context, symbol, interval string, from, to int64) (market.Series, error) {
	q := url.Values{}
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", interval)
	q.Set("startTime", strconv.FormatInt(from, 10))
	q.Set("endTime", strconv.FormatInt(to, 10))
	q.Set("limit", strconv.Itoa(klinePageLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.restURL+"/api/v3/klines?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "tradebot-go/1.0")
	resp, err := b.cfg.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var rows [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := make(market.Series, 0, len(rows))
	for _, row := range rows {
		bar, err := parseKline(row)
		if err != nil {
			return nil, err
		}
		out = append(out, bar)
	}
	return out, nil
}

// parseKline decodes [openTime, "open", "high", "low", "close", "volume", ...].
func parseKline(row []json.RawMessage) (market.Bar, error) {
	if len(row) < 6 {
		return market.Bar{}, fmt.Errorf("kline has %d fields", len(row))
	}
	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return market.Bar{}, fmt.Errorf("kline open time: %w", err)
	}
	vals := make([]float64, 5)
	for i := range vals {
		var s string
		if err := json.Unmarshal(row[i+1], &s); err != nil {
			return market.Bar{}, fmt.Errorf("kline field %d: %w", i+1, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return market.Bar{}, fmt.Errorf("kline field %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return market.Bar{
		Time:   time.UnixMilli(openTime).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

// LatestQuote returns the newest streamed book ticker for symbol.
func (b *Binance) LatestQuote(symbol string) (market.Quote, bool) { return b.book.get(symbol) }

// LatestQuotes returns a copy of every streamed quote.
func (b *Binance) LatestQuotes() map[string]market.Quote { return b.book.all() }

// ToggleStreaming connects or disconnects the book ticker stream.
func (b *Binance) ToggleStreaming(ctx context.Context) bool {
	return b.stream.toggle(ctx, func(ctx context.Context) {
		if err := b.runBookTicker(ctx); err != nil && ctx.Err() == nil {
			b.cfg.log.Error().Err(err).Msg("binance quote stream ended")
		}
	})
}

// Streaming reports whether the book ticker stream is running.
func (b *Binance) Streaming() bool { return b.stream.active() }

type binanceEnvelope struct {
	Stream string            `json:"stream"`
	Data   binanceBookTicker `json:"data"`
}

// Quantity keys are declared so "B" and "A" do not fold onto the price fields.
type binanceBookTicker struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	BidQty string `json:"B"`
	Ask    string `json:"a"`
	AskQty string `json:"A"`
}

func (b *Binance) runBookTicker(ctx context.Context) error {
	if len(b.symbols) == 0 {
		return fmt.Errorf("binance stream requires at least one symbol")
	}
	streams := make([]string, len(b.symbols))
	for i, sym := range b.symbols {
		streams[i] = strings.ToLower(sym) + "@bookTicker"
	}
	endpoint := fmt.Sprintf("%s/stream?streams=%s", b.cfg.wsURL, strings.Join(streams, "/"))

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := b.consume(ctx, endpoint); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.cfg.log.Warn().Err(err).Msg("binance stream disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

func (b *Binance) consume(ctx context.Context, endpoint string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	b.cfg.log.Info().Str("provider", ProviderBinance).Strs("symbols", b.symbols).Msg("connected quote stream")

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	// Closing the connection on cancel unblocks ReadMessage.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					b.cfg.log.Warn().Err(err).Msg("binance ping failed")
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		quote, err := parseBookTicker(message)
		if err != nil {
			b.cfg.log.Warn().Err(err).Msg("invalid binance book ticker")
			continue
		}
		b.book.put(quote)
	}
}

func parseBookTicker(message []byte) (market.Quote, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		return market.Quote{}, err
	}
	symbol := env.Data.Symbol
	if symbol == "" {
		symbol = parseBinanceSymbol(env.Stream)
	}
	bid, err := strconv.ParseFloat(env.Data.Bid, 64)
	if err != nil {
		return market.Quote{}, fmt.Errorf("bid: %w", err)
	}
	ask, err := strconv.ParseFloat(env.Data.Ask, 64)
	if err != nil {
		return market.Quote{}, fmt.Errorf("ask: %w", err)
	}
	return market.Quote{
		Symbol: strings.ToUpper(symbol),
		Bid:    bid,
		Ask:    ask,
		Last:   (bid + ask) / 2,
		Time:   time.Now().UTC(),
	}, nil
}

func parseBinanceSymbol(stream string) string {
	parts := strings.Split(stream, "@")
	if len(parts) == 0 || parts[0] == "" {
		return strings.ToUpper(stream)
	}
	return strings.ToUpper(parts[0])
}
