package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tradebot-go/internal/market"
)

var btc = market.Contract{Symbol: "BTCUSDT", Kind: market.Crypto}

func TestSyntheticBarsAreDeterministic(t *testing.T) {
	src := NewSynthetic([]market.Contract{btc})
	end := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	req := HistoryRequest{Contracts: []market.Contract{btc}, BarSize: time.Minute, Duration: time.Hour, End: end}

	first, err := src.HistoricalBars(context.Background(), req)
	if err != nil {
		t.Fatalf("HistoricalBars returned error: %v", err)
	}
	second, _ := src.HistoricalBars(context.Background(), req)
	if len(first["BTCUSDT"]) != 61 {
		t.Fatalf("expected 61 bars, got %d", len(first["BTCUSDT"]))
	}
	for i, b := range first["BTCUSDT"] {
		if b != second["BTCUSDT"][i] {
			t.Fatalf("bar %d differs between fetches", i)
		}
		if b.Close <= 0 || b.High < b.Low {
			t.Fatalf("malformed bar %+v", b)
		}
	}
	q, ok := src.LatestQuote("BTCUSDT")
	if !ok || q.Ask <= q.Bid {
		t.Fatalf("expected quote seeded from last bar, got %+v %v", q, ok)
	}
}

func TestSyntheticServesFixedBars(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := market.Series{
		{Time: start, Close: 1},
		{Time: start.Add(time.Hour), Close: 2},
		{Time: start.Add(2 * time.Hour), Close: 3},
	}
	src := NewSynthetic([]market.Contract{btc}, WithBars("BTCUSDT", bars))
	got, err := src.HistoricalBars(context.Background(), HistoryRequest{
		Contracts: []market.Contract{btc}, BarSize: time.Hour, Duration: time.Hour, End: start.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("HistoricalBars returned error: %v", err)
	}
	if len(got["BTCUSDT"]) != 2 || got["BTCUSDT"][0].Close != 2 {
		t.Fatalf("unexpected window %+v", got["BTCUSDT"])
	}
}

func TestSyntheticToggleStreaming(t *testing.T) {
	src := NewSynthetic([]market.Contract{btc}, WithQuoteInterval(10*time.Millisecond))
	if !src.ToggleStreaming(context.Background()) {
		t.Fatal("expected streaming on")
	}
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := src.LatestQuote("BTCUSDT"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for quote")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if src.ToggleStreaming(context.Background()) || src.Streaming() {
		t.Fatal("expected streaming off")
	}
}

func TestBinanceKlines(t *testing.T) {
	const body = `[[1709294400000,"100.0","101.5","99.5","101.0","12.5",1709294459999,"0",1,"0","0","0"],` +
		`[1709294460000,"101.0","102.0","100.5","101.8","8.0",1709294519999,"0",1,"0","0","0"]]`
	var gotInterval string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		gotInterval = r.URL.Query().Get("interval")
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	src := NewBinance([]market.Contract{btc}, WithBinanceURLs(server.URL, ""))
	got, err := src.HistoricalBars(context.Background(), HistoryRequest{
		Contracts: []market.Contract{btc},
		BarSize:   time.Minute,
		Duration:  time.Hour,
		End:       time.UnixMilli(1709294520000),
	})
	if err != nil {
		t.Fatalf("HistoricalBars returned error: %v", err)
	}
	bars := got["BTCUSDT"]
	if len(bars) != 2 || bars[1].Close != 101.8 || bars[0].Volume != 12.5 {
		t.Fatalf("unexpected bars %+v", bars)
	}
	if gotInterval != "1m" {
		t.Fatalf("expected 1m interval, got %q", gotInterval)
	}
}

func TestBinanceUnsupportedBarSize(t *testing.T) {
	src := NewBinance([]market.Contract{btc})
	if _, err := src.HistoricalBars(context.Background(), HistoryRequest{BarSize: 7 * time.Minute}); err == nil {
		t.Fatal("expected unsupported bar size error")
	}
}

func TestBinanceBookTickerStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "btcusdt@bookTicker") {
			http.Error(w, "bad streams", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := `{"stream":"btcusdt@bookTicker","data":{"s":"BTCUSDT","b":"64000.10","B":"1","a":"64000.50","A":"2"}}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	src := NewBinance([]market.Contract{btc}, WithBinanceURLs("", wsURL), WithLogger(zerolog.Nop()))
	src.ToggleStreaming(context.Background())
	defer src.ToggleStreaming(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		if q, ok := src.LatestQuote("BTCUSDT"); ok {
			if q.Bid != 64000.10 || q.Ask != 64000.50 {
				t.Fatalf("unexpected quote %+v", q)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for book ticker")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestParseBookTickerKeepsPricesOverQuantities(t *testing.T) {
	msg := `{"stream":"ethusdt@bookTicker","data":{"u":400900217,"s":"ETHUSDT","b":"3100.25","B":"31.21","a":"3100.75","A":"40.66"}}`
	q, err := parseBookTicker([]byte(msg))
	if err != nil {
		t.Fatalf("parseBookTicker returned error: %v", err)
	}
	if q.Symbol != "ETHUSDT" || q.Bid != 3100.25 || q.Ask != 3100.75 {
		t.Fatalf("quantities leaked into prices: %+v", q)
	}
	if q.Last != 3100.5 {
		t.Fatalf("expected mid 3100.5, got %v", q.Last)
	}
}

func TestParseBinanceSymbol(t *testing.T) {
	cases := map[string]string{
		"btcusdt@bookTicker": "BTCUSDT",
		"ethusdt@aggTrade":   "ETHUSDT",
		"dogeusdt":           "DOGEUSDT",
		"":                   "",
	}
	for stream, expected := range cases {
		if got := parseBinanceSymbol(stream); got != expected {
			t.Fatalf("expected %s got %s", expected, got)
		}
	}
}

type countingSource struct {
	*Synthetic
	calls atomic.Int32
}

func (c *countingSource) HistoricalBars(ctx context.Context, req HistoryRequest) (map[string]market.Series, error) {
	c.calls.Add(1)
	return c.Synthetic.HistoricalBars(ctx, req)
}

func TestCachedServesRepeatFetchFromDisk(t *testing.T) {
	inner := &countingSource{Synthetic: NewSynthetic([]market.Contract{btc})}
	cached := NewCached(inner, t.TempDir(), zerolog.Nop())
	req := HistoryRequest{
		Contracts: []market.Contract{btc},
		BarSize:   time.Minute,
		Duration:  30 * time.Minute,
		End:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		UseCache:  true,
	}

	first, err := cached.HistoricalBars(context.Background(), req)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := cached.HistoricalBars(context.Background(), req)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("expected one upstream fetch, got %d", inner.calls.Load())
	}
	if len(first["BTCUSDT"]) != len(second["BTCUSDT"]) {
		t.Fatalf("cache returned %d bars, upstream %d", len(second["BTCUSDT"]), len(first["BTCUSDT"]))
	}

	req.UseCache = false
	if _, err := cached.HistoricalBars(context.Background(), req); err != nil {
		t.Fatalf("uncached fetch: %v", err)
	}
	if inner.calls.Load() != 2 {
		t.Fatalf("expected cache bypass, got %d upstream calls", inner.calls.Load())
	}
}
