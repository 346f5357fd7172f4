package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradebot-go/internal/config"
	"tradebot-go/internal/controller"
	"tradebot-go/internal/exchange"
	"tradebot-go/internal/httpapi"
	"tradebot-go/internal/market"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func call(t *testing.T, client *http.Client, method, url string) envelope {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	if resp.StatusCode >= 300 {
		t.Fatalf("%s %s returned %d: %s", method, url, resp.StatusCode, env.Message)
	}
	return env
}

func TestBacktestOverHTTP(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Fees.Crypto = config.FeeChoice{Preset: "binance"}
	cfg.Storage = config.Storage{
		StatePath:   filepath.Join(dir, "state.json"),
		LedgerDir:   filepath.Join(dir, "transactions"),
		BarsDir:     filepath.Join(dir, "bars"),
		AnalysesDir: filepath.Join(dir, "analyses"),
	}

	btc := market.Contract{Symbol: "BTCUSDT", Kind: market.Crypto, Fractional: true}
	st := config.State{Strategies: map[string]config.StrategyInfo{
		"trend": {
			Name:           "trend",
			Kind:           "static",
			InitialCapital: 5000,
			Contracts:      []market.Contract{btc},
			Trade: config.TradeConfig{
				Frequency:     config.Duration(time.Hour),
				StopLossPct:   0.5,
				TrainDuration: config.Duration(4 * time.Hour),
				TestDuration:  config.Duration(12 * time.Hour),
			},
		},
	}}
	if err := config.SaveState(cfg.Storage.StatePath, st); err != nil {
		t.Fatalf("SaveState returned error: %v", err)
	}

	ctrl, err := controller.New(context.Background(), controller.Options{
		Config: &cfg,
		Source: exchange.NewSynthetic([]market.Contract{btc}),
		Clock:  func() time.Time { return time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC) },
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("controller.New returned error: %v", err)
	}
	defer ctrl.Close()

	srv := httptest.NewServer(httpapi.NewEngine(ctrl, "test", zerolog.Nop()))
	defer srv.Close()
	client := srv.Client()

	call(t, client, http.MethodPost, srv.URL+"/api/v1/strategies/trend/backtest")

	deadline := time.Now().Add(5 * time.Second)
	var perf map[string]controller.Performance
	for {
		env := call(t, client, http.MethodGet, srv.URL+"/api/v1/performance")
		if err := json.Unmarshal(env.Data, &perf); err != nil {
			t.Fatalf("decode performance: %v", err)
		}
		if bt := perf["trend"].Backtest; bt != nil && bt.Stage == "complete" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backtest did not complete: %+v", perf["trend"].Backtest)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sum := perf["trend"].Backtest
	if len(sum.Trades) < 2 {
		t.Fatalf("expected an entry and a final liquidation, got %d trades", len(sum.Trades))
	}
	var fees float64
	for _, tr := range sum.Trades {
		fees += tr.Fee
	}
	if fees <= 0 {
		t.Fatalf("expected binance fees charged on backtest trades")
	}

	env := call(t, client, http.MethodGet, srv.URL+"/api/v1/strategies/trend/backtest/bars?size=5")
	var bars map[string][]market.Row
	if err := json.Unmarshal(env.Data, &bars); err != nil {
		t.Fatalf("decode bars: %v", err)
	}
	if len(bars["BTCUSDT"]) != 5 {
		t.Fatalf("expected 5 tested bars, got %d", len(bars["BTCUSDT"]))
	}

	env = call(t, client, http.MethodGet, srv.URL+"/api/v1/strategies")
	var states map[string]controller.StrategyStatus
	if err := json.Unmarshal(env.Data, &states); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if got := states["trend"].Live.Capital.Available; got != 5000 {
		t.Fatalf("backtest must not change live capital, got %.2f", got)
	}
}
