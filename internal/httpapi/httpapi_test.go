package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradebot-go/internal/analysis"
	"tradebot-go/internal/controller"
	"tradebot-go/internal/market"
)

type fakeControl struct {
	started   []string
	capital   map[string]float64
	streaming bool
}

func (f *fakeControl) known(name string) error {
	if name != "alpha" {
		return fmt.Errorf("%w: %s", controller.ErrUnknownStrategy, name)
	}
	return nil
}

func (f *fakeControl) StartStrategy(name string) error {
	if err := f.known(name); err != nil {
		return err
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeControl) StopStrategy(name string) error { return f.known(name) }

func (f *fakeControl) RequestBacktest(name string) (string, error) {
	if err := f.known(name); err != nil {
		return "", err
	}
	return "run-1", nil
}

func (f *fakeControl) RequestAnalysis(name string) error { return f.known(name) }

func (f *fakeControl) SetCapital(name string, capital float64) error {
	if err := f.known(name); err != nil {
		return err
	}
	if capital <= 0 {
		return controller.ErrInvalidCapital
	}
	f.capital[name] = capital
	return nil
}

func (f *fakeControl) FetchState() map[string]controller.StrategyStatus {
	return map[string]controller.StrategyStatus{"alpha": {}}
}

func (f *fakeControl) FetchBars(name string, n int) (map[string][]market.Row, error) {
	if err := f.known(name); err != nil {
		return nil, err
	}
	rows := make([]market.Row, n)
	for i := range rows {
		rows[i].Close = float64(i)
	}
	return map[string][]market.Row{"ETHUSDT": rows}, nil
}

func (f *fakeControl) FetchBacktestBars(name string, n int) (map[string][]market.Row, error) {
	return f.FetchBars(name, n)
}

func (f *fakeControl) FetchPerformance() map[string]controller.Performance {
	return map[string]controller.Performance{"alpha": {}}
}

func (f *fakeControl) FetchAnalyses() map[string]analysis.Analysis {
	return map[string]analysis.Analysis{}
}

func (f *fakeControl) Heartbeat() controller.Heartbeat {
	return controller.Heartbeat{Time: time.Unix(0, 0).UTC(), Strategies: 1}
}

func (f *fakeControl) Quotes() map[string]market.Quote {
	return map[string]market.Quote{"ETHUSDT": {Symbol: "ETHUSDT", Bid: 1, Ask: 2}}
}

func (f *fakeControl) ToggleStreaming() bool {
	f.streaming = !f.streaming
	return f.streaming
}

func serve(t *testing.T, ctrl Control, method, path, body string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	engine := NewEngine(ctrl, "test", zerolog.Nop())
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	var resp apiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
	}
	return rec, resp
}

func TestStartAndUnknownStrategy(t *testing.T) {
	ctrl := &fakeControl{capital: map[string]float64{}}
	rec, _ := serve(t, ctrl, http.MethodPost, "/api/v1/strategies/alpha/start", "")
	if rec.Code != http.StatusOK || len(ctrl.started) != 1 {
		t.Fatalf("expected start to succeed, got %d", rec.Code)
	}

	rec, resp := serve(t, ctrl, http.MethodPost, "/api/v1/strategies/ghost/start", "")
	if rec.Code != http.StatusNotFound || resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown strategy, got %d", rec.Code)
	}
}

func TestBacktestIsAccepted(t *testing.T) {
	rec, resp := serve(t, &fakeControl{}, http.MethodPost, "/api/v1/strategies/alpha/backtest", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	data, _ := resp.Data.(map[string]any)
	if data["id"] != "run-1" {
		t.Fatalf("expected run id in response, got %v", resp.Data)
	}
}

func TestSetCapital(t *testing.T) {
	ctrl := &fakeControl{capital: map[string]float64{}}
	rec, _ := serve(t, ctrl, http.MethodPut, "/api/v1/strategies/alpha/capital", `{"capital": 2500}`)
	if rec.Code != http.StatusOK || ctrl.capital["alpha"] != 2500 {
		t.Fatalf("expected capital set, got %d %v", rec.Code, ctrl.capital)
	}

	rec, _ = serve(t, ctrl, http.MethodPut, "/api/v1/strategies/alpha/capital", `{"capital": -5}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative capital, got %d", rec.Code)
	}

	rec, _ = serve(t, ctrl, http.MethodPut, "/api/v1/strategies/alpha/capital", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing capital, got %d", rec.Code)
	}
}

func TestBarsSize(t *testing.T) {
	ctrl := &fakeControl{}
	rec, resp := serve(t, ctrl, http.MethodGet, "/api/v1/strategies/alpha/bars?size=3", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	data, _ := resp.Data.(map[string]any)
	if rows, _ := data["ETHUSDT"].([]any); len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %v", data["ETHUSDT"])
	}

	rec, _ = serve(t, ctrl, http.MethodGet, "/api/v1/strategies/alpha/backtest/bars?size=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid size, got %d", rec.Code)
	}
}

func TestToggleStreamingAndReads(t *testing.T) {
	ctrl := &fakeControl{}
	_, resp := serve(t, ctrl, http.MethodPost, "/api/v1/streaming/toggle", "")
	if data, _ := resp.Data.(map[string]any); data["streaming"] != true {
		t.Fatalf("expected streaming on, got %v", resp.Data)
	}
	for _, path := range []string{"/api/v1/heartbeat", "/api/v1/strategies", "/api/v1/performance", "/api/v1/analyses", "/api/v1/quotes"} {
		rec, resp := serve(t, ctrl, http.MethodGet, path, "")
		if rec.Code != http.StatusOK || resp.Message != "ok" {
			t.Fatalf("GET %s returned %d %s", path, rec.Code, resp.Message)
		}
	}
}
