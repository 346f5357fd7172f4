package backtest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradebot-go/internal/broker"
	"tradebot-go/internal/engine"
	"tradebot-go/internal/exchange"
	"tradebot-go/internal/market"
	"tradebot-go/internal/predict"
	"tradebot-go/internal/risk"
	"tradebot-go/internal/strategy"
)

var (
	end  = time.Date(2024, 6, 3, 16, 0, 0, 0, time.UTC)
	aapl = market.Contract{Symbol: "AAPL", Kind: market.Stock}
)

func rising(n int) market.Series {
	bars := make(market.Series, n)
	first := end.Add(-time.Duration(n-1) * time.Hour)
	for i := range bars {
		c := 100 + float64(i)
		bars[i] = market.Bar{Time: first.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: 10}
	}
	return bars
}

type panicking struct{ at int }

func (p *panicking) Name() string  { return "faulty" }
func (p *panicking) Lookback() int { return 0 }
func (p *panicking) Predict(_ string, f *market.Frame) predict.Signal {
	if f.Len() > p.at {
		panic("model exploded")
	}
	return predict.Signal{Source: "faulty", Direction: predict.Up, Confidence: 0.9}
}

func newBacktest(t *testing.T, pred predict.Predictor, barsDir string) *Backtester {
	t.Helper()
	none, _ := broker.Preset("none")
	sess := engine.New(engine.Config{
		Name:      "bt",
		Mode:      "backtest",
		Strategy:  strategy.NewPipeline("test", strategy.Params{Limits: risk.DefaultLimits()}, pred),
		Broker:    broker.New(broker.WithSchedule(market.Stock, none)),
		Contracts: []market.Contract{aapl},
		Capital:   engine.Capital{Initial: 10000},
		Frequency: time.Hour,
		Logger:    zerolog.Nop(),
	})
	return New(Config{
		Session:       sess,
		Source:        exchange.NewSynthetic([]market.Contract{aapl}, exchange.WithBars("AAPL", rising(20))),
		Frequency:     time.Hour,
		TrainDuration: 24 * time.Hour,
		TestDuration:  19 * time.Hour,
		End:           end,
		BarsDir:       barsDir,
		Logger:        zerolog.Nop(),
	})
}

func TestStaticUpBuysAndLiquidatesAtFinalIndex(t *testing.T) {
	dir := t.TempDir()
	bt := newBacktest(t, predict.Static{Dir: predict.Up, Conf: 0.9}, dir)
	if err := bt.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	summary, err := bt.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if summary.Stage != StageComplete || summary.Partial {
		t.Fatalf("unexpected completion state %+v", summary)
	}
	if len(summary.Trades) != 2 {
		t.Fatalf("expected buy and liquidation, got %+v", summary.Trades)
	}
	buy, sell := summary.Trades[0], summary.Trades[1]
	if buy.Type != broker.MarketBuy || buy.Price != 102 {
		t.Fatalf("expected first buy after warm-up at 102, got %+v", buy)
	}
	finalBar := rising(20)[18]
	if sell.Type != broker.MarketSell || sell.Reason != LiquidationReason || !sell.Time.Equal(finalBar.Time) || sell.Price != finalBar.Close {
		t.Fatalf("expected liquidation at the final index close, got %+v", sell)
	}
	if summary.TestIndex != 18 || summary.TestSize != 20 {
		t.Fatalf("unexpected indices %d/%d", summary.TestIndex, summary.TestSize)
	}
	if summary.Performance.TotalSells != 1 || summary.Performance.LargestProfit == nil {
		t.Fatalf("expected tracked profitable sell, got %+v", summary.Performance)
	}
	if st := summary.Performance.PredictionStats["AAPL"]["static"]; st.Total != 16 || st.Correct != 16 {
		t.Fatalf("final cycle signals must stay unscored, got %+v", st)
	}
	if len(summary.Performance.BadSells) != 0 || summary.Performance.LargestMissedProfit != nil {
		t.Fatalf("liquidation judged against its own bar: %+v", summary.Performance)
	}
	if len(summary.Portfolios) != 1 || summary.Portfolios[0].GoodSells != 1 || summary.Portfolios[0].HoldPL <= 0 {
		t.Fatalf("unexpected portfolio summary %+v", summary.Portfolios)
	}

	frame := bt.Bars(0)["AAPL"]
	if v, ok := frame.Annotation("static", 5); !ok || v != 1 {
		t.Fatalf("expected up annotation at index 5, got %v %v", v, ok)
	}
	if _, ok := frame.Annotation("static", 1); ok {
		t.Fatalf("warm-up rows should carry no annotation")
	}
	written, err := market.LoadCSV(filepath.Join(dir, "bt", "AAPL.csv"), "AAPL")
	if err != nil {
		t.Fatalf("expected tested bars on disk: %v", err)
	}
	if written.Len() != 20 {
		t.Fatalf("expected 20 written bars, got %d", written.Len())
	}
}

func TestShortSeriesEndsRunCleanly(t *testing.T) {
	msft := market.Contract{Symbol: "MSFT", Kind: market.Stock}
	contracts := []market.Contract{aapl, msft}
	none, _ := broker.Preset("none")
	sess := engine.New(engine.Config{
		Name:      "bt",
		Mode:      "backtest",
		Strategy:  strategy.NewPipeline("test", strategy.Params{Limits: risk.DefaultLimits()}, predict.Static{Dir: predict.Up, Conf: 0.9}),
		Broker:    broker.New(broker.WithSchedule(market.Stock, none)),
		Contracts: contracts,
		Capital:   engine.Capital{Initial: 10000},
		Frequency: time.Hour,
		Logger:    zerolog.Nop(),
	})
	bt := New(Config{
		Session:       sess,
		Source:        exchange.NewSynthetic(contracts, exchange.WithBars("AAPL", rising(20)), exchange.WithBars("MSFT", rising(20)[:12])),
		Frequency:     time.Hour,
		TrainDuration: 24 * time.Hour,
		TestDuration:  19 * time.Hour,
		End:           end,
		Logger:        zerolog.Nop(),
	})
	if err := bt.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	summary, err := bt.Run(context.Background())
	if err != nil {
		t.Fatalf("running out of bars should not fail the run: %v", err)
	}
	if summary.Stage != StageComplete || summary.Partial || summary.Error != "" {
		t.Fatalf("expected a clean completion, got %+v", summary)
	}
	if summary.TestSize != 20 || summary.TestIndex != 11 {
		t.Fatalf("expected stop after index 11 of 20, got %d/%d", summary.TestIndex, summary.TestSize)
	}
	stopBar := rising(20)[11]
	sells := 0
	for _, tr := range summary.Trades {
		if tr.Type != broker.MarketSell {
			continue
		}
		sells++
		if tr.Reason != LiquidationReason || !tr.Time.Equal(stopBar.Time) || tr.Price != stopBar.Close {
			t.Fatalf("expected liquidation at the last shared index, got %+v", tr)
		}
	}
	if sells == 0 {
		t.Fatalf("expected open positions to be liquidated, got %+v", summary.Trades)
	}
	for sym, p := range sess.Portfolios() {
		if p.HasPosition {
			t.Fatalf("%s still holds a position after the run", sym)
		}
	}
}

func TestIterationPanicKeepsPartialResults(t *testing.T) {
	bt := newBacktest(t, &panicking{at: 6}, "")
	if err := bt.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	summary, err := bt.Run(context.Background())
	if !errors.Is(err, ErrIterationFailure) {
		t.Fatalf("expected ErrIterationFailure, got %v", err)
	}
	if !summary.Partial || summary.Stage != StageComplete || summary.Error == "" {
		t.Fatalf("expected partial completed run, got %+v", summary)
	}
	if summary.TestIndex != 6 {
		t.Fatalf("expected abort at index 6, got %d", summary.TestIndex)
	}
	if len(summary.Trades) != 1 || summary.Trades[0].Type != broker.MarketBuy {
		t.Fatalf("expected the pre-failure buy to survive, got %+v", summary.Trades)
	}
}

func TestRunWithoutSetup(t *testing.T) {
	bt := newBacktest(t, predict.Static{Dir: predict.Up, Conf: 0.9}, "")
	if _, err := bt.Run(context.Background()); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestWarmUp(t *testing.T) {
	if got := WarmUp(0, 250); got != 25 {
		t.Fatalf("expected 10%% warm-up, got %d", got)
	}
	if got := WarmUp(30, 250); got != 30 {
		t.Fatalf("expected lookback warm-up, got %d", got)
	}
}
