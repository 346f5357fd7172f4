package trader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tradebot-go/internal/broker"
	"tradebot-go/internal/engine"
	"tradebot-go/internal/exchange"
	"tradebot-go/internal/execution"
	"tradebot-go/internal/ledger"
	"tradebot-go/internal/market"
	"tradebot-go/internal/strategy"
)

var eth = market.Contract{Symbol: "ETHUSDT", Kind: market.Crypto}

func newTrader(t *testing.T, contracts []market.Contract, now time.Time) (*Trader, *ledger.Memory) {
	t.Helper()
	src := exchange.NewSynthetic(contracts)
	strat, err := strategy.Build("static", strategy.Params{})
	if err != nil {
		t.Fatalf("build strategy: %v", err)
	}
	none, _ := broker.Preset("none")
	backoff := execution.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, MaxAttempts: 5, Timeout: time.Second}
	brk := broker.New(
		broker.WithSchedule(market.Crypto, none),
		broker.WithQuotes(src),
		broker.WithGateway(execution.NewPollingGateway(execution.NewPaperVenue(zerolog.Nop()), backoff, zerolog.Nop())),
	)
	mem := ledger.NewMemory(0)
	sess := engine.New(engine.Config{
		Name:      "live",
		Strategy:  strat,
		Broker:    brk,
		Sink:      mem,
		Contracts: contracts,
		Capital:   engine.Capital{Initial: 10000},
		Frequency: time.Minute,
		Logger:    zerolog.Nop(),
	})
	tr, err := New(Config{
		Session:          sess,
		Source:           src,
		Frequency:        time.Minute,
		TrainDuration:    3 * time.Hour,
		AnalysisDuration: time.Hour,
		Clock:            func() time.Time { return now },
		Logger:           zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return tr, mem
}

func TestSetupAndStepTrades(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tr, mem := newTrader(t, []market.Contract{eth}, now)
	if tr.Stage() != StageUninitialized {
		t.Fatalf("unexpected initial stage %s", tr.Stage())
	}
	if err := tr.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	before := tr.Bars(0)["ETHUSDT"].Len()

	res, err := tr.Step(context.Background(), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Step returned error: %v", err)
	}
	if got := tr.Bars(0)["ETHUSDT"].Len(); got != before+1 {
		t.Fatalf("expected one merged bar, window %d -> %d", before, got)
	}
	if len(res.Reports) != 1 || res.Reports[0].Type != broker.MarketBuy {
		t.Fatalf("expected a live buy, got %+v", res.Reports)
	}
	if mem.Len() != 1 {
		t.Fatalf("expected ledger entry, got %d", mem.Len())
	}

	if _, err := tr.Step(context.Background(), now.Add(time.Minute)); err != nil {
		t.Fatalf("repeat Step returned error: %v", err)
	}
	if got := tr.Bars(0)["ETHUSDT"].Len(); got != before+1 {
		t.Fatalf("repeat step should not grow the window, got %d", got)
	}
	if tail := tr.Bars(5)["ETHUSDT"]; tail.Len() != 5 {
		t.Fatalf("expected 5-bar tail, got %d", tail.Len())
	}
}

func TestSetupWithoutContractsDisables(t *testing.T) {
	tr, _ := newTrader(t, nil, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	if err := tr.Setup(context.Background()); !errors.Is(err, ErrNoContracts) {
		t.Fatalf("expected ErrNoContracts, got %v", err)
	}
	if tr.Stage() != StageStopped {
		t.Fatalf("expected stopped stage, got %s", tr.Stage())
	}
	if err := tr.Start(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if tr.Snapshot().Error == "" {
		t.Fatalf("expected snapshot to carry the setup error")
	}
}

func TestStartStop(t *testing.T) {
	tr, _ := newTrader(t, []market.Contract{eth}, time.Now().UTC())
	if err := tr.Setup(context.Background()); err != nil {
		t.Fatalf("Setup returned error: %v", err)
	}
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if !tr.Active() || tr.Stage() != StageTrading {
		t.Fatalf("expected active trading, got %s", tr.Stage())
	}
	if p, ok := tr.Snapshot().State.Portfolios["ETHUSDT"]; !ok || p.HoldStartPrice <= 0 {
		t.Fatalf("expected anchored portfolio, got %+v", p)
	}
	tr.Stop()
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	if tr.Active() || tr.Stage() != StageStopped {
		t.Fatalf("expected stopped, got %s", tr.Stage())
	}
}

func TestScheduleAlignsToBoundaries(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 3, 27, 0, time.UTC)
	cases := map[time.Duration]time.Time{
		5 * time.Minute:  time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC),
		time.Hour:        time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC),
		15 * time.Second: time.Date(2024, 5, 1, 12, 3, 30, 0, time.UTC),
		24 * time.Hour:   time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	}
	for freq, want := range cases {
		sched, err := ScheduleFor(freq)
		if err != nil {
			t.Fatalf("ScheduleFor(%s): %v", freq, err)
		}
		if got := sched.Next(at); !got.Equal(want) {
			t.Fatalf("%s: expected %s got %s", freq, want, got)
		}
	}
	if _, err := ScheduleFor(time.Millisecond); err == nil {
		t.Fatalf("expected sub-second frequency to be rejected")
	}
	sched, _ := ScheduleFor(7 * time.Minute)
	if got := sched.Next(at); got.Sub(at) < 7*time.Minute-time.Second {
		t.Fatalf("expected constant delay fallback, got %s", got)
	}
}
