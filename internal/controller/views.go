package controller

import (
	"fmt"
	"time"

	"tradebot-go/internal/analysis"
	"tradebot-go/internal/backtest"
	"tradebot-go/internal/config"
	"tradebot-go/internal/engine"
	"tradebot-go/internal/market"
	"tradebot-go/internal/performance"
	"tradebot-go/internal/trader"
)

// BacktestStatus is the progress of a strategy's latest backtest.
type BacktestStatus struct {
	ID        string         `json:"id"`
	Stage     backtest.Stage `json:"stage"`
	TestIndex int            `json:"test_index"`
	TestSize  int            `json:"test_size"`
	Partial   bool           `json:"partial"`
	Error     string         `json:"error,omitempty"`
}

// StrategyStatus is an immutable snapshot of one strategy.
type StrategyStatus struct {
	Info     config.StrategyInfo `json:"info"`
	Stage    trader.Stage        `json:"stage"`
	Trading  bool                `json:"trading"`
	Error    string              `json:"error,omitempty"`
	Live     engine.State        `json:"live"`
	Backtest *BacktestStatus     `json:"backtest,omitempty"`
	Analysis analysis.Stage      `json:"analysis_stage,omitempty"`
}

// FetchState returns a snapshot of every strategy.
func (c *Controller) FetchState() map[string]StrategyStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]StrategyStatus, len(c.state.Strategies))
	for name, info := range c.state.Strategies {
		st := StrategyStatus{Info: info, Stage: trader.StageUninitialized}
		if rt, ok := c.strategies[name]; ok {
			st.Live = rt.session.Snapshot()
			st.Info.InitialCapital = st.Live.Capital.Initial
			st.Info.AvailableCapital = st.Live.Capital.Available
			st.Info.Equity = st.Live.Capital.Equity
			st.Info.Portfolios = st.Live.Portfolios
			if rt.trader != nil {
				status := rt.trader.Snapshot()
				st.Stage, st.Trading, st.Error = status.Stage, status.Active, status.Error
			}
		}
		if bt, ok := c.backtests[name]; ok {
			sum := bt.Summary()
			st.Backtest = &BacktestStatus{
				ID:        sum.ID,
				Stage:     sum.Stage,
				TestIndex: sum.TestIndex,
				TestSize:  sum.TestSize,
				Partial:   sum.Partial,
				Error:     sum.Error,
			}
		}
		if a, ok := c.analyses[name]; ok {
			st.Analysis = a.Stage()
		}
		out[name] = st
	}
	return out
}

func rows(frames map[string]*market.Frame) map[string][]market.Row {
	out := make(map[string][]market.Row, len(frames))
	for sym, f := range frames {
		out[sym] = f.Rows()
	}
	return out
}

// FetchBars returns the last n bars per symbol of a strategy's live window (all when n <= 0).
func (c *Controller) FetchBars(name string, n int) (map[string][]market.Row, error) {
	c.mu.Lock()
	rt, ok := c.strategies[name]
	var tr *trader.Trader
	if ok {
		tr = rt.trader
	}
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	if tr == nil {
		return map[string][]market.Row{}, nil
	}
	return rows(tr.Bars(n)), nil
}

// FetchBacktestBars returns the last n tested bars per symbol, signal annotations included.
func (c *Controller) FetchBacktestBars(name string, n int) (map[string][]market.Row, error) {
	c.mu.Lock()
	_, known := c.state.Strategies[name]
	bt, ok := c.backtests[name]
	c.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	if !ok {
		return map[string][]market.Row{}, nil
	}
	return rows(bt.Bars(n)), nil
}

// Performance pairs a strategy's live tracker with its latest backtest summary.
type Performance struct {
	Live     performance.Snapshot `json:"live"`
	Backtest *backtest.Summary    `json:"backtest,omitempty"`
}

// FetchPerformance returns performance snapshots for every strategy.
func (c *Controller) FetchPerformance() map[string]Performance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Performance, len(c.strategies))
	for name, rt := range c.strategies {
		p := Performance{Live: rt.session.Tracker().Snapshot()}
		if bt, ok := c.backtests[name]; ok {
			sum := bt.Summary()
			p.Backtest = &sum
		}
		out[name] = p
	}
	return out
}

// FetchAnalyses returns the latest analysis per strategy that has requested one.
func (c *Controller) FetchAnalyses() map[string]analysis.Analysis {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]analysis.Analysis, len(c.analyses))
	for name, a := range c.analyses {
		out[name] = a.Snapshot()
	}
	return out
}

// Heartbeat summarises process liveness for clients polling the control surface.
type Heartbeat struct {
	Time       time.Time `json:"time"`
	Strategies int       `json:"strategies"`
	Trading    int       `json:"trading"`
	Streaming  bool      `json:"streaming"`
}

// Heartbeat reports the clock and how many strategies are trading.
func (c *Controller) Heartbeat() Heartbeat {
	c.mu.Lock()
	defer c.mu.Unlock()
	hb := Heartbeat{Time: c.clock(), Strategies: len(c.state.Strategies), Streaming: c.source.Streaming()}
	for _, rt := range c.strategies {
		if rt.trader != nil && rt.trader.Active() {
			hb.Trading++
		}
	}
	return hb
}
