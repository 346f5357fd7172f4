// Package controller owns every configured strategy and exposes the commands and snapshots the
// control surface serves: start and stop, backtest and analysis requests, state, bars and
// performance reads, capital changes and quote streaming.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradebot-go/internal/analysis"
	"tradebot-go/internal/backtest"
	"tradebot-go/internal/broker"
	"tradebot-go/internal/config"
	"tradebot-go/internal/engine"
	"tradebot-go/internal/exchange"
	"tradebot-go/internal/execution"
	"tradebot-go/internal/ledger"
	"tradebot-go/internal/market"
	"tradebot-go/internal/risk"
	"tradebot-go/internal/strategy"
	"tradebot-go/internal/trader"
	"tradebot-go/internal/util"
)

var (
	// ErrUnknownStrategy is returned for names missing from the strategy state.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrInvalidCapital rejects non-positive capital.
	ErrInvalidCapital = errors.New("capital must be positive")
)

// Options wires a Controller. Source and Gateway are built from Config when nil.
type Options struct {
	Config  *config.Config
	Source  exchange.Source
	Gateway execution.Gateway
	Clock   func() time.Time
	Logger  zerolog.Logger
	// Resume restarts strategies persisted as active.
	Resume bool
}

// Controller is safe for concurrent use. Long-running work (trader setup, backtests, analyses)
// runs on background goroutines bound to the context given to New.
type Controller struct {
	ctx       context.Context
	cfg       *config.Config
	source    exchange.Source
	gateway   execution.Gateway
	schedules map[market.Kind]broker.FeeSchedule
	fills     *ledger.JSONLRecorder
	clock     func() time.Time
	base      zerolog.Logger
	log       zerolog.Logger
	wg        sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	state      config.State
	strategies map[string]*runtime
	backtests  map[string]*backtest.Backtester
	btCancel   map[string]context.CancelFunc
	analyses   map[string]*analysis.Analyzer
}

type runtime struct {
	session *engine.Session
	trader  *trader.Trader
	sink    *ledger.CSV
}

// New loads the persisted strategy state and builds a live session per strategy. With Resume,
// strategies persisted as active are set up and started in the background.
func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Config == nil {
		def := config.Default()
		opts.Config = &def
	}
	cfg := opts.Config
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	log := util.Component(opts.Logger, "controller", "")

	schedules, err := cfg.Fees.Schedules()
	if err != nil {
		return nil, err
	}
	state, err := config.LoadState(cfg.Storage.StatePath, opts.Logger)
	if err != nil && !errors.Is(err, config.ErrStateLoad) {
		return nil, err
	}

	c := &Controller{
		ctx:        ctx,
		cfg:        cfg,
		source:     opts.Source,
		gateway:    opts.Gateway,
		schedules:  schedules,
		clock:      opts.Clock,
		base:       opts.Logger,
		log:        log,
		state:      state,
		strategies: map[string]*runtime{},
		backtests:  map[string]*backtest.Backtester{},
		btCancel:   map[string]context.CancelFunc{},
		analyses:   map[string]*analysis.Analyzer{},
	}
	if c.source == nil {
		c.source = c.newSource(state)
	}
	if c.gateway == nil {
		if c.gateway, err = c.newGateway(); err != nil {
			return nil, err
		}
	}
	if cfg.Storage.FillsPath != "" {
		if c.fills, err = ledger.NewJSONLRecorder(cfg.Storage.FillsPath); err != nil {
			return nil, fmt.Errorf("open fills recorder: %w", err)
		}
	}

	for _, name := range state.Names() {
		info := state.Strategies[name]
		rt, err := c.buildLive(info)
		if err != nil {
			log.Error().Err(err).Str("strategy", name).Msg("strategy disabled")
			info.Active = false
			c.state.Strategies[name] = info
			continue
		}
		c.strategies[name] = rt
		if info.Active && opts.Resume {
			c.launch(name, rt)
		}
	}
	return c, nil
}

func (c *Controller) newSource(state config.State) exchange.Source {
	var contracts []market.Contract
	seen := map[string]bool{}
	for _, name := range state.Names() {
		for _, ct := range state.Strategies[name].Contracts {
			if !seen[ct.Symbol] {
				seen[ct.Symbol] = true
				contracts = append(contracts, ct)
			}
		}
	}
	m := c.cfg.Market
	src := exchange.New(m.Provider, contracts,
		exchange.WithLogger(util.Component(c.base, "exchange", "")),
		exchange.WithQuoteInterval(m.QuoteInterval),
		exchange.WithBinanceURLs(m.RESTURL, m.WSURL),
	)
	if c.cfg.Storage.CacheDir == "" {
		return src
	}
	return exchange.NewCached(src, c.cfg.Storage.CacheDir, util.Component(c.base, "cache", ""))
}

func (c *Controller) newGateway() (execution.Gateway, error) {
	e := c.cfg.Execution
	switch e.Venue {
	case "", "paper":
		venue := execution.NewPaperVenue(util.Component(c.base, "paper_venue", ""), execution.WithFillAfter(e.FillAfter))
		return execution.NewPollingGateway(venue, e.Backoff(), util.Component(c.base, "gateway", "")), nil
	default:
		return nil, fmt.Errorf("unsupported execution venue %q", e.Venue)
	}
}

// Source returns the market data source shared by every strategy.
func (c *Controller) Source() exchange.Source { return c.source }

func strategyParams(p config.StrategyParams, limits risk.Limits) strategy.Params {
	return strategy.Params{
		DefaultThreshold:   p.DefaultThreshold,
		Thresholds:         p.Thresholds,
		MinHoldBars:        p.MinHoldBars,
		Session:            p.Cutoff,
		Limits:             limits,
		MomentumThreshold:  p.MomentumThreshold,
		MomentumWindow:     p.MomentumWindow,
		MomentumMinVolume:  p.MomentumMinVolume,
		ImbalanceThreshold: p.ImbalanceThreshold,
		ImbalanceWindow:    p.ImbalanceWindow,
		EMAFast:            p.EMAFast,
		EMASlow:            p.EMASlow,
		RSIPeriod:          p.RSIPeriod,
		StaticConfidence:   p.StaticConfidence,
	}
}

// buildSession assembles the strategy, broker and ledger of one run. Backtest sessions price
// every fill through the fee model and write to a truncated "_bt" ledger.
func (c *Controller) buildSession(info config.StrategyInfo, backtesting bool) (*engine.Session, *ledger.CSV, error) {
	limits := c.cfg.Risk.Limits()
	strat, err := strategy.Build(info.Kind, strategyParams(info.Params, limits))
	if err != nil {
		return nil, nil, err
	}
	log := util.Component(c.base, "session", info.Name)

	opts := []broker.Option{broker.WithLogger(log), broker.WithLimits(limits)}
	for kind, s := range c.schedules {
		opts = append(opts, broker.WithSchedule(kind, s))
	}
	mode := "backtest"
	observers := []ledger.Observer{ledger.LogNotifier{Log: log}}
	if !backtesting {
		mode = "live"
		opts = append(opts, broker.WithGateway(c.gateway), broker.WithQuotes(c.source))
		if c.fills != nil {
			observers = append(observers, c.fills)
		}
		observers = append(observers, persister{c: c, name: info.Name})
	}

	var sink *ledger.CSV
	cfg := engine.Config{
		Name:      info.Name,
		Mode:      mode,
		Strategy:  strat,
		Broker:    broker.New(opts...),
		Observers: observers,
		Contracts: info.Contracts,
		Capital: engine.Capital{
			Initial:   info.InitialCapital,
			Available: info.AvailableCapital,
			Equity:    info.Equity,
		},
		Portfolios:  info.Portfolios,
		StopLossPct: info.Trade.StopLossPct,
		Frequency:   info.Trade.Frequency.Std(),
		Logger:      log,
	}
	if dir := c.cfg.Storage.LedgerDir; dir != "" {
		if sink, err = ledger.OpenCSV(ledger.Path(dir, info.Name, backtesting), backtesting); err != nil {
			return nil, nil, fmt.Errorf("open ledger: %w", err)
		}
		cfg.Sink = sink
	}
	return engine.New(cfg), sink, nil
}

func (c *Controller) buildLive(info config.StrategyInfo) (*runtime, error) {
	session, sink, err := c.buildSession(info, false)
	if err != nil {
		return nil, err
	}
	return &runtime{session: session, sink: sink}, nil
}

func (c *Controller) frequency(info config.StrategyInfo) time.Duration {
	if f := info.Trade.Frequency.Std(); f > 0 {
		return f
	}
	return time.Minute
}

func (c *Controller) newTrader(info config.StrategyInfo, rt *runtime) (*trader.Trader, error) {
	freq := c.frequency(info)
	window := c.cfg.Market.Window
	if window <= 0 {
		window = market.DefaultWindow
	}
	analysisDur := info.Trade.AnalysisDuration.Std()
	if analysisDur <= 0 {
		analysisDur = freq * time.Duration(window)
	}
	return trader.New(trader.Config{
		Session:          rt.session,
		Source:           c.source,
		Frequency:        freq,
		TrainDuration:    info.Trade.TrainDuration.Std(),
		AnalysisDuration: analysisDur,
		Window:           window,
		Workers:          c.cfg.Market.FetchWorkers,
		UseCache:         c.cfg.Market.UseCache,
		Clock:            c.clock,
		Logger:           c.base,
	})
}

// launch sets up and starts rt's trader in the background. Caller holds c.mu.
func (c *Controller) launch(name string, rt *runtime) {
	info := c.state.Strategies[name]
	t, err := c.newTrader(info, rt)
	if err != nil {
		c.disableLocked(name, err)
		return
	}
	prev := rt.trader
	rt.trader = t
	info.Active = true
	if info.StartDate == "" {
		info.StartDate = c.clock().Format(time.DateOnly)
	}
	c.state.Strategies[name] = info

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if prev != nil {
			// one loop per session at a time
			<-prev.Done()
		}
		if err := t.Setup(c.ctx); err != nil {
			c.disable(name, t, err)
			return
		}
		if !c.wanted(name, t) {
			return
		}
		if err := t.Start(c.ctx); err != nil {
			c.disable(name, t, err)
		}
	}()
}

// wanted reports whether t is still the strategy's trader and should start after setup.
func (c *Controller) wanted(name string, t *trader.Trader) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.strategies[name]
	return ok && !c.closed && rt.trader == t && c.state.Strategies[name].Active
}

// disable marks a strategy inactive after its trader failed, unless a newer trader replaced it.
func (c *Controller) disable(name string, t *trader.Trader, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rt, ok := c.strategies[name]; !ok || rt.trader != t {
		return
	}
	c.disableLocked(name, err)
}

func (c *Controller) disableLocked(name string, err error) {
	c.log.Error().Err(err).Str("strategy", name).Msg("strategy disabled")
	info := c.state.Strategies[name]
	info.Active = false
	c.state.Strategies[name] = info
	c.saveLocked()
}

// StartStrategy begins live trading. Setup runs in the background; failures disable the
// strategy and surface through FetchState.
func (c *Controller) StartStrategy(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.strategies[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	if rt.trader != nil && c.state.Strategies[name].Active {
		return nil
	}
	c.launch(name, rt)
	c.saveLocked()
	return nil
}

// StopStrategy stops live trading; the loop exits at its next check.
func (c *Controller) StopStrategy(name string) error {
	c.mu.Lock()
	rt, ok := c.strategies[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	t := rt.trader
	info := c.state.Strategies[name]
	info.Active = false
	c.state.Strategies[name] = info
	c.syncLocked(name)
	c.saveLocked()
	c.mu.Unlock()

	if t != nil {
		t.Stop()
	}
	return nil
}

// RequestBacktest replays the strategy from fresh capital over its test window, replacing any
// previous run of the same strategy. It returns the run id.
func (c *Controller) RequestBacktest(name string) (string, error) {
	run, err := c.startBacktest(name)
	if err != nil {
		return "", err
	}
	return run.bt.ID().String(), nil
}

// RunBacktest is RequestBacktest that waits for the run and returns its summary.
func (c *Controller) RunBacktest(ctx context.Context, name string) (backtest.Summary, error) {
	run, err := c.startBacktest(name)
	if err != nil {
		return backtest.Summary{}, err
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		return run.bt.Summary(), ctx.Err()
	}
	return run.bt.Summary(), run.err
}

type backtestRun struct {
	bt   *backtest.Backtester
	done chan struct{}
	err  error
}

func (c *Controller) startBacktest(name string) (*backtestRun, error) {
	c.mu.Lock()
	info, ok := c.state.Strategies[name]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}

	fresh := info.Fresh()
	session, sink, err := c.buildSession(fresh, true)
	if err != nil {
		return nil, err
	}
	trainDur, testDur := fresh.Trade.TrainDuration.Std(), fresh.Trade.TestDuration.Std()
	if trainDur <= 0 {
		trainDur = c.cfg.Backtest.TrainDuration
	}
	if testDur <= 0 {
		testDur = c.cfg.Backtest.TestDuration
	}
	run := &backtestRun{
		bt: backtest.New(backtest.Config{
			Session:       session,
			Source:        c.source,
			Frequency:     c.frequency(fresh),
			TrainDuration: trainDur,
			TestDuration:  testDur,
			End:           c.clock(),
			UseCache:      c.cfg.Market.UseCache,
			BarsDir:       c.cfg.Storage.BarsDir,
			Logger:        c.base,
		}),
		done: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if prev, ok := c.btCancel[name]; ok {
		prev()
	}
	c.backtests[name] = run.bt
	c.btCancel[name] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(run.done)
		defer cancel()
		if sink != nil {
			defer sink.Close()
		}
		if err := run.bt.Setup(ctx); err != nil {
			c.log.Error().Err(err).Str("strategy", name).Msg("backtest setup failed")
			run.err = err
			return
		}
		_, run.err = run.bt.Run(ctx)
	}()
	return run, nil
}

// RequestAnalysis profiles the strategy's symbols in the background.
func (c *Controller) RequestAnalysis(name string) error {
	c.mu.Lock()
	info, ok := c.state.Strategies[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	dur := info.Analysis.Duration.Std()
	if dur <= 0 {
		dur = info.Trade.AnalysisDuration.Std()
	}
	a := analysis.New(name, c.source, info.Contracts, c.frequency(info), analysis.Config{
		Duration:    dur,
		End:         c.clock(),
		UseCache:    info.Analysis.UseCache,
		ExtremesPct: info.Analysis.ExtremesPct,
		Dir:         c.cfg.Storage.AnalysesDir,
	}, c.base)

	c.mu.Lock()
	c.analyses[name] = a
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := a.Run(c.ctx); err != nil {
			c.log.Error().Err(err).Str("strategy", name).Msg("analysis failed")
		}
	}()
	return nil
}

// SetCapital resets a strategy's initial capital; available capital moves by the same delta.
func (c *Controller) SetCapital(name string, capital float64) error {
	if capital <= 0 {
		return ErrInvalidCapital
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.strategies[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	rt.session.SetCapital(capital)
	c.syncLocked(name)
	c.saveLocked()
	return nil
}

// syncLocked copies a live session's capital and portfolios into the persisted state.
func (c *Controller) syncLocked(name string) {
	rt, ok := c.strategies[name]
	if !ok {
		return
	}
	snap := rt.session.Snapshot()
	info := c.state.Strategies[name]
	info.InitialCapital = snap.Capital.Initial
	info.AvailableCapital = snap.Capital.Available
	info.Equity = snap.Capital.Equity
	info.Portfolios = snap.Portfolios
	c.state.Strategies[name] = info
}

func (c *Controller) saveLocked() {
	if c.cfg.Storage.StatePath == "" {
		return
	}
	if err := config.SaveState(c.cfg.Storage.StatePath, c.state); err != nil {
		c.log.Error().Err(err).Msg("persist strategy state failed")
	}
}

// persister rewrites the state snapshot after every live transaction.
type persister struct {
	c    *Controller
	name string
}

func (p persister) Notify(ledger.Report) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.c.syncLocked(p.name)
	p.c.saveLocked()
}

// ToggleStreaming flips live quote streaming and reports whether it is now on.
func (c *Controller) ToggleStreaming() bool {
	on := c.source.ToggleStreaming(c.ctx)
	c.log.Info().Bool("streaming", on).Msg("quote streaming toggled")
	return on
}

// Quotes returns the latest quote per symbol.
func (c *Controller) Quotes() map[string]market.Quote { return c.source.LatestQuotes() }

// Names lists configured strategies.
func (c *Controller) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Names()
}

// Close stops every trader, waits for background work and persists the final state.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	var traders []*trader.Trader
	for _, rt := range c.strategies {
		if rt.trader != nil {
			traders = append(traders, rt.trader)
		}
	}
	for _, cancel := range c.btCancel {
		cancel()
	}
	c.mu.Unlock()

	for _, t := range traders {
		t.Stop()
	}
	c.wg.Wait()
	for _, t := range traders {
		<-t.Done()
	}
	if c.source.Streaming() {
		c.source.ToggleStreaming(c.ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	names := make([]string, 0, len(c.strategies))
	for name := range c.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c.syncLocked(name)
		if sink := c.strategies[name].sink; sink != nil {
			errs = append(errs, sink.Close())
		}
	}
	c.saveLocked()
	if c.fills != nil {
		errs = append(errs, c.fills.Close())
	}
	return errors.Join(errs...)
}
