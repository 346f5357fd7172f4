// Package trader runs one strategy live: setup fetches training and analysis history, then a
// loop aligned to the trading frequency fetches bars, decides and executes.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradebot-go/internal/engine"
	"tradebot-go/internal/exchange"
	"tradebot-go/internal/market"
	"tradebot-go/internal/metrics"
	"tradebot-go/internal/util"
)

var (
	// ErrNoContracts disables a strategy that trades nothing.
	ErrNoContracts = errors.New("strategy has no contracts")
	// ErrNoHistoricalData disables a strategy whose setup fetch returned no bars.
	ErrNoHistoricalData = errors.New("no historical data")
	// ErrNotReady is returned by Start before a successful Setup.
	ErrNotReady = errors.New("trader is not set up")
)

// Stage is the trader lifecycle phase.
type Stage string

const (
	StageUninitialized Stage = "uninitialized"
	StageSetup         Stage = "setup"
	StageTrading       Stage = "trading"
	StageStopped       Stage = "stopped"
)

const defaultWorkers = 4

// Config wires a Trader.
type Config struct {
	Session          *engine.Session
	Source           exchange.Source
	Frequency        time.Duration
	TrainDuration    time.Duration
	AnalysisDuration time.Duration
	Window           int
	Workers          int
	UseCache         bool
	Clock            func() time.Time
	Logger           zerolog.Logger
}

// Trader owns the live loop of one session.
type Trader struct {
	cfg      Config
	schedule cron.Schedule
	log      zerolog.Logger

	active atomic.Bool

	mu      sync.RWMutex
	stage   Stage
	frames  map[string]*market.Frame
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates cfg and builds a trader in the uninitialized stage.
func New(cfg Config) (*Trader, error) {
	if cfg.Session == nil || cfg.Source == nil {
		return nil, errors.New("trader requires a session and a market data source")
	}
	if cfg.Frequency <= 0 {
		cfg.Frequency = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = market.DefaultWindow
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	sched, err := ScheduleFor(cfg.Frequency)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	close(done)
	return &Trader{
		cfg:      cfg,
		schedule: sched,
		log:      util.Component(cfg.Logger, "trader", cfg.Session.Name()),
		stage:    StageUninitialized,
		frames:   map[string]*market.Frame{},
		done:     done,
	}, nil
}

// Stage returns the current lifecycle phase.
func (t *Trader) Stage() Stage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stage
}

// Active reports whether the loop is running or about to run.
func (t *Trader) Active() bool { return t.active.Load() }

// Done is closed when the loop exits.
func (t *Trader) Done() <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.done
}

// Err returns the error that disabled the trader, if any.
func (t *Trader) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

func (t *Trader) setStage(s Stage) {
	t.mu.Lock()
	t.stage = s
	t.mu.Unlock()
}

func (t *Trader) fail(err error) error {
	t.mu.Lock()
	t.stage = StageStopped
	t.lastErr = err
	t.mu.Unlock()
	t.log.Error().Err(err).Msg("strategy disabled")
	return err
}

// Setup fetches the training and analysis windows (in parallel when they differ) and prepares
// the strategy. Empty contracts or empty history disable the trader instead of panicking.
func (t *Trader) Setup(ctx context.Context) error {
	t.setStage(StageSetup)
	contracts := t.cfg.Session.Contracts()
	if len(contracts) == 0 {
		return t.fail(ErrNoContracts)
	}

	now := t.cfg.Clock()
	request := func(d time.Duration) exchange.HistoryRequest {
		return exchange.HistoryRequest{Contracts: contracts, BarSize: t.cfg.Frequency, Duration: d, End: now, UseCache: t.cfg.UseCache}
	}

	var train, analysis map[string]market.Series
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bars, err := t.cfg.Source.HistoricalBars(gctx, request(t.cfg.AnalysisDuration))
		if err != nil {
			return fmt.Errorf("analysis window: %w", err)
		}
		analysis = bars
		return nil
	})
	if t.cfg.TrainDuration > 0 && t.cfg.TrainDuration != t.cfg.AnalysisDuration {
		g.Go(func() error {
			bars, err := t.cfg.Source.HistoricalBars(gctx, request(t.cfg.TrainDuration))
			if err != nil {
				return fmt.Errorf("training window: %w", err)
			}
			train = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return t.fail(fmt.Errorf("%w: %w", ErrNoHistoricalData, err))
	}
	if train == nil {
		train = analysis
	}

	frames := toFrames(analysis)
	if len(frames) == 0 {
		return t.fail(ErrNoHistoricalData)
	}
	if err := t.cfg.Session.Strategy().Prepare(ctx, toFrames(train), engine.CloneFrames(frames)); err != nil {
		return t.fail(fmt.Errorf("prepare strategy: %w", err))
	}

	t.mu.Lock()
	t.frames = frames
	t.lastErr = nil
	t.mu.Unlock()
	t.log.Info().Int("symbols", len(frames)).Msg("setup complete")
	return nil
}

func toFrames(bars map[string]market.Series) map[string]*market.Frame {
	out := make(map[string]*market.Frame, len(bars))
	for sym, series := range bars {
		if len(series) == 0 {
			continue
		}
		out[sym] = market.NewFrame(sym, series)
	}
	return out
}

// Start anchors portfolios at the latest closes and launches the loop. The first step runs at
// the next frequency boundary.
func (t *Trader) Start(ctx context.Context) error {
	t.mu.Lock()
	if len(t.frames) == 0 {
		t.mu.Unlock()
		return ErrNotReady
	}
	if t.active.Load() {
		t.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.stage = StageTrading
	closes := engine.Closes(t.frames)
	done := t.done
	t.mu.Unlock()

	t.cfg.Session.AnchorPortfolios(closes)
	t.active.Store(true)
	go t.run(loopCtx, done)
	t.log.Info().Dur("frequency", t.cfg.Frequency).Msg("trading started")
	return nil
}

// Stop clears the active flag; the loop exits at its next check.
func (t *Trader) Stop() {
	t.active.Store(false)
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
}

func (t *Trader) run(ctx context.Context, done chan struct{}) {
	defer func() {
		t.active.Store(false)
		t.setStage(StageStopped)
		close(done)
		t.log.Info().Msg("trading stopped")
	}()

	next := t.schedule.Next(t.cfg.Clock())
	for t.active.Load() {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if !t.active.Load() {
			return
		}
		if _, err := t.Step(ctx, next); err != nil {
			t.log.Warn().Err(err).Msg("trading step finished with errors")
		}
		next = t.schedule.Next(t.cfg.Clock())
	}
}

// Step runs one trading iteration at now: fetch every symbol's newest bars on a bounded worker
// pool, merge them into the rolling windows, then decide and execute once.
func (t *Trader) Step(ctx context.Context, now time.Time) (engine.Result, error) {
	began := time.Now()
	contracts := t.cfg.Session.Contracts()

	var mu sync.Mutex
	fetched := make(map[string]market.Series, len(contracts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Workers)
	for _, c := range contracts {
		g.Go(func() error {
			bars, err := t.cfg.Source.HistoricalBars(gctx, exchange.HistoryRequest{
				Contracts: []market.Contract{c},
				BarSize:   t.cfg.Frequency,
				Duration:  2 * t.cfg.Frequency,
				End:       now,
			})
			if err != nil {
				t.log.Warn().Err(err).Str("sym", c.Symbol).Msg("latest bar fetch failed")
				return nil
			}
			mu.Lock()
			fetched[c.Symbol] = bars[c.Symbol]
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return engine.Result{}, err
	}

	t.mu.Lock()
	for sym, bars := range fetched {
		frame, ok := t.frames[sym]
		if !ok {
			frame = market.NewFrame(sym, nil)
			t.frames[sym] = frame
		}
		if added := frame.Merge(bars, t.cfg.Window); added > 0 {
			metrics.BarsTotal.WithLabelValues(sym).Add(float64(added))
		}
	}
	frames := engine.CloneFrames(t.frames)
	t.mu.Unlock()

	res, err := t.cfg.Session.Cycle(ctx, now, frames, false)
	metrics.CycleDuration.WithLabelValues(t.cfg.Session.Name()).Observe(time.Since(began).Seconds())
	return res, err
}

// Bars returns copies of the last n bars of every rolling window (all when n <= 0).
func (t *Trader) Bars(n int) map[string]*market.Frame {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*market.Frame, len(t.frames))
	for sym, f := range t.frames {
		if n <= 0 {
			out[sym] = f.Clone()
			continue
		}
		out[sym] = f.Tail(n)
	}
	return out
}

// Status is a read-only view of a trader.
type Status struct {
	Stage  Stage        `json:"stage"`
	Active bool         `json:"active"`
	Error  string       `json:"error,omitempty"`
	State  engine.State `json:"state"`
}

// Snapshot returns the trader status with a copy of the session state.
func (t *Trader) Snapshot() Status {
	t.mu.RLock()
	st := Status{Stage: t.stage, Active: t.active.Load()}
	if t.lastErr != nil {
		st.Error = t.lastErr.Error()
	}
	t.mu.RUnlock()
	st.State = t.cfg.Session.Snapshot()
	return st
}
