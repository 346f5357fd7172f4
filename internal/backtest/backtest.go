// Package backtest replays historical bars through the same decision and execution cycle used
// live, filling orders against bar closes.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradebot-go/internal/broker"
	"tradebot-go/internal/engine"
	"tradebot-go/internal/exchange"
	"tradebot-go/internal/ledger"
	"tradebot-go/internal/market"
	"tradebot-go/internal/metrics"
	"tradebot-go/internal/performance"
	"tradebot-go/internal/util"
)

var (
	// ErrIterationFailure aborts the remaining iterations; results so far are kept and flagged partial.
	ErrIterationFailure = errors.New("backtest iteration failed")
	// ErrEndOfData ends a run cleanly when a series runs out before the planned last index.
	ErrEndOfData = errors.New("end of backtest data")
	// ErrNoData means setup produced no test bars.
	ErrNoData = errors.New("no backtest data")
)

// Stage is the backtest lifecycle phase.
type Stage string

const (
	StageInactive Stage = "inactive"
	StageSetup    Stage = "setup"
	StageTesting  Stage = "testing"
	StageComplete Stage = "complete"
)

// LiquidationReason tags the forced sells at the final index.
const LiquidationReason = "backtest end"

// Config wires a Backtester. The session must be fresh: a backtest mutates its portfolios.
type Config struct {
	Session       *engine.Session
	Source        exchange.Source
	Frequency     time.Duration
	TrainDuration time.Duration
	TestDuration  time.Duration
	End           time.Time
	UseCache      bool
	// BarsDir, when set, receives the tested frames as <BarsDir>/<strategy>/<symbol>.csv.
	BarsDir string
	Logger  zerolog.Logger
}

// Backtester owns one run.
type Backtester struct {
	cfg Config
	id  uuid.UUID
	log zerolog.Logger

	mu        sync.RWMutex
	stage     Stage
	testIndex int
	testSize  int
	frames    map[string]*market.Frame
	trades    []ledger.Report
	partial   bool
	err       error
}

// New builds an inactive backtest.
func New(cfg Config) *Backtester {
	if cfg.Frequency <= 0 {
		cfg.Frequency = time.Minute
	}
	if cfg.End.IsZero() {
		cfg.End = time.Now().UTC()
	}
	id := uuid.New()
	return &Backtester{
		cfg:   cfg,
		id:    id,
		log:   util.Component(cfg.Logger, "backtest", cfg.Session.Name()).With().Str("run", id.String()).Logger(),
		stage: StageInactive,
	}
}

// ID identifies the run.
func (b *Backtester) ID() uuid.UUID { return b.id }

// Session returns the session the run trades.
func (b *Backtester) Session() *engine.Session { return b.cfg.Session }

// Stage returns the current lifecycle phase.
func (b *Backtester) Stage() Stage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stage
}

func (b *Backtester) setStage(s Stage) {
	b.mu.Lock()
	b.stage = s
	b.mu.Unlock()
}

// Setup fetches, in parallel, a training window ending TestDuration before End and the test
// window itself, prepares the strategy and anchors portfolios at the first test close.
func (b *Backtester) Setup(ctx context.Context) error {
	b.setStage(StageSetup)
	contracts := b.cfg.Session.Contracts()
	testStart := b.cfg.End.Add(-b.cfg.TestDuration)

	var train, test map[string]market.Series
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bars, err := b.cfg.Source.HistoricalBars(gctx, exchange.HistoryRequest{
			Contracts: contracts, BarSize: b.cfg.Frequency, Duration: b.cfg.TestDuration, End: b.cfg.End, UseCache: b.cfg.UseCache,
		})
		if err != nil {
			return fmt.Errorf("test window: %w", err)
		}
		test = bars
		return nil
	})
	if b.cfg.TrainDuration > 0 {
		g.Go(func() error {
			bars, err := b.cfg.Source.HistoricalBars(gctx, exchange.HistoryRequest{
				Contracts: contracts, BarSize: b.cfg.Frequency, Duration: b.cfg.TrainDuration, End: testStart, UseCache: b.cfg.UseCache,
			})
			if err != nil {
				return fmt.Errorf("training window: %w", err)
			}
			train = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.finish(err, false)
		return err
	}

	frames := make(map[string]*market.Frame, len(test))
	first := make(map[string]float64, len(test))
	for sym, series := range test {
		if len(series) == 0 {
			continue
		}
		frames[sym] = market.NewFrame(sym, series)
		first[sym] = frames[sym].Bars[0].Close
	}
	if len(frames) == 0 {
		b.finish(ErrNoData, false)
		return ErrNoData
	}
	trainFrames := make(map[string]*market.Frame, len(train))
	for sym, series := range train {
		if len(series) > 0 {
			trainFrames[sym] = market.NewFrame(sym, series)
		}
	}
	if err := b.cfg.Session.Strategy().Prepare(ctx, trainFrames, engine.CloneFrames(frames)); err != nil {
		err = fmt.Errorf("prepare strategy: %w", err)
		b.finish(err, false)
		return err
	}
	b.cfg.Session.AnchorPortfolios(first)

	b.mu.Lock()
	b.frames = frames
	b.testSize = maxLen(frames)
	b.mu.Unlock()
	b.log.Info().Int("symbols", len(frames)).Int("bars", b.testSize).Int("train_symbols", len(trainFrames)).Msg("backtest setup complete")
	return nil
}

// maxLen is the planned test size. A symbol with fewer bars ends the run early with ErrEndOfData.
func maxLen(frames map[string]*market.Frame) int {
	n := 0
	for _, f := range frames {
		n = max(n, f.Len())
	}
	return n
}

// WarmUp is the number of leading bars that only move the hold baseline: the strategy's
// lookback, or a tenth of the series when the strategy needs none.
func WarmUp(lookback, length int) int {
	if lookback > 0 {
		return lookback
	}
	return length / 10
}

// Run replays every index from zero to the last tradable one. When a series runs out first the
// run liquidates at the last index every symbol covers and completes normally. An iteration
// that errors or panics aborts the rest; the run still completes with whatever it produced and
// the error is returned wrapped in ErrIterationFailure.
func (b *Backtester) Run(ctx context.Context) (Summary, error) {
	b.mu.RLock()
	frames, size := b.frames, b.testSize
	b.mu.RUnlock()
	if len(frames) == 0 {
		return b.Summary(), ErrNoData
	}
	b.setStage(StageTesting)

	strat := b.cfg.Session.Strategy()
	last := size - strat.Horizon()
	warm := WarmUp(strat.Lookback(), size)
	b.log.Info().Int("warm_up", warm).Int("last_index", last-1).Msg("backtest started")

	var runErr error
	for i := 0; i < last; i++ {
		err := b.iterate(ctx, frames, i, warm, i == last-1)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrEndOfData) {
			b.log.Info().Int("index", i).Msg("backtest reached end of data")
			if i > warm {
				b.closeOut(frames, i)
			}
			break
		}
		runErr = fmt.Errorf("%w at index %d: %w", ErrIterationFailure, i, err)
		break
	}

	b.writeFrames(frames)
	b.finish(runErr, runErr != nil)
	summary := b.Summary()
	if runErr != nil {
		b.log.Error().Err(runErr).Int("trades", len(summary.Trades)).Msg("backtest aborted with partial results")
	} else {
		b.log.Info().Int("trades", len(summary.Trades)).Float64("strategy_pl", summary.Performance.StrategyProfit).
			Float64("hold_pl", summary.Performance.HoldProfit).Msg("backtest complete")
	}
	return summary, runErr
}

func (b *Backtester) iterate(ctx context.Context, frames map[string]*market.Frame, i, warm int, final bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Int("index", i).Msg("backtest iteration panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return err
	}

	views := make(map[string]*market.Frame, len(frames))
	var now time.Time
	for sym, f := range frames {
		if i >= f.Len() {
			return ErrEndOfData
		}
		views[sym] = f.Head(i + 1)
		if t := f.Bars[i].Time; t.After(now) {
			now = t
		}
	}

	b.mu.Lock()
	b.testIndex = i
	b.mu.Unlock()
	metrics.BacktestIterations.WithLabelValues(b.cfg.Session.Name()).Inc()

	if i < warm {
		b.cfg.Session.SetHoldStart(engine.Closes(views))
		return nil
	}

	res, cycleErr := b.cfg.Session.Cycle(ctx, now, views, true)
	if cycleErr != nil && !recoverable(cycleErr) {
		return cycleErr
	}
	if cycleErr != nil {
		b.log.Warn().Err(cycleErr).Int("index", i).Msg("backtest cycle had failed transactions")
	}
	b.mu.Lock()
	for sym, signals := range res.Plan.Signals {
		f, ok := frames[sym]
		if !ok {
			continue
		}
		for _, s := range signals {
			f.Annotate(s.Source, i, s.Direction.Encode())
		}
	}
	b.mu.Unlock()
	b.record(res.Reports)

	if final {
		b.liquidate(views)
	}
	return nil
}

// closeOut liquidates at the last index before n, the first index some series lacks.
func (b *Backtester) closeOut(frames map[string]*market.Frame, n int) {
	views := make(map[string]*market.Frame, len(frames))
	for sym, f := range frames {
		views[sym] = f.Head(n)
	}
	b.liquidate(views)
}

func (b *Backtester) liquidate(views map[string]*market.Frame) {
	reports := b.cfg.Session.Liquidate(views, LiquidationReason)
	b.cfg.Session.Tracker().Record(b.cfg.Session.Portfolios(), reports, engine.LatestBars(views))
	b.record(reports)
}

// recoverable marks per-transaction failures that leave state consistent.
func recoverable(err error) bool {
	return errors.Is(err, broker.ErrDataUnavailable) || errors.Is(err, broker.ErrOrderRejected)
}

func (b *Backtester) record(reports []ledger.Report) {
	if len(reports) == 0 {
		return
	}
	b.mu.Lock()
	b.trades = append(b.trades, reports...)
	b.mu.Unlock()
}

func (b *Backtester) finish(err error, partial bool) {
	b.mu.Lock()
	b.stage = StageComplete
	b.err = err
	b.partial = partial
	b.mu.Unlock()
}

func (b *Backtester) writeFrames(frames map[string]*market.Frame) {
	if b.cfg.BarsDir == "" {
		return
	}
	dir := filepath.Join(b.cfg.BarsDir, b.cfg.Session.Name())
	for sym, f := range frames {
		if err := market.SaveCSV(filepath.Join(dir, sym+".csv"), f); err != nil {
			b.log.Warn().Err(err).Str("sym", sym).Msg("write tested bars failed")
		}
	}
}

// Bars returns copies of the last n tested bars per symbol, annotations included (all when n <= 0).
func (b *Backtester) Bars(n int) map[string]*market.Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]*market.Frame, len(b.frames))
	for sym, f := range b.frames {
		if n <= 0 {
			out[sym] = f.Clone()
			continue
		}
		out[sym] = f.Tail(n)
	}
	return out
}

// PortfolioSummary compares one symbol's strategy result against holding it.
type PortfolioSummary struct {
	Symbol            string  `json:"symbol"`
	StrategyPL        float64 `json:"strategy_pl"`
	HoldPL            float64 `json:"hold_pl"`
	GoodSells         int     `json:"good_sells"`
	BadSells          int     `json:"bad_sells"`
	AvgGoodConfidence float64 `json:"avg_good_confidence"`
	AvgBadConfidence  float64 `json:"avg_bad_confidence"`
}

// Summary is an immutable view of a run.
type Summary struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Stage       Stage                `json:"stage"`
	TestIndex   int                  `json:"test_index"`
	TestSize    int                  `json:"test_size"`
	Partial     bool                 `json:"partial"`
	Error       string               `json:"error,omitempty"`
	Capital     engine.Capital       `json:"capital"`
	Performance performance.Snapshot `json:"performance"`
	Portfolios  []PortfolioSummary   `json:"portfolios"`
	Trades      []ledger.Report      `json:"trades"`
}

// Summary builds the run summary from copies of the current state.
func (b *Backtester) Summary() Summary {
	b.mu.RLock()
	s := Summary{
		ID:        b.id.String(),
		Name:      b.cfg.Session.Name(),
		Stage:     b.stage,
		TestIndex: b.testIndex,
		TestSize:  b.testSize,
		Partial:   b.partial,
		Trades:    append([]ledger.Report(nil), b.trades...),
	}
	if b.err != nil {
		s.Error = b.err.Error()
	}
	latest := engine.LatestBars(b.frames)
	b.mu.RUnlock()

	s.Capital = b.cfg.Session.Capital()
	s.Performance = b.cfg.Session.Tracker().Snapshot()

	portfolios := b.cfg.Session.Portfolios()
	share := 0.0
	if len(portfolios) > 0 {
		share = s.Capital.Initial / float64(len(portfolios))
	}
	for sym, p := range portfolios {
		ps := PortfolioSummary{Symbol: sym, StrategyPL: p.RealizedPnL}
		if bar, ok := latest[sym]; ok {
			ps.HoldPL = p.HoldProfit(bar.Close, share)
		}
		var good, bad []ledger.Report
		for _, r := range s.Trades {
			if r.Symbol != sym || !r.IsSell() {
				continue
			}
			switch {
			case r.TradePL > 0:
				good = append(good, r)
			case r.TradePL < 0:
				bad = append(bad, r)
			}
		}
		ps.GoodSells, ps.BadSells = len(good), len(bad)
		ps.AvgGoodConfidence = performance.AverageConfidence(good)
		ps.AvgBadConfidence = performance.AverageConfidence(bad)
		s.Portfolios = append(s.Portfolios, ps)
	}
	sort.Slice(s.Portfolios, func(i, j int) bool { return s.Portfolios[i].Symbol < s.Portfolios[j].Symbol })
	return s
}
