// Package engine runs the decision and execution cycle shared by live trading and backtests,
// so both paths make identical decisions and fills.
package engine

import (
	"context"
	"errors"
	"maps"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradebot-go/internal/broker"
	"tradebot-go/internal/ledger"
	"tradebot-go/internal/market"
	"tradebot-go/internal/metrics"
	"tradebot-go/internal/performance"
	"tradebot-go/internal/portfolio"
	"tradebot-go/internal/strategy"
)

// Capital holds a strategy's money figures.
type Capital struct {
	Initial   float64 `json:"initial_capital"`
	Available float64 `json:"available_capital"`
	Equity    float64 `json:"equity"`
}

// Config wires a Session.
type Config struct {
	Name        string
	Mode        string
	Strategy    strategy.Strategy
	Broker      *broker.Broker
	Tracker     *performance.Tracker
	Sink        ledger.Sink
	Observers   []ledger.Observer
	Contracts   []market.Contract
	Capital     Capital
	Portfolios  map[string]portfolio.Portfolio
	StopLossPct float64
	Frequency   time.Duration
	Logger      zerolog.Logger
}

// Session owns one strategy's portfolios, capital and broker. Cycle, Execute and Liquidate must be
// called from a single goroutine; Snapshot may be called from anywhere.
type Session struct {
	name        string
	mode        string
	strat       strategy.Strategy
	broker      *broker.Broker
	tracker     *performance.Tracker
	sink        ledger.Sink
	observers   []ledger.Observer
	contracts   []market.Contract
	stopLossPct float64
	frequency   time.Duration
	log         zerolog.Logger

	mu         sync.RWMutex
	portfolios map[string]*portfolio.Portfolio
	capital    Capital
}

// New builds a session, restoring any persisted portfolios.
func New(cfg Config) *Session {
	if cfg.Broker == nil {
		cfg.Broker = broker.New(broker.WithLogger(cfg.Logger))
	}
	if cfg.Tracker == nil {
		cfg.Tracker = performance.New(cfg.Capital.Initial)
	}
	if cfg.Mode == "" {
		cfg.Mode = "live"
	}
	if cfg.Capital.Available == 0 && cfg.Capital.Equity == 0 {
		cfg.Capital.Available = cfg.Capital.Initial
		cfg.Capital.Equity = cfg.Capital.Initial
	}
	s := &Session{
		name:        cfg.Name,
		mode:        cfg.Mode,
		strat:       cfg.Strategy,
		broker:      cfg.Broker,
		tracker:     cfg.Tracker,
		sink:        cfg.Sink,
		observers:   cfg.Observers,
		contracts:   append([]market.Contract(nil), cfg.Contracts...),
		stopLossPct: cfg.StopLossPct,
		frequency:   cfg.Frequency,
		log:         cfg.Logger,
		portfolios:  make(map[string]*portfolio.Portfolio, len(cfg.Portfolios)),
		capital:     cfg.Capital,
	}
	for sym, p := range cfg.Portfolios {
		cp := p
		s.portfolios[sym] = &cp
	}
	return s
}

// Name returns the strategy name.
func (s *Session) Name() string { return s.name }

// Strategy returns the decision pipeline.
func (s *Session) Strategy() strategy.Strategy { return s.strat }

// Contracts returns the traded contracts.
func (s *Session) Contracts() []market.Contract {
	return append([]market.Contract(nil), s.contracts...)
}

// Tracker returns the performance tracker.
func (s *Session) Tracker() *performance.Tracker { return s.tracker }

// Broker returns the session's broker.
func (s *Session) Broker() *broker.Broker { return s.broker }

// AnchorPortfolios creates a portfolio per contract and re-anchors the hold baseline of flat
// portfolios at the given closes. Open positions are kept.
func (s *Session) AnchorPortfolios(closes map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, px := range closes {
		p, ok := s.portfolios[sym]
		if !ok {
			s.portfolios[sym] = portfolio.New(sym, px, s.stopLossPct)
			continue
		}
		if !p.HasPosition {
			p.HoldStartPrice = px
		}
	}
}

// SetHoldStart re-anchors every portfolio's buy-and-hold baseline with an equal capital split.
func (s *Session) SetHoldStart(closes map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(closes) == 0 {
		return
	}
	share := s.capital.Available / float64(len(closes))
	for sym, px := range closes {
		p, ok := s.portfolios[sym]
		if !ok {
			p = portfolio.New(sym, px, s.stopLossPct)
			s.portfolios[sym] = p
		}
		p.SetHoldStart(px, share)
	}
}

// SetCapital resets initial capital; available capital moves by the same delta.
func (s *Session) SetCapital(initial float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := initial - s.capital.Initial
	s.capital.Initial = initial
	s.capital.Available += delta
	s.capital.Equity += delta
}

// Capital returns the current capital figures.
func (s *Session) Capital() Capital {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capital
}

// Portfolios returns value copies of every portfolio.
func (s *Session) Portfolios() map[string]portfolio.Portfolio {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.portfoliosLocked()
}

func (s *Session) portfoliosLocked() map[string]portfolio.Portfolio {
	out := make(map[string]portfolio.Portfolio, len(s.portfolios))
	for sym, p := range s.portfolios {
		out[sym] = *p
	}
	return out
}

// View builds the read-only state the strategy decides against.
func (s *Session) View(now time.Time) strategy.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strategy.View{
		Now:        now,
		Available:  s.capital.Available,
		Contracts:  append([]market.Contract(nil), s.contracts...),
		Portfolios: s.portfoliosLocked(),
	}
}

// Result is the outcome of one cycle.
type Result struct {
	Plan    strategy.Plan
	Reports []ledger.Report
	Latest  map[string]market.Bar
}

// Cycle advances hold counters, decides, executes sells then buys and updates the tracker.
// Per-symbol execution failures are logged and returned joined; the cycle still completes.
func (s *Session) Cycle(ctx context.Context, now time.Time, frames map[string]*market.Frame, simulated bool) (Result, error) {
	s.mu.Lock()
	for _, p := range s.portfolios {
		p.Tick()
	}
	s.mu.Unlock()

	plan, err := s.strat.DetermineNextMove(s.View(now), frames)
	if err != nil {
		return Result{}, err
	}
	reports, execErr := s.Execute(ctx, plan, frames, simulated)
	latest := LatestBars(frames)
	s.tracker.Update(s.Portfolios(), reports, latest, plan.Signals)

	metrics.CyclesTotal.WithLabelValues(s.name, s.mode).Inc()
	metrics.Equity.WithLabelValues(s.name).Set(s.Capital().Equity)
	return Result{Plan: plan, Reports: reports, Latest: latest}, execErr
}

// Execute runs every sell before any buy so sells free capital first.
func (s *Session) Execute(ctx context.Context, plan strategy.Plan, frames map[string]*market.Frame, simulated bool) ([]ledger.Report, error) {
	var reports []ledger.Report
	var errs []error

	for _, d := range plan.Sells() {
		bar, ok := frames[d.Symbol()].Last()
		if !ok {
			errs = append(errs, s.failed(d, broker.MarketSell, broker.ErrDataUnavailable))
			continue
		}
		tx, err := s.broker.AttemptSell(ctx, d, bar, simulated)
		if err != nil || !tx.Succeeded {
			errs = append(errs, s.failed(d, broker.MarketSell, err))
			continue
		}
		reports = append(reports, s.apply(tx, frames))
	}

	for _, d := range plan.Buys() {
		bar, ok := frames[d.Symbol()].Last()
		if !ok {
			errs = append(errs, s.failed(d, broker.MarketBuy, broker.ErrDataUnavailable))
			continue
		}
		tx, err := s.broker.AttemptBuy(ctx, d, s.Capital().Available, bar, simulated)
		if err != nil || !tx.Succeeded {
			if errors.Is(err, broker.ErrInsufficientCapital) {
				metrics.TransactionsTotal.WithLabelValues(s.name, string(broker.MarketBuy), "skipped").Inc()
				continue
			}
			errs = append(errs, s.failed(d, broker.MarketBuy, err))
			continue
		}
		reports = append(reports, s.apply(tx, frames))
	}
	return reports, errors.Join(errs...)
}

func (s *Session) failed(d strategy.Decision, typ broker.TxType, err error) error {
	if err == nil {
		err = broker.ErrOrderRejected
	}
	metrics.TransactionsTotal.WithLabelValues(s.name, string(typ), "failed").Inc()
	s.log.Warn().Err(err).Str("sym", d.Symbol()).Str("type", string(typ)).Msg("transaction failed")
	return err
}

// apply mutates the portfolio, builds the report, updates capital and records it.
func (s *Session) apply(tx broker.Transaction, frames map[string]*market.Frame) ledger.Report {
	s.mu.Lock()
	p, ok := s.portfolios[tx.Symbol]
	if !ok {
		p = portfolio.New(tx.Symbol, tx.Price, s.stopLossPct)
		s.portfolios[tx.Symbol] = p
	}

	report := ledger.Report{Transaction: tx}
	switch tx.Type {
	case broker.MarketBuy:
		p.Purchased(tx.Price, tx.Quantity, tx.Time, tx.Confidence)
		s.capital.Available -= tx.Quantity * tx.Price
		report.PurchaseDate = p.PurchaseDate
	case broker.MarketSell:
		held := p.HoldDuration
		p.Sold(tx.Price, tx.Quantity)
		report.TradePL = tx.Quantity * (tx.Price - p.PurchasePrice)
		report.HoldLength = s.holdLength(p.PurchaseDate, tx.Time, held)
		report.PurchaseDate = p.PurchaseDate
		s.capital.Available += tx.Quantity * tx.Price
	}
	report.PortfolioPL = p.RealizedPnL
	for _, other := range s.portfolios {
		report.TotalPL += other.RealizedPnL
	}
	s.capital.Equity = s.equityLocked(frames)
	s.mu.Unlock()

	s.record(report)
	return report
}

func (s *Session) record(report ledger.Report) {
	metrics.TransactionsTotal.WithLabelValues(s.name, string(report.Type), "filled").Inc()
	metrics.FeesTotal.WithLabelValues(s.name).Add(report.Fee)
	if s.sink != nil {
		if err := s.sink.Append(report); err != nil {
			s.log.Error().Err(err).Str("sym", report.Symbol).Msg("ledger append failed")
		}
	}
	for _, o := range s.observers {
		o.Notify(report)
	}
}

func (s *Session) holdLength(bought, sold time.Time, ticks int) int {
	if s.frequency <= 0 || bought.IsZero() || sold.Before(bought) {
		return ticks
	}
	return int(math.Floor(float64(sold.Sub(bought)) / float64(s.frequency)))
}

// equityLocked is available capital plus every held quantity at its latest close.
func (s *Session) equityLocked(frames map[string]*market.Frame) float64 {
	equity := s.capital.Available
	for sym, p := range s.portfolios {
		if !p.HasPosition {
			continue
		}
		px := p.PurchasePrice
		if bar, ok := frames[sym].Last(); ok {
			px = bar.Close
		}
		equity += p.MarketValue(px)
	}
	return equity
}

// Liquidate closes every open position at its latest close without fees and records the reports.
func (s *Session) Liquidate(frames map[string]*market.Frame, reason string) []ledger.Report {
	s.mu.RLock()
	var open []string
	for sym, p := range s.portfolios {
		if p.HasPosition {
			open = append(open, sym)
		}
	}
	s.mu.RUnlock()
	sort.Strings(open)

	var reports []ledger.Report
	for _, sym := range open {
		bar, ok := frames[sym].Last()
		if !ok {
			s.log.Warn().Str("sym", sym).Msg("no bar to liquidate against")
			continue
		}
		s.mu.RLock()
		p := *s.portfolios[sym]
		s.mu.RUnlock()
		tx := broker.Transaction{
			Succeeded:  true,
			Type:       broker.MarketSell,
			Price:      bar.Close,
			Quantity:   p.Quantity,
			Symbol:     sym,
			Confidence: p.Confidence,
			Reason:     reason,
			Time:       bar.Time,
		}
		reports = append(reports, s.apply(tx, frames))
	}
	return reports
}

// State is an immutable snapshot of a session.
type State struct {
	Name       string                         `json:"name"`
	Kind       string                         `json:"kind"`
	Capital    Capital                        `json:"capital"`
	Portfolios map[string]portfolio.Portfolio `json:"portfolios"`
	Volumes    broker.Volumes                 `json:"volumes"`
}

// Snapshot returns copies of the session state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kind := ""
	if s.strat != nil {
		kind = s.strat.Kind()
	}
	return State{
		Name:       s.name,
		Kind:       kind,
		Capital:    s.capital,
		Portfolios: s.portfoliosLocked(),
		Volumes:    s.broker.Volumes(),
	}
}

// LatestBars returns the newest bar of every non-empty frame.
func LatestBars(frames map[string]*market.Frame) map[string]market.Bar {
	out := make(map[string]market.Bar, len(frames))
	for sym, f := range frames {
		if bar, ok := f.Last(); ok {
			out[sym] = bar
		}
	}
	return out
}

// Closes returns the newest close of every non-empty frame.
func Closes(frames map[string]*market.Frame) map[string]float64 {
	latest := LatestBars(frames)
	out := make(map[string]float64, len(latest))
	for sym, bar := range latest {
		out[sym] = bar.Close
	}
	return out
}

// CloneFrames deep-copies a frame map.
func CloneFrames(frames map[string]*market.Frame) map[string]*market.Frame {
	out := maps.Clone(frames)
	for sym, f := range out {
		if f != nil {
			out[sym] = f.Clone()
		}
	}
	return out
}
