// Package analysis profiles a strategy's symbols over a historical window: return
// distribution, run lengths, momentum and the hours of day that tend to close higher.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"tradebot-go/internal/exchange"
	"tradebot-go/internal/market"
	"tradebot-go/internal/util"
)

// Stage is the analyzer lifecycle phase.
type Stage string

const (
	StageInactive Stage = "inactive"
	StageData     Stage = "data"
	StageAnalysis Stage = "analysis"
	StageComplete Stage = "complete"
)

const (
	rsiPeriod          = 14
	defaultExtremesPct = 0.37
)

// Config controls the analysed window.
type Config struct {
	Duration    time.Duration
	End         time.Time
	UseCache    bool
	ExtremesPct float64
	// Dir, when set, persists results as JSON and reloads them on construction.
	Dir string
}

// SymbolStats summarises one symbol.
type SymbolStats struct {
	Symbol              string          `json:"symbol"`
	Bars                int             `json:"bars"`
	MeanReturn          float64         `json:"mean_return"`
	StdReturn           float64         `json:"std_return"`
	PositiveExtremesAvg float64         `json:"positive_extremes_avg"`
	NegativeExtremesAvg float64         `json:"negative_extremes_avg"`
	LongestUpRun        int             `json:"longest_up_run"`
	LongestDownRun      int             `json:"longest_down_run"`
	RSI                 float64         `json:"rsi"`
	HourProfitPct       map[int]float64 `json:"hour_profit_pct"`
	LowVolMarker        float64         `json:"low_vol_marker"`
	HighVolMarker       float64         `json:"high_vol_marker"`
	VeryHighVolMarker   float64         `json:"very_high_vol_marker"`
}

// Analysis is the result for one strategy.
type Analysis struct {
	Name      string                 `json:"name"`
	Frequency time.Duration          `json:"frequency"`
	Duration  time.Duration          `json:"duration"`
	Symbols   []string               `json:"analyzed_symbols"`
	Data      map[string]SymbolStats `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
}

func (a Analysis) clone() Analysis {
	out := a
	out.Symbols = append([]string(nil), a.Symbols...)
	out.Data = make(map[string]SymbolStats, len(a.Data))
	for sym, st := range a.Data {
		cp := st
		cp.HourProfitPct = make(map[int]float64, len(st.HourProfitPct))
		for h, v := range st.HourProfitPct {
			cp.HourProfitPct[h] = v
		}
		out.Data[sym] = cp
	}
	return out
}

// Analyzer runs one analysis.
type Analyzer struct {
	name      string
	source    exchange.Source
	contracts []market.Contract
	frequency time.Duration
	cfg       Config
	log       zerolog.Logger

	mu     sync.RWMutex
	stage  Stage
	result Analysis
	err    error
}

// New builds an analyzer, loading a previously saved result for the same window when present.
func New(name string, source exchange.Source, contracts []market.Contract, frequency time.Duration, cfg Config, log zerolog.Logger) *Analyzer {
	if cfg.ExtremesPct <= 0 || cfg.ExtremesPct > 1 {
		cfg.ExtremesPct = defaultExtremesPct
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 7 * 24 * time.Hour
	}
	a := &Analyzer{
		name:      name,
		source:    source,
		contracts: append([]market.Contract(nil), contracts...),
		frequency: frequency,
		cfg:       cfg,
		log:       util.Component(log, "analysis", name),
		stage:     StageInactive,
		result:    Analysis{Name: name, Frequency: frequency, Duration: cfg.Duration, Data: map[string]SymbolStats{}},
	}
	if cfg.Dir != "" {
		prev, err := Load(a.Path())
		switch {
		case err == nil:
			a.result = prev
			a.log.Info().Msg("loaded previous analysis")
		case !errors.Is(err, os.ErrNotExist):
			a.log.Warn().Err(err).Msg("could not read previous analysis")
		}
	}
	return a
}

// Path is the JSON file the analyzer persists to.
func (a *Analyzer) Path() string {
	return filepath.Join(a.cfg.Dir, fmt.Sprintf("%ds_%s_analysis_%s.json", int(a.frequency.Seconds()), a.cfg.Duration, a.name))
}

// Stage returns the lifecycle phase.
func (a *Analyzer) Stage() Stage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stage
}

func (a *Analyzer) setStage(s Stage) {
	a.mu.Lock()
	a.stage = s
	a.mu.Unlock()
}

// Run fetches the window and analyses every symbol.
func (a *Analyzer) Run(ctx context.Context) (Analysis, error) {
	a.setStage(StageData)
	end := a.cfg.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	bars, err := a.source.HistoricalBars(ctx, exchange.HistoryRequest{
		Contracts: a.contracts,
		BarSize:   a.frequency,
		Duration:  a.cfg.Duration,
		End:       end,
		UseCache:  a.cfg.UseCache,
	})
	if err != nil {
		err = fmt.Errorf("analysis data: %w", err)
		a.finish(err)
		return a.Snapshot(), err
	}

	a.setStage(StageAnalysis)
	result := Analysis{
		Name:      a.name,
		Frequency: a.frequency,
		Duration:  a.cfg.Duration,
		Data:      make(map[string]SymbolStats, len(bars)),
		CreatedAt: time.Now().UTC(),
	}
	for sym, series := range bars {
		if len(series) == 0 {
			continue
		}
		result.Data[sym] = Analyze(sym, market.NewFrame(sym, series).Bars, a.cfg.ExtremesPct)
		result.Symbols = append(result.Symbols, sym)
	}
	sort.Strings(result.Symbols)

	a.mu.Lock()
	a.result = result
	a.mu.Unlock()
	if a.cfg.Dir != "" {
		if err := Save(a.Path(), result); err != nil {
			a.log.Warn().Err(err).Msg("persist analysis failed")
		}
	}
	a.finish(nil)
	a.log.Info().Int("symbols", len(result.Symbols)).Msg("analysis complete")
	return a.Snapshot(), nil
}

func (a *Analyzer) finish(err error) {
	a.mu.Lock()
	a.stage = StageComplete
	a.err = err
	a.mu.Unlock()
}

// Snapshot returns a copy of the latest result.
func (a *Analyzer) Snapshot() Analysis {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.result.clone()
}

// Err returns the last run's error.
func (a *Analyzer) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// Analyze computes the statistics of one ordered series.
func Analyze(symbol string, bars market.Series, extremesPct float64) SymbolStats {
	st := SymbolStats{Symbol: symbol, Bars: len(bars), HourProfitPct: map[int]float64{}}
	if len(bars) < 2 {
		return st
	}
	closes := bars.Closes()
	returns := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			returns[i-1] = (closes[i] - closes[i-1]) / closes[i-1]
		}
	}
	n := len(returns)
	if n >= 2 {
		st.MeanReturn = finite(talib.Sma(returns, n))
		st.StdReturn = finite(talib.StdDev(returns, n, 1))
	} else {
		st.MeanReturn = returns[0]
	}
	if len(closes) > rsiPeriod {
		st.RSI = finite(talib.Rsi(closes, rsiPeriod))
	}
	st.LongestUpRun, st.LongestDownRun = runs(returns)
	st.PositiveExtremesAvg, st.NegativeExtremesAvg = extremes(returns, extremesPct)

	up, total := map[int]int{}, map[int]int{}
	for _, b := range bars {
		h := b.Time.UTC().Hour()
		total[h]++
		if b.Close > b.Open {
			up[h]++
		}
	}
	for h, c := range total {
		st.HourProfitPct[h] = float64(up[h]) / float64(c)
	}

	vols := append([]float64(nil), bars.Volumes()...)
	sort.Float64s(vols)
	st.LowVolMarker = quantile(vols, 0.25)
	st.HighVolMarker = quantile(vols, 0.75)
	st.VeryHighVolMarker = quantile(vols, 0.95)
	return st
}

func runs(returns []float64) (longestUp, longestDown int) {
	up, down := 0, 0
	for _, r := range returns {
		switch {
		case r > 0:
			up, down = up+1, 0
		case r < 0:
			up, down = 0, down+1
		default:
			up, down = 0, 0
		}
		longestUp = max(longestUp, up)
		longestDown = max(longestDown, down)
	}
	return longestUp, longestDown
}

// extremes averages the largest pct share of gains and of losses.
func extremes(returns []float64, pct float64) (pos, neg float64) {
	var gains, losses []float64
	for _, r := range returns {
		switch {
		case r > 0:
			gains = append(gains, r)
		case r < 0:
			losses = append(losses, r)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(gains)))
	sort.Float64s(losses)
	return topMean(gains, pct), topMean(losses, pct)
}

func topMean(xs []float64, pct float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	k := max(1, int(math.Ceil(pct*float64(len(xs)))))
	sum := 0.0
	for _, v := range xs[:k] {
		sum += v
	}
	return sum / float64(k)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(math.Round(q*float64(len(sorted)-1)))]
}

func finite(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	v := xs[len(xs)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Save writes an analysis as indented JSON.
func Save(path string, a Analysis) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads an analysis written by Save.
func Load(path string) (Analysis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Analysis{}, err
	}
	var a Analysis
	if err := json.Unmarshal(data, &a); err != nil {
		return Analysis{}, fmt.Errorf("%s: %w", path, err)
	}
	if a.Data == nil {
		a.Data = map[string]SymbolStats{}
	}
	return a, nil
}
