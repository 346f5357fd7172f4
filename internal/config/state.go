package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradebot-go/internal/market"
	"tradebot-go/internal/portfolio"
	"tradebot-go/internal/strategy"
)

// ErrStateLoad marks a missing or unreadable state snapshot. Callers log it and continue with
// an empty state.
var ErrStateLoad = errors.New("load strategy state")

// Duration is a time.Duration written as text ("90m", "7d") in the state snapshot.
type Duration time.Duration

// ParseDuration accepts time.ParseDuration syntax plus a whole-day "Nd" form.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return Duration(time.Duration(n) * 24 * time.Hour), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(d), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string {
	td := time.Duration(d)
	if td > 0 && td%(24*time.Hour) == 0 {
		return fmt.Sprintf("%dd", td/(24*time.Hour))
	}
	return td.String()
}

// MarshalJSON writes the duration as text.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts text or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string or seconds: %w", err)
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// TradeConfig holds a strategy's cadence and windows.
type TradeConfig struct {
	Frequency        Duration `json:"trade_frequency"`
	StopLossPct      float64  `json:"stop_loss_pct"`
	AnalysisDuration Duration `json:"recent_data_duration,omitempty"`
	TrainDuration    Duration `json:"train_duration,omitempty"`
	TestDuration     Duration `json:"test_duration,omitempty"`
}

// AnalysisConfig tunes request_analysis runs.
type AnalysisConfig struct {
	Duration    Duration `json:"duration,omitempty"`
	UseCache    bool     `json:"use_cached"`
	ExtremesPct float64  `json:"extremes_pct,omitempty"`
}

// StrategyParams are the predictor knobs persisted per strategy.
type StrategyParams struct {
	DefaultThreshold   float64            `json:"default_threshold,omitempty"`
	Thresholds         map[string]float64 `json:"thresholds,omitempty"`
	MinHoldBars        int                `json:"min_hold_bars,omitempty"`
	Cutoff             *strategy.Cutoff   `json:"session_cutoff,omitempty"`
	MomentumThreshold  float64            `json:"momentum_threshold,omitempty"`
	MomentumWindow     int                `json:"momentum_window,omitempty"`
	MomentumMinVolume  float64            `json:"momentum_min_volume,omitempty"`
	ImbalanceThreshold float64            `json:"imbalance_threshold,omitempty"`
	ImbalanceWindow    int                `json:"imbalance_window,omitempty"`
	EMAFast            int                `json:"ema_fast,omitempty"`
	EMASlow            int                `json:"ema_slow,omitempty"`
	RSIPeriod          int                `json:"rsi_period,omitempty"`
	StaticConfidence   float64            `json:"static_confidence,omitempty"`
}

// StrategyInfo is the persisted configuration and state of one strategy.
type StrategyInfo struct {
	Name             string                         `json:"name"`
	Kind             string                         `json:"kind"`
	Active           bool                           `json:"active"`
	StartDate        string                         `json:"start_date,omitempty"`
	InitialCapital   float64                        `json:"initial_capital"`
	AvailableCapital float64                        `json:"available_capital"`
	Equity           float64                        `json:"equity"`
	Contracts        []market.Contract              `json:"contracts"`
	Portfolios       map[string]portfolio.Portfolio `json:"portfolios"`
	Trade            TradeConfig                    `json:"trade_config"`
	Analysis         AnalysisConfig                 `json:"analysis_config"`
	Params           StrategyParams                 `json:"params"`
}

// Fresh returns a copy with trading state reset to the initial capital and empty portfolios,
// the starting point of a backtest or analysis.
func (s StrategyInfo) Fresh() StrategyInfo {
	out := s
	out.Active = false
	out.StartDate = ""
	out.AvailableCapital = s.InitialCapital
	out.Equity = s.InitialCapital
	out.Portfolios = map[string]portfolio.Portfolio{}
	out.Contracts = append([]market.Contract(nil), s.Contracts...)
	return out
}

// State is the JSON snapshot persisted between runs.
type State struct {
	Strategies map[string]StrategyInfo `json:"strategies"`
}

// Names lists strategies in a stable order.
func (s State) Names() []string {
	out := make([]string, 0, len(s.Strategies))
	for name := range s.Strategies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadState reads the snapshot at path. A missing or corrupt file yields an empty state and an
// error wrapping ErrStateLoad, which is logged here; the returned state is always usable.
func LoadState(path string, log zerolog.Logger) (State, error) {
	empty := State{Strategies: map[string]StrategyInfo{}}
	data, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStateLoad, err)
		log.Warn().Err(err).Str("path", path).Msg("starting with empty strategy state")
		return empty, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrStateLoad, path, err)
		log.Warn().Err(err).Msg("starting with empty strategy state")
		return empty, err
	}
	if st.Strategies == nil {
		st.Strategies = map[string]StrategyInfo{}
	}
	for name, info := range st.Strategies {
		info.Name = name
		if info.Portfolios == nil {
			info.Portfolios = map[string]portfolio.Portfolio{}
		}
		st.Strategies[name] = info
	}
	return st, nil
}

// SaveState rewrites the snapshot atomically through a temp file and rename.
func SaveState(path string, st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
