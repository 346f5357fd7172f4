// Package config exposes strongly typed application configuration loaded from YAML with
// TRADEBOT_* environment overrides, plus the persisted per-strategy state snapshot.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"tradebot-go/internal/broker"
	"tradebot-go/internal/execution"
	"tradebot-go/internal/market"
	"tradebot-go/internal/risk"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRADEBOT_"

// App captures process-wide runtime settings such as name, environment, listen addresses and log level.
type App struct {
	Name        string `yaml:"name" env:"NAME"`
	Env         string `yaml:"env" env:"ENV"`
	HTTPAddr    string `yaml:"http_addr" env:"HTTP_ADDR"`
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
}

// Market selects and tunes the market data source.
type Market struct {
	Provider      string        `yaml:"provider" env:"PROVIDER"`
	RESTURL       string        `yaml:"rest_url" env:"REST_URL"`
	WSURL         string        `yaml:"ws_url" env:"WS_URL"`
	UseCache      bool          `yaml:"use_cache" env:"USE_CACHE"`
	FetchWorkers  int           `yaml:"fetch_workers" env:"FETCH_WORKERS"`
	Window        int           `yaml:"window"`
	QuoteInterval time.Duration `yaml:"quote_interval"`
}

// Execution configures the live order gateway and its polling bound.
type Execution struct {
	Venue       string        `yaml:"venue" env:"VENUE"`
	FillAfter   int           `yaml:"fill_after_polls"`
	Initial     time.Duration `yaml:"poll_initial"`
	Max         time.Duration `yaml:"poll_max"`
	Multiplier  float64       `yaml:"poll_multiplier"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	Timeout     time.Duration `yaml:"fill_timeout" env:"FILL_TIMEOUT"`
}

// Backoff converts the polling settings; zero fields take gateway defaults.
func (e Execution) Backoff() execution.Backoff {
	return execution.Backoff{
		Initial:     e.Initial,
		Max:         e.Max,
		Multiplier:  e.Multiplier,
		MaxAttempts: e.MaxAttempts,
		Timeout:     e.Timeout,
	}
}

// FeeChoice picks a preset by name or supplies a named custom schedule.
type FeeChoice struct {
	Preset string             `yaml:"preset"`
	Custom broker.FeeSchedule `yaml:"custom,omitempty"`
}

func (f FeeChoice) resolve() (broker.FeeSchedule, bool, error) {
	if f.Custom.Name != "" {
		if err := f.Custom.Validate(); err != nil {
			return broker.FeeSchedule{}, false, err
		}
		return f.Custom, true, nil
	}
	if f.Preset == "" {
		return broker.FeeSchedule{}, false, nil
	}
	s, ok := broker.Preset(f.Preset)
	if !ok {
		return broker.FeeSchedule{}, false, fmt.Errorf("unknown fee preset %q (known: %v)", f.Preset, broker.PresetNames())
	}
	return s, true, nil
}

// Fees maps instrument kinds to fee schedules.
type Fees struct {
	Stock  FeeChoice `yaml:"stock"`
	Crypto FeeChoice `yaml:"crypto"`
	Forex  FeeChoice `yaml:"forex"`
}

// Schedules resolves every configured kind over the defaults.
func (f Fees) Schedules() (map[market.Kind]broker.FeeSchedule, error) {
	out := broker.DefaultSchedules()
	for kind, choice := range map[market.Kind]FeeChoice{market.Stock: f.Stock, market.Crypto: f.Crypto, market.Forex: f.Forex} {
		s, ok, err := choice.resolve()
		if err != nil {
			return nil, fmt.Errorf("fees.%s: %w", kind, err)
		}
		if ok {
			out[kind] = s
		}
	}
	return out, nil
}

// Risk encodes capital floors and the per-trade cap.
type Risk struct {
	MinAvailableCapital float64 `yaml:"min_available_capital"`
	MinTradeCapital     float64 `yaml:"min_trade_capital"`
	MaxNotionalPerTrade float64 `yaml:"max_notional_per_trade" env:"MAX_NOTIONAL_PER_TRADE"`
}

// Limits converts to risk limits, defaulting zero floors.
func (r Risk) Limits() risk.Limits {
	l := risk.DefaultLimits()
	if r.MinAvailableCapital > 0 {
		l.MinAvailableCapital = r.MinAvailableCapital
	}
	if r.MinTradeCapital > 0 {
		l.MinTradeCapital = r.MinTradeCapital
	}
	l.MaxNotionalPerTrade = r.MaxNotionalPerTrade
	return l
}

// Storage locates every file the service writes.
type Storage struct {
	StatePath   string `yaml:"state_path" env:"STATE"`
	LedgerDir   string `yaml:"ledger_dir" env:"LEDGER_DIR"`
	BarsDir     string `yaml:"bars_dir"`
	CacheDir    string `yaml:"cache_dir"`
	AnalysesDir string `yaml:"analyses_dir"`
	FillsPath   string `yaml:"fills_path"`
}

// Backtest sizes replay windows.
type Backtest struct {
	TrainDuration time.Duration `yaml:"train_duration"`
	TestDuration  time.Duration `yaml:"test_duration" env:"BACKTEST_TEST_DURATION"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app" envPrefix:"APP_"`
	Market    Market    `yaml:"market" envPrefix:"MARKET_"`
	Execution Execution `yaml:"execution" envPrefix:"EXECUTION_"`
	Fees      Fees      `yaml:"fees"`
	Risk      Risk      `yaml:"risk" envPrefix:"RISK_"`
	Storage   Storage   `yaml:"storage"`
	Backtest  Backtest  `yaml:"backtest"`
}

// Default returns a configuration that runs offline against synthetic data.
func Default() Config {
	return Config{
		App:    App{Name: "tradebot", Env: "dev", HTTPAddr: ":8080", MetricsAddr: ":9102", LogLevel: "info"},
		Market: Market{Provider: "synthetic", FetchWorkers: 4, Window: market.DefaultWindow, QuoteInterval: 500 * time.Millisecond},
		Execution: Execution{
			Venue:       "paper",
			Initial:     250 * time.Millisecond,
			Max:         5 * time.Second,
			Multiplier:  2,
			MaxAttempts: 40,
			Timeout:     2 * time.Minute,
		},
		Fees: Fees{Stock: FeeChoice{Preset: "ibkr-tiered"}, Crypto: FeeChoice{Preset: "robinhood"}, Forex: FeeChoice{Preset: "forex"}},
		Storage: Storage{
			StatePath:   "config/state.json",
			LedgerDir:   "data/transactions",
			BarsDir:     "data/bars",
			CacheDir:    "data/cache",
			AnalysesDir: "config/analyses",
		},
		Backtest: Backtest{TrainDuration: 7 * 24 * time.Hour, TestDuration: 5 * 24 * time.Hour},
	}
}

// Load reads a YAML file over the defaults, then applies TRADEBOT_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and otherwise starts from Default plus environment.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
	}
	cfg := Default()
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// ApplyEnv overlays TRADEBOT_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Fees.Schedules(); err != nil {
		errs = append(errs, err)
	}
	if c.Market.FetchWorkers < 0 {
		errs = append(errs, fmt.Errorf("market.fetch_workers must not be negative"))
	}
	if c.Backtest.TestDuration < 0 || c.Backtest.TrainDuration < 0 {
		errs = append(errs, fmt.Errorf("backtest durations must not be negative"))
	}
	return errors.Join(errs...)
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
