package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tradebot-go/internal/backtest"
	"tradebot-go/internal/config"
	"tradebot-go/internal/controller"
	"tradebot-go/internal/util"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("TRADEBOT_CONFIG", "configs/config.yaml"), "application config")
	name := flag.String("strategy", "", "strategy to replay (all when empty)")
	out := flag.String("out", "", "write summaries as JSON to this file")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		boot := util.NewLogger("info", nil)
		boot.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel, nil)

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctrl, err := controller.New(ctx, controller.Options{Config: cfg, Logger: log})
	if err != nil {
		log.Fatal().Err(err).Msg("build controller")
	}

	names := ctrl.Names()
	if *name != "" {
		names = []string{*name}
	}
	if len(names) == 0 {
		log.Warn().Str("state", cfg.Storage.StatePath).Msg("no strategies configured")
		_ = ctrl.Close()
		return
	}

	summaries := make(map[string]backtest.Summary, len(names))
	failed := false
	for _, n := range names {
		sum, err := ctrl.RunBacktest(ctx, n)
		if err != nil {
			failed = true
			log.Error().Err(err).Str("strategy", n).Bool("partial", sum.Partial).Msg("backtest failed")
		}
		summaries[n] = sum
		log.Info().
			Str("strategy", n).
			Str("run", sum.ID).
			Int("trades", len(sum.Trades)).
			Float64("strategy_pl", sum.Performance.StrategyProfit).
			Float64("hold_pl", sum.Performance.HoldProfit).
			Float64("equity", sum.Capital.Equity).
			Msg("backtest summary")
	}

	if *out != "" {
		data, err := json.MarshalIndent(summaries, "", "  ")
		if err == nil {
			err = os.WriteFile(*out, data, 0o644)
		}
		if err != nil {
			log.Error().Err(err).Str("path", *out).Msg("write summaries")
			failed = true
		}
	}
	if err := ctrl.Close(); err != nil {
		log.Error().Err(err).Msg("close controller")
	}
	if failed {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
