package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradebot-go/internal/config"
	"tradebot-go/internal/controller"
	"tradebot-go/internal/httpapi"
	"tradebot-go/internal/metrics"
	"tradebot-go/internal/util"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	_ = godotenv.Load()

	path := os.Getenv("TRADEBOT_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		boot := util.NewLogger("info", nil)
		boot.Fatal().Err(err).Str("path", path).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel, nil)

	metricsSrv := metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctrl, err := controller.New(ctx, controller.Options{Config: cfg, Logger: log, Resume: true})
	if err != nil {
		log.Fatal().Err(err).Msg("build controller")
	}

	srv := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           httpapi.NewEngine(ctrl, cfg.App.Env, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	}()
	log.Info().Str("addr", cfg.App.HTTPAddr).Strs("strategies", ctrl.Names()).Msg("control api up")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := ctrl.Close(); err != nil {
		log.Error().Err(err).Msg("close controller")
	}
}
