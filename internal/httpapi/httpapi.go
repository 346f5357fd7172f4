// Package httpapi serves the strategy control surface over HTTP with gin.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"tradebot-go/internal/analysis"
	"tradebot-go/internal/controller"
	"tradebot-go/internal/market"
)

// Control is the command and snapshot surface the handlers drive.
type Control interface {
	StartStrategy(name string) error
	StopStrategy(name string) error
	RequestBacktest(name string) (string, error)
	RequestAnalysis(name string) error
	SetCapital(name string, capital float64) error
	FetchState() map[string]controller.StrategyStatus
	FetchBars(name string, n int) (map[string][]market.Row, error)
	FetchBacktestBars(name string, n int) (map[string][]market.Row, error)
	FetchPerformance() map[string]controller.Performance
	FetchAnalyses() map[string]analysis.Analysis
	Heartbeat() controller.Heartbeat
	Quotes() map[string]market.Quote
	ToggleStreaming() bool
}

// defaultBars is the bar count served when the size query is absent.
const defaultBars = 100

// Handler binds a Control to gin routes.
type Handler struct {
	Control Control
	Log     zerolog.Logger
}

// NewEngine builds a gin engine with recovery, request logging and every route registered.
// Debug mode is used only when env is "dev".
func NewEngine(ctrl Control, env string, log zerolog.Logger) *gin.Engine {
	if strings.EqualFold(env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))
	h := &Handler{Control: ctrl, Log: log}
	h.Register(engine)
	return engine
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}

// Register mounts the routes.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api/v1")
	api.GET("/heartbeat", h.heartbeat)
	api.GET("/performance", h.performance)
	api.GET("/analyses", h.analyses)
	api.GET("/quotes", h.quotes)
	api.POST("/streaming/toggle", h.toggleStreaming)

	group := api.Group("/strategies")
	group.GET("", h.state)
	group.POST("/:name/start", h.start)
	group.POST("/:name/stop", h.stop)
	group.POST("/:name/backtest", h.backtest)
	group.GET("/:name/backtest/bars", h.backtestBars)
	group.POST("/:name/analysis", h.analysis)
	group.PUT("/:name/capital", h.capital)
	group.GET("/:name/bars", h.bars)
}

func (h *Handler) respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, controller.ErrUnknownStrategy):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, controller.ErrInvalidCapital):
		fail(c, http.StatusBadRequest, err.Error())
	default:
		h.Log.Error().Err(err).Str("path", c.FullPath()).Msg("control request failed")
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

func name(c *gin.Context) string { return strings.TrimSpace(c.Param("name")) }

func size(c *gin.Context) (int, bool) {
	raw := c.Query("size")
	if raw == "" {
		return defaultBars, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (h *Handler) heartbeat(c *gin.Context) { ok(c, h.Control.Heartbeat()) }

func (h *Handler) state(c *gin.Context) { ok(c, h.Control.FetchState()) }

func (h *Handler) performance(c *gin.Context) { ok(c, h.Control.FetchPerformance()) }

func (h *Handler) analyses(c *gin.Context) { ok(c, h.Control.FetchAnalyses()) }

func (h *Handler) quotes(c *gin.Context) { ok(c, h.Control.Quotes()) }

func (h *Handler) toggleStreaming(c *gin.Context) {
	ok(c, gin.H{"streaming": h.Control.ToggleStreaming()})
}

func (h *Handler) start(c *gin.Context) {
	if err := h.Control.StartStrategy(name(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	ok(c, gin.H{"name": name(c), "active": true})
}

func (h *Handler) stop(c *gin.Context) {
	if err := h.Control.StopStrategy(name(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	ok(c, gin.H{"name": name(c), "active": false})
}

func (h *Handler) backtest(c *gin.Context) {
	id, err := h.Control.RequestBacktest(name(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, apiResponse{Code: 0, Message: "accepted", Data: gin.H{"id": id}})
}

func (h *Handler) analysis(c *gin.Context) {
	if err := h.Control.RequestAnalysis(name(c)); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, apiResponse{Code: 0, Message: "accepted"})
}

type capitalRequest struct {
	Capital float64 `json:"capital" binding:"required"`
}

func (h *Handler) capital(c *gin.Context) {
	var req capitalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "capital required")
		return
	}
	if err := h.Control.SetCapital(name(c), req.Capital); err != nil {
		h.respondErr(c, err)
		return
	}
	ok(c, gin.H{"name": name(c), "capital": req.Capital})
}

func (h *Handler) bars(c *gin.Context) {
	n, valid := size(c)
	if !valid {
		fail(c, http.StatusBadRequest, "size must be a non-negative integer")
		return
	}
	rows, err := h.Control.FetchBars(name(c), n)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	ok(c, rows)
}

func (h *Handler) backtestBars(c *gin.Context) {
	n, valid := size(c)
	if !valid {
		fail(c, http.StatusBadRequest, "size must be a non-negative integer")
		return
	}
	rows, err := h.Control.FetchBacktestBars(name(c), n)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	ok(c, rows)
}
