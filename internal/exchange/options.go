package exchange

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradebot-go/internal/market"
)

const (
	defaultQuoteInterval  = 500 * time.Millisecond
	defaultBinanceRESTURL = "https://api.binance.com"
	defaultBinanceWSURL   = "wss://stream.binance.com:9443"
)

type settings struct {
	log           zerolog.Logger
	quoteInterval time.Duration
	restURL       string
	wsURL         string
	client        *http.Client
	fixed         map[string]market.Series
	halfSpread    float64
}

// Option configures a Source.
type Option func(*settings)

func defaults() settings {
	return settings{
		log:           zerolog.Nop(),
		quoteInterval: defaultQuoteInterval,
		restURL:       defaultBinanceRESTURL,
		wsURL:         defaultBinanceWSURL,
		client:        &http.Client{Timeout: 10 * time.Second},
		fixed:         map[string]market.Series{},
		halfSpread:    0.01,
	}
}

func apply(opts []Option) settings {
	s := defaults()
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets the source logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithQuoteInterval overrides the synthetic quote cadence.
func WithQuoteInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.quoteInterval = d
		}
	}
}

// WithBinanceURLs points the Binance source at alternate REST and websocket hosts.
func WithBinanceURLs(restURL, wsURL string) Option {
	return func(s *settings) {
		if restURL != "" {
			s.restURL = strings.TrimSuffix(restURL, "/")
		}
		if wsURL != "" {
			s.wsURL = strings.TrimSuffix(wsURL, "/")
		}
	}
}

// WithHTTPClient injects the REST client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) {
		if c != nil {
			s.client = c
		}
	}
}

// WithBars makes the synthetic source serve a fixed series for symbol instead of generating one.
func WithBars(symbol string, bars market.Series) Option {
	return func(s *settings) { s.fixed[symbol] = bars }
}

// WithHalfSpread sets the distance of synthetic bid and ask from the close.
func WithHalfSpread(v float64) Option {
	return func(s *settings) {
		if v >= 0 {
			s.halfSpread = v
		}
	}
}
