// Package util holds small process-wide helpers shared by the binaries and engine packages.
package util

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds a timestamped zerolog logger writing to w (stdout when nil).
// Unknown levels fall back to info.
func NewLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stdout
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// Component returns a child logger tagged with the component and, when set, the strategy name.
func Component(log zerolog.Logger, component, strategy string) zerolog.Logger {
	ctx := log.With().Str("component", component)
	if strategy != "" {
		ctx = ctx.Str("strategy", strategy)
	}
	return ctx.Logger()
}
