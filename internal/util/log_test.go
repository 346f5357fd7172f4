package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger("debug", nil)
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}

	logger = NewLogger("invalid", nil)
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", logger.GetLevel())
	}

	logger = NewLogger("", nil)
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info for empty level, got %s", logger.GetLevel())
	}
}

func TestComponentTagsStrategy(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLogger("info", &buf), "trader", "momentum")
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"component":"trader"`) || !strings.Contains(out, `"strategy":"momentum"`) {
		t.Fatalf("missing tags in %s", out)
	}
}
