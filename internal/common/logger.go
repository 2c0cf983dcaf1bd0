package common

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts a configured level name into a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%w: log level %q", ErrInvalidConfig, level)
}

// NewLogger builds a logger writing to w in the given format.
func NewLogger(w io.Writer, level slog.Level, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "", "console":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalidConfig, format)
	}

	return slog.New(handler), nil
}

// SetupLogger configures the global logger with appropriate settings.
func SetupLogger(level, format string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	logger, err := NewLogger(os.Stderr, lvl, format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}
