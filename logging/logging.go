// Package logging builds the slog loggers used by the binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config selects level, output format and destination. Stdout may carry the
// video stream, so the default writer is stderr.
type Config struct {
	Level  string
	Format string
	Writer io.Writer
}

func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch Format(strings.ToLower(strings.TrimSpace(c.Format))) {
	case FormatText, FormatJSON, "":
		return nil
	}
	return fmt.Errorf("logging: unknown format %q", c.Format)
}

func New(cfg Config) *slog.Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	switch Format(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts))
	default:
		return slog.New(slog.NewTextHandler(w, opts))
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", level)
}

// WithComponent tags l with a component name.
func WithComponent(l *slog.Logger, component string) *slog.Logger {
	if l == nil {
		return nil
	}
	return l.With("component", component)
}
