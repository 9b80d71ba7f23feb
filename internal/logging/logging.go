// Package logging constructs the structured zerolog logger shared by the
// server and client, following the teacher's
// internal/single/monitoring/logger.go: JSON output by default, an optional
// human-readable console writer, and a level set on each logger (the
// zerolog global level is left untouched).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the logger's output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures a logger.
type Config struct {
	Level     string // debug, info, warn, error, fatal
	Format    Format
	Component string // e.g. "server", "client"
}

// New builds a zerolog.Logger from cfg. Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Component != "" {
		logger = logger.Str("component", cfg.Component)
	}
	return logger.Logger()
}
