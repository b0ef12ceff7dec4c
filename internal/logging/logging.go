// Package logging centralizes zerolog setup for the streaming core.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a base logger for the given format ("json" or "pretty") and
// level ("debug", "info", "warn", "error"). Every component derives its own
// child logger from this via For.
func New(format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var writer = os.Stdout
	logger := zerolog.New(writer).With().Timestamp().Logger()
	if format == "pretty" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// For returns a child logger tagged with the given component name, matching
// the per-component logger convention used throughout the pipeline.
func For(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
