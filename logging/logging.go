// Package logging configures the process-wide zerolog base logger.
// Components derive child loggers with a component field; event handlers
// additionally attach the event's correlation id so every record produced
// while handling an event can be tied back to it.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns the base logger. level is one of debug/info/warn/error;
// format is "json" or "pretty".
func New(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if format == "pretty" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component derives a child logger tagged with the component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// WithCorrelation derives a child logger carrying an event correlation id.
func WithCorrelation(base zerolog.Logger, id string) zerolog.Logger {
	return base.With().Str("correlation_id", id).Logger()
}
