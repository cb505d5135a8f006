// Package logging configures zerolog for the pipeline and hands out
// component-tagged sub-loggers. All components log through these so that
// every line carries a component name and, inside the worker, the attempt
// id currently being executed.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger. When stdout is a terminal the output
// is human-readable; otherwise JSON.
func Init(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// Component returns a logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// WithAttempt returns a copy of l tagged with the attempt being executed.
func WithAttempt(l zerolog.Logger, attemptID int64) zerolog.Logger {
	return l.With().Int64("attempt_id", attemptID).Logger()
}
