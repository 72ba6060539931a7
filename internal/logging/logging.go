// Package logging builds the relay's structured logger and the panic-guard
// helper every long-lived goroutine wraps itself in.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger for the given level/format pair, tagged with
// the service name so multi-service log aggregation (Loki, etc.) can filter
// on it.
func New(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).With().Timestamp().Str("service", "tweet-provider").Logger()
}

// RecoverPanic is deferred first (so it runs last) in every goroutine that
// must outlive a single request/connection. It logs the panic and lets the
// goroutine unwind instead of taking the whole process down.
func RecoverPanic(logger zerolog.Logger, component string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("component", component).
			Interface("panic", r).
			Str("stack", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
