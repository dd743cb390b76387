// Package observability provides the warehouse's structured logging,
// Prometheus metrics and alerting surfaces (spec.md §4.8).
package observability

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NewLogger builds the root zerolog.Logger for the process. With pretty set
// it renders with zerolog's console writer; otherwise output stays
// newline-delimited JSON.
func NewLogger(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out = os.Stderr
	if pretty {
		writer := zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		return zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// NewTraceID mints a request-scoped trace id, attached to every log line
// and echoed back in the X-Trace-Id response header.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTrace returns a logger sub-scoped to one trace id.
func WithTrace(log zerolog.Logger, traceID string) zerolog.Logger {
	return log.With().Str("trace_id", traceID).Logger()
}
