// Package logger provides the scheduler's process-wide structured logger.
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger. Init must run before any component
// logs.
var Log zerolog.Logger

type ctxKey struct{}

// Init configures the global logger. In dev mode it writes a
// human-readable console stream; otherwise it writes newline-delimited
// JSON suitable for log aggregation.
func Init(serviceName string, dev bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var out zerolog.Logger
	if dev {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	} else {
		out = zerolog.New(os.Stdout)
	}

	Log = out.With().Timestamp().Str("service", serviceName).Logger()
}

// WithContext attaches a derived logger (e.g. with a job_id field) to ctx.
func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger attached to ctx, or the global logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return log
	}
	return Log
}

// ForJob returns a logger with a job_id field set, the shape every
// lifecycle transition logs through.
func ForJob(jobID string) zerolog.Logger {
	return Log.With().Str("job_id", jobID).Logger()
}
