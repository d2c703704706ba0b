// Package logger provides structured logging using Go 1.21's log/slog.
// It sets up a JSON handler with service-level context and carries a
// correlation ID through context.Context so every log line emitted while
// processing one inbound signal can be tied back to it.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

type ctxKey string

const correlationIDKey ctxKey = "correlation_id"

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// WithCorrelationID stores a correlation ID in the context for downstream propagation.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID extracts the correlation ID from context. Returns "" if not set.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// NewCorrelationID derives a correlation ID from an external reference and
// receipt time. Format: "{ref}-{unixNano}".
func NewCorrelationID(ref string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", ref, ts.UnixNano())
}

// Attrs returns slog attributes including the correlation ID from context.
// Usage: slog.Info("msg", logger.Attrs(ctx)...)
func Attrs(ctx context.Context) []any {
	id := CorrelationID(ctx)
	if id == "" {
		return nil
	}
	return []any{slog.String("correlation_id", id)}
}
