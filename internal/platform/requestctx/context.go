// Package requestctx carries per-request values (logger, trace and checkout attempt) across
// middleware, handlers and services without importing the HTTP layer.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type (
	loggerKey  struct{}
	traceKey   struct{}
	attemptKey struct{}
)

const maxAttemptIDLength = 128

var noopLogger = zap.NewNop()

// TraceInfo is the trace metadata resolved for an inbound request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Valid reports whether the trace identifiers are populated.
func (t TraceInfo) Valid() bool {
	return t.TraceID != "" && t.SpanID != ""
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// WithLogger returns a context carrying logger. A nil logger stores the shared noop logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(orBackground(ctx), loggerKey{}, logger)
}

// Logger returns the request logger, or the noop logger when none was stored.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return noopLogger
}

// NoopLogger is the logger returned when the context has none.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(orBackground(ctx), traceKey{}, info)
}

// Trace returns the trace metadata stored on ctx.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

// TraceID returns the trace identifier or an empty string.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithAttemptID records the client supplied checkout attempt id (the idempotency key).
// Blank ids leave ctx unchanged; overly long ids are truncated.
func WithAttemptID(ctx context.Context, id string) context.Context {
	ctx = orBackground(ctx)
	if id == "" {
		return ctx
	}
	if len(id) > maxAttemptIDLength {
		id = id[:maxAttemptIDLength]
	}
	return context.WithValue(ctx, attemptKey{}, id)
}

// AttemptID returns the checkout attempt id stored on ctx.
func AttemptID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(attemptKey{}).(string)
	return id
}
