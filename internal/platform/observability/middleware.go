package observability

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/eventfield/api/internal/platform/httpx"
	"github.com/eventfield/api/internal/platform/requestctx"
)

const (
	defaultIdempotencyHeader = "Idempotency-Key"
	webhookRoutePrefix       = "/webhooks/payments/"
	meterName                = "eventfield/http"
	completedMessage         = "request completed"
)

// InjectLoggerMiddleware makes logger the base for every request logger downstream.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

type RequestLogOption func(*requestLogConfig)

type requestLogConfig struct {
	attemptHeader string
	meter         metric.Meter
}

// WithIdempotencyHeader names the header carrying the checkout attempt id.
func WithIdempotencyHeader(name string) RequestLogOption {
	return func(cfg *requestLogConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.attemptHeader = name
		}
	}
}

func WithRequestMeter(m metric.Meter) RequestLogOption {
	return func(cfg *requestLogConfig) { cfg.meter = m }
}

// RequestLoggerMiddleware scopes a logger to the request and writes one completion entry with
// status, latency and size. Query strings are never logged: ePayco confirmations carry
// signatures there.
func RequestLoggerMiddleware(opts ...RequestLogOption) func(http.Handler) http.Handler {
	cfg := requestLogConfig{attemptHeader: defaultIdempotencyHeader}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(meterName)
	}
	hist, err := cfg.meter.Float64Histogram("http.server.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of checkout and webhook requests"),
	)
	if err != nil {
		hist = nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestctx.WithAttemptID(r.Context(), r.Header.Get(cfg.attemptHeader))
			logger := requestLogger(ctx, r)
			ctx = requestctx.WithLogger(ctx, logger)
			r = r.WithContext(ctx)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			completed := false
			defer func() {
				c := completion{
					route:   routePattern(r),
					gateway: gatewayFromPath(r.URL.Path),
					status:  effectiveStatus(ww.Status(), !completed),
					latency: time.Since(start),
					bytes:   ww.BytesWritten(),
				}
				annotateSpan(trace.SpanFromContext(ctx), c)
				c.record(ctx, hist)
				c.log(logger, !completed)
			}()

			next.ServeHTTP(ww, r)
			completed = true
		})
	}
}

// requestLogger attaches the request identity fields used by every later log line.
func requestLogger(ctx context.Context, r *http.Request) *zap.Logger {
	info, _ := requestctx.Trace(ctx)
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(ctx)),
		zap.String("method", SanitizeMethod(r.Method)),
		zap.String("path", SanitizeRoute(r.URL.Path)),
		zap.String("trace_id", info.TraceID),
	}
	if info.ProjectID != "" && info.TraceID != "" {
		fields = append(fields, zap.String("logging.googleapis.com/trace", "projects/"+info.ProjectID+"/traces/"+info.TraceID))
	}
	if ip := clientIP(r); ip != "" {
		fields = append(fields, zap.String("remote_ip", ip))
	}
	if attempt := requestctx.AttemptID(ctx); attempt != "" {
		fields = append(fields, zap.String("attempt_id", sanitizeString(attempt, 128)))
	}
	return requestctx.Logger(ctx).With(fields...)
}

// A panicking handler may have written a 2xx header already; it is still reported as a 500.
func effectiveStatus(written int, panicked bool) int {
	status := written
	if status == 0 {
		status = http.StatusOK
	}
	if panicked && status < http.StatusInternalServerError {
		status = http.StatusInternalServerError
	}
	return status
}

type completion struct {
	route   string
	gateway string
	status  int
	latency time.Duration
	bytes   int
}

func (c completion) log(logger *zap.Logger, panicked bool) {
	fields := []zap.Field{
		zap.String("route", SanitizeRoute(c.route)),
		zap.Int("status", c.status),
		zap.Duration("latency", c.latency),
		zap.Int("bytes", c.bytes),
	}
	if c.gateway != "" {
		fields = append(fields, zap.String("gateway", c.gateway))
	}
	switch {
	case panicked || c.status >= http.StatusInternalServerError:
		logger.Error(completedMessage, fields...)
	case c.status >= http.StatusBadRequest:
		logger.Warn(completedMessage, fields...)
	default:
		logger.Info(completedMessage, fields...)
	}
}

func (c completion) record(ctx context.Context, hist metric.Float64Histogram) {
	if hist == nil {
		return
	}
	attrs := []attribute.KeyValue{
		semconv.HTTPRoute(SanitizeRoute(c.route)),
		semconv.HTTPResponseStatusCode(c.status),
	}
	if c.gateway != "" {
		attrs = append(attrs, attribute.String("payment.gateway", c.gateway))
	}
	hist.Record(ctx, c.latency.Seconds(), metric.WithAttributes(attrs...))
}

func annotateSpan(span trace.Span, c completion) {
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(c.status), semconv.HTTPRoute(SanitizeRoute(c.route)))
	if c.status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(c.status))
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RecoveryMiddleware turns panics into a 500 error envelope. http.ErrAbortHandler is re-raised
// so net/http can abort the connection.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				switch rec {
				case nil:
					return
				case http.ErrAbortHandler:
					panic(rec)
				}
				logger := requestctx.Logger(r.Context())
				if logger == requestctx.NoopLogger() && fallback != nil {
					logger = fallback
				}
				logger.Error("panic recovered", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
				httpx.WriteError(r.Context(), w, httpx.NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if r.URL.Path != "" {
		return r.URL.Path
	}
	return "/"
}

// gatewayFromPath returns the provider segment of a payment webhook path, lower-cased.
func gatewayFromPath(path string) string {
	_, rest, ok := strings.Cut(path, webhookRoutePrefix)
	if !ok {
		return ""
	}
	rest, _, _ = strings.Cut(rest, "/")
	return sanitizeString(strings.ToLower(rest), 32)
}

// clientIP reads RemoteAddr, which the router has already rewritten when a trusted proxy forwarded it.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitizeString(addr, 64)
}
