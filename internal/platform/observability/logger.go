package observability

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eventfield/api/internal/platform/requestctx"
)

// cloudSeverity maps zap levels to Cloud Logging severity names.
var cloudSeverity = map[zapcore.Level]string{
	zapcore.DebugLevel:  "DEBUG",
	zapcore.InfoLevel:   "INFO",
	zapcore.WarnLevel:   "WARNING",
	zapcore.ErrorLevel:  "ERROR",
	zapcore.DPanicLevel: "CRITICAL",
	zapcore.PanicLevel:  "ALERT",
	zapcore.FatalLevel:  "EMERGENCY",
}

type loggerConfig struct {
	level zapcore.Level
	out   io.Writer
}

type LoggerOption func(*loggerConfig)

// WithLevel parses a zap level name; unknown names keep the current level.
func WithLevel(name string) LoggerOption {
	return func(cfg *loggerConfig) {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(name)))); err == nil && name != "" {
			cfg.level = level
		}
	}
}

// WithOutput replaces stdout, mostly for tests.
func WithOutput(w io.Writer) LoggerOption {
	return func(cfg *loggerConfig) {
		if w != nil {
			cfg.out = w
		}
	}
}

// NewLogger builds a JSON logger that Cloud Logging parses natively. The level defaults to
// LOG_LEVEL, then info.
func NewLogger(opts ...LoggerOption) (*zap.Logger, error) {
	cfg := loggerConfig{level: zapcore.InfoLevel, out: os.Stdout}
	WithLevel(os.Getenv("LOG_LEVEL"))(&cfg)
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	enc := zap.NewProductionEncoderConfig()
	enc.MessageKey = "message"
	enc.TimeKey = "timestamp"
	enc.LevelKey = "severity"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	enc.EncodeLevel = func(l zapcore.Level, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString(cloudSeverity[l])
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.Lock(zapcore.AddSync(cfg.out)), cfg.level)
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}

// WithLogger stores logger as the context's base logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

// EventLogger is the structured logging signature taken by services and gateway adapters.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// NewEventLogger adapts zap to EventLogger. The request logger on ctx wins so request and
// trace ids follow the event; fallback covers background work. Sensitive keys never reach the
// encoder.
func NewEventLogger(fallback *zap.Logger, component string) EventLogger {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = fallback
		}
		if component != "" {
			logger = logger.Named(component)
		}
		if ce := logger.Check(eventLevel(event), event); ce != nil {
			ce.Write(eventFields(event, fields)...)
		}
	}
}

// eventLevel promotes "*failed" and "*error" events to WARN.
func eventLevel(event string) zapcore.Level {
	if strings.HasSuffix(event, "failed") || strings.HasSuffix(event, "error") {
		return zapcore.WarnLevel
	}
	return zapcore.InfoLevel
}

// eventFields orders keys so identical events encode identically.
func eventFields(event string, fields map[string]any) []zap.Field {
	clean := RedactFields(fields)
	keys := make([]string, 0, len(clean))
	for key := range clean {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys)+1)
	out = append(out, zap.String("event", event))
	for _, key := range keys {
		out = append(out, zap.Any(key, clean[key]))
	}
	return out
}
