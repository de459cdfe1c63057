package observability

import (
	"context"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/accredit/internal/config"
	"github.com/pitabwire/accredit/model"
)

// Context key for the logger.
type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: Infrastructure failures (DB down, unhandled panics), 5xx responses
//   - warn:  Client errors (4xx), degraded operation (circuit breaker open), slow queries
//   - info:  Request start/end, status transitions, decisions, webhook deliveries
//   - debug: Cache operations, provider retries, schema validation
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
// If no logger is in the context, the fallback is used.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("tenant_id", rctx.TenantID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	}

	// Include trace_id if present.
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}

	return logger.With(fields...)
}

// personalFields never leave the process unmasked: they are replaced in
// audit data and in debug logs of provider answers.
var personalFields = map[string]bool{
	"tax_id":        true,
	"email":         true,
	"phone":         true,
	"birthdate":     true,
	"license":       true,
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
}

// Masked replaces the value of a redacted field.
const Masked = "[redacted]"

// Redact returns a copy of data with personal fields and any extra field
// names masked. Nested maps and lists of maps are walked; data itself is
// left untouched.
func Redact(data map[string]any, extra ...string) map[string]any {
	if data == nil {
		return nil
	}
	masked := func(k string) bool {
		return personalFields[k] || slices.Contains(extra, k)
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if masked(k) {
			out[k] = Masked
			continue
		}
		out[k] = redactValue(v, extra)
	}
	return out
}

func redactValue(v any, extra []string) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t, extra...)
	case []any:
		list := make([]any, len(t))
		for i, item := range t {
			list[i] = redactValue(item, extra)
		}
		return list
	default:
		return v
	}
}
