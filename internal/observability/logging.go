package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/userbar/internal/config"
	"github.com/pitabwire/userbar/model"
)

// Redacted replaces secret values in logged event payloads.
const Redacted = "[REDACTED]"

// secretKeys are event payload keys whose values never reach the log.
var secretKeys = map[string]struct{}{
	"event_token":   {},
	"token":         {},
	"authorization": {},
	"password":      {},
}

type loggerKey struct{}

// NewLogger builds the service's JSON logger. An unknown level falls back
// to info.
//
// Levels: error for failed identity lookups and 5xx responses, warn for
// 4xx responses and degraded paths such as cache or enrichment failures,
// info for requests, invalidations and lifecycle, debug for cache hits and
// event payloads.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	zc.InitialFields = map[string]any{"service": "userbar"}
	return zc.Build()
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the request-scoped logger in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger tags the logger in ctx with the caller's identity and the
// correlation and trace IDs. Anonymous requests carry no identity field.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 3)
	if rctx.Identity != "" {
		fields = append(fields, zap.String("identity", string(rctx.Identity)))
	}
	if rctx.CorrelationID != "" {
		fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

// RedactEvent returns a copy of a host event payload that is safe to log at
// debug level. Secret keys are masked at any depth, including inside lists.
func RedactEvent(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if _, secret := secretKeys[k]; secret {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return RedactEvent(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	}
	return v
}
