package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/userbar/internal/config"
	"github.com/pitabwire/userbar/model"
)

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level   string
		enabled zapcore.Level
		muted   zapcore.Level
	}{
		{"debug", zapcore.DebugLevel, zapcore.InvalidLevel},
		{"info", zapcore.InfoLevel, zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"error", zapcore.ErrorLevel, zapcore.WarnLevel},
		{"verbose", zapcore.InfoLevel, zapcore.DebugLevel},
		{"", zapcore.InfoLevel, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger(%q) error = %v", tt.level, err)
			}
			defer func() { _ = logger.Sync() }()

			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("%v disabled", tt.enabled)
			}
			if tt.muted != zapcore.InvalidLevel && logger.Core().Enabled(tt.muted) {
				t.Errorf("%v enabled", tt.muted)
			}
		})
	}
}

func TestLoggerFrom(t *testing.T) {
	fallback := zap.NewNop()
	if LoggerFrom(context.Background(), fallback) != fallback {
		t.Error("empty context did not yield fallback")
	}

	scoped := zap.NewExample()
	if LoggerFrom(WithLogger(context.Background(), scoped), fallback) != scoped {
		t.Error("stored logger not returned")
	}
}

func TestRequestLogger_tagsCaller(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{
		Identity:      "7",
		CorrelationID: "corr-7",
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
	})

	RequestLogger(ctx, zap.New(core)).Info("user data served")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	for k, want := range map[string]string{
		"identity":       "7",
		"correlation_id": "corr-7",
		"trace_id":       "4bf92f3577b34da6a3ce929d0e0e4736",
	} {
		if fields[k] != want {
			t.Errorf("%s = %v, want %q", k, fields[k], want)
		}
	}
}

func TestRequestLogger_usesStoredLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := WithLogger(context.Background(), zap.New(core).With(zap.String("route", "/ui/userbar")))
	ctx = model.WithRequestContext(ctx, &model.RequestContext{Identity: "7"})

	RequestLogger(ctx, zap.NewNop()).Info("panel rendered")

	if logs.Len() != 1 {
		t.Fatalf("stored logger not used, entries = %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["route"] != "/ui/userbar" || fields["identity"] != "7" {
		t.Errorf("fields = %v", fields)
	}
	if _, ok := fields["trace_id"]; ok {
		t.Error("trace_id logged without a trace")
	}
}

func TestRequestLogger_anonymous(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	RequestLogger(context.Background(), zap.New(core)).Info("no caller")
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{CorrelationID: "corr-1"})
	RequestLogger(ctx, zap.New(core)).Info("unauthenticated")

	for _, e := range logs.All() {
		if _, ok := e.ContextMap()["identity"]; ok {
			t.Errorf("%q carries an identity field", e.Message)
		}
	}
	if got := logs.FilterField(zap.String("correlation_id", "corr-1")).Len(); got != 1 {
		t.Errorf("correlation-tagged entries = %d, want 1", got)
	}
}

func TestRedactEvent(t *testing.T) {
	payload := map[string]any{
		"identity":    "42",
		"event_token": "s3cret",
		"source":      map[string]any{"plugin": "crm", "token": "nested"},
		"changes": []any{
			map[string]any{"field": "email", "password": "hunter2"},
			"display_name",
		},
	}

	got := RedactEvent(payload)

	if got["identity"] != "42" {
		t.Errorf("identity = %v", got["identity"])
	}
	if got["event_token"] != Redacted {
		t.Errorf("event_token = %v, want %s", got["event_token"], Redacted)
	}
	source := got["source"].(map[string]any)
	if source["token"] != Redacted || source["plugin"] != "crm" {
		t.Errorf("source = %v", source)
	}
	changes := got["changes"].([]any)
	if first := changes[0].(map[string]any); first["password"] != Redacted || first["field"] != "email" {
		t.Errorf("changes[0] = %v", first)
	}
	if changes[1] != "display_name" {
		t.Errorf("changes[1] = %v", changes[1])
	}

	if payload["event_token"] != "s3cret" || payload["source"].(map[string]any)["token"] != "nested" {
		t.Error("payload mutated")
	}
	if RedactEvent(nil) != nil {
		t.Error("RedactEvent(nil) != nil")
	}
}
