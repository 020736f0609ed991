package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("tracing should be disabled by default")
	}
	if cfg.ServiceName != "peercam" {
		t.Errorf("expected service name 'peercam', got '%s'", cfg.ServiceName)
	}
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestTraceNegotiation(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceNegotiation(context.Background(), "offer", "sess-1", "viewer_a", "camera_b")
	if TraceIDFromContext(ctx) == "" {
		t.Error("expected a trace id in context")
	}
	RecordError(ctx, errors.New("set remote description"))
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "negotiation.offer" {
		t.Errorf("unexpected span name %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", s.Status().Code)
	}

	attrs := map[attribute.Key]string{}
	for _, kv := range s.Attributes() {
		attrs[kv.Key] = kv.Value.AsString()
	}
	if attrs[PeerIDKey] != "viewer_a" || attrs[RemoteIDKey] != "camera_b" || attrs[StepKey] != "offer" || attrs[SessionIDKey] != "sess-1" {
		t.Errorf("unexpected attributes: %v", attrs)
	}
}

func TestTraceHTTPRequest(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/sessions")
	MeasureDuration(ctx, time.Now(), "list_sessions")
	span.End()

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "http.GET" {
		t.Fatalf("unexpected spans: %v", spans)
	}
}

func TestTraceIDFromContextWithoutSpan(t *testing.T) {
	if id := TraceIDFromContext(context.Background()); id != "" {
		t.Errorf("expected empty trace id, got %q", id)
	}
}
