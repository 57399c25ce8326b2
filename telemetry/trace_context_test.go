package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// setupTestTracer creates a test tracer with an in-memory span recorder
func setupTestTracer(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	return recorder, tp.Tracer("test-tracer")
}

// TestGetTraceContext tests extracting trace context from a span
func TestGetTraceContext(t *testing.T) {
	_, tracer := setupTestTracer(t)

	t.Run("returns empty context when ctx is nil", func(t *testing.T) {
		tc := GetTraceContext(nil)
		if tc.TraceID != "" || tc.SpanID != "" || tc.Sampled {
			t.Errorf("Expected zero TraceContext, got %+v", tc)
		}
	})

	t.Run("returns empty context when no span in context", func(t *testing.T) {
		tc := GetTraceContext(context.Background())
		if tc.TraceID != "" || tc.SpanID != "" {
			t.Errorf("Expected zero TraceContext, got %+v", tc)
		}
	})

	t.Run("extracts trace context from active span", func(t *testing.T) {
		ctx, span := tracer.Start(context.Background(), "test-operation")
		defer span.End()

		tc := GetTraceContext(ctx)
		if len(tc.TraceID) != 32 {
			t.Errorf("Expected 32-char TraceID, got %d chars: %s", len(tc.TraceID), tc.TraceID)
		}
		if len(tc.SpanID) != 16 {
			t.Errorf("Expected 16-char SpanID, got %d chars: %s", len(tc.SpanID), tc.SpanID)
		}
		if !tc.Sampled {
			t.Error("Expected Sampled to be true for recorded span")
		}
	})
}

// TestHasTraceContext tests span presence detection
func TestHasTraceContext(t *testing.T) {
	_, tracer := setupTestTracer(t)

	if HasTraceContext(nil) {
		t.Error("HasTraceContext(nil) = true, want false")
	}
	if HasTraceContext(context.Background()) {
		t.Error("HasTraceContext(background) = true, want false")
	}

	ctx, span := tracer.Start(context.Background(), "op")
	defer span.End()
	if !HasTraceContext(ctx) {
		t.Error("HasTraceContext with active span = false, want true")
	}
}

// TestAddSpanEvent tests event recording on spans
func TestAddSpanEvent(t *testing.T) {
	recorder, tracer := setupTestTracer(t)

	// Safe with no span
	AddSpanEvent(context.Background(), "ignored")
	AddSpanEvent(nil, "ignored")

	ctx, span := tracer.Start(context.Background(), "run")
	AddSpanEvent(ctx, "node_started", attribute.String("node_id", "n1"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 recorded span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "node_started" {
		t.Fatalf("expected node_started event, got %+v", events)
	}
}

// TestRecordSpanError tests error capture and status
func TestRecordSpanError(t *testing.T) {
	recorder, tracer := setupTestTracer(t)

	// Safe with nil inputs
	RecordSpanError(nil, errors.New("ignored"))
	RecordSpanError(context.Background(), nil)

	ctx, span := tracer.Start(context.Background(), "run")
	RecordSpanError(ctx, errors.New("capability failed"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 recorded span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected exception event on span")
	}
}

// TestSetSpanAttributes tests attribute propagation
func TestSetSpanAttributes(t *testing.T) {
	recorder, tracer := setupTestTracer(t)

	ctx, span := tracer.Start(context.Background(), "run")
	SetSpanAttributes(ctx,
		attribute.String("template_id", "a1b2c3"),
		attribute.Int("node_count", 4),
	)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 recorded span, got %d", len(spans))
	}

	found := false
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "template_id" && attr.Value.AsString() == "a1b2c3" {
			found = true
		}
	}
	if !found {
		t.Error("template_id attribute not recorded on span")
	}
}
