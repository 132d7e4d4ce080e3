package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// inMemoryTracing installs an in-memory span exporter so tests can inspect
// what was recorded.
func inMemoryTracing(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider, exporter
}

func TestCorrelationID(t *testing.T) {
	t.Run("no span", func(t *testing.T) {
		if got := CorrelationID(context.Background()); got != "" {
			t.Errorf("CorrelationID without a span = %q, want empty", got)
		}
	})

	t.Run("active span", func(t *testing.T) {
		provider, _ := inMemoryTracing(t)
		ctx, span := provider.Tracer("test").Start(context.Background(), "memory.retrieve")
		defer span.End()

		cid := CorrelationID(ctx)
		if len(cid) != 32 {
			t.Fatalf("correlation ID %q has length %d, want 32", cid, len(cid))
		}
		if strings.Trim(cid, "0123456789abcdef") != "" {
			t.Errorf("correlation ID %q is not lowercase hex", cid)
		}
	})

	t.Run("unique per span", func(t *testing.T) {
		provider, _ := inMemoryTracing(t)
		tracer := provider.Tracer("test")

		seen := make(map[string]struct{}, 100)
		for range 100 {
			ctx, span := tracer.Start(context.Background(), "memory.condense")
			cid := CorrelationID(ctx)
			span.End()
			if _, dup := seen[cid]; dup {
				t.Fatalf("duplicate correlation ID %s", cid)
			}
			seen[cid] = struct{}{}
		}
	})
}

func TestStartSpan(t *testing.T) {
	provider, exporter := inMemoryTracing(t)

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "session.turn")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan returned a context without a trace ID")
	}
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if got := spans[0].Name; got != "session.turn" {
		t.Errorf("span name = %q, want %q", got, "session.turn")
	}
}

func TestLogger(t *testing.T) {
	captureLog := func(t *testing.T) *bytes.Buffer {
		t.Helper()
		var buf bytes.Buffer
		prev := slog.Default()
		slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
		t.Cleanup(func() { slog.SetDefault(prev) })
		return &buf
	}

	t.Run("inside span", func(t *testing.T) {
		provider, _ := inMemoryTracing(t)
		buf := captureLog(t)

		ctx, span := provider.Tracer("test").Start(context.Background(), "knowledge.query")
		defer span.End()

		Logger(ctx).Info("queried knowledge store")

		out := buf.String()
		for _, attr := range []string{"trace_id=", "span_id="} {
			if !strings.Contains(out, attr) {
				t.Errorf("log line missing %s: %s", attr, out)
			}
		}
	})

	t.Run("outside span", func(t *testing.T) {
		buf := captureLog(t)

		Logger(context.Background()).Info("no span here")

		if out := buf.String(); strings.Contains(out, "trace_id") {
			t.Errorf("log line should not carry trace_id: %s", out)
		}
	})
}

func TestTracer(t *testing.T) {
	tr := Tracer()
	if tr == nil {
		t.Fatal("Tracer() returned nil")
	}
	var _ trace.Tracer = tr
}
