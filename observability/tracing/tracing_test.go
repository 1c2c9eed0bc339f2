package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/GoCodeAlone/testrunner/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*RunTracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewRunTracer(tp.Tracer("test")), exporter
}

func attr(attrs []attribute.KeyValue, key attribute.Key) string {
	for _, a := range attrs {
		if a.Key == key {
			return a.Value.AsString()
		}
	}
	return ""
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("tracing should be disabled by default")
	}
	if cfg.ServiceName != "testrunner" {
		t.Errorf("service name = %q", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("sample rate = %v", cfg.SampleRate)
	}
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Tracer() == nil {
		t.Fatal("expected a tracer")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestStartPhaseAttributes(t *testing.T) {
	rt, exporter := newTestTracer(t)
	run := &store.TestRun{ID: uuid.New(), EnvironmentID: uuid.New(), TestType: store.TestTypeMFTF}

	ctx, span := rt.StartPhase(context.Background(), run, "execute")
	_, child := rt.StartExecution(ctx, run, "mftf")
	End(child, nil)
	End(span, errors.New("boom"))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	exec, phase := spans[0], spans[1]
	if phase.Name != "run.phase.execute" {
		t.Errorf("phase span name = %q", phase.Name)
	}
	if got := attr(phase.Attributes, AttrRunID); got != run.ID.String() {
		t.Errorf("run id attribute = %q", got)
	}
	if got := attr(phase.Attributes, AttrPhase); got != "execute" {
		t.Errorf("phase attribute = %q", got)
	}
	if phase.Status.Code != codes.Error {
		t.Errorf("phase status = %v, want error", phase.Status.Code)
	}
	if exec.Parent.SpanID() != phase.SpanContext.SpanID() {
		t.Error("execution span should be a child of the phase span")
	}
	if exec.Status.Code != codes.Ok {
		t.Errorf("execution status = %v, want ok", exec.Status.Code)
	}
}

func TestNilRunTracerUsesGlobal(t *testing.T) {
	var rt *RunTracer
	_, span := rt.StartSweep(context.Background(), "watchdog")
	End(span, nil)
	_, span = rt.StartCronJob(context.Background(), uuid.NewString(), "reindex")
	End(span, nil)
}
