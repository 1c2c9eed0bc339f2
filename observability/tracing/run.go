package tracing

import (
	"context"

	"github.com/GoCodeAlone/testrunner/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys set on run spans.
const (
	AttrRunID         = attribute.Key("testrunner.run.id")
	AttrEnvironmentID = attribute.Key("testrunner.environment.id")
	AttrTestType      = attribute.Key("testrunner.test_type")
	AttrPhase         = attribute.Key("testrunner.phase")
	AttrExecutor      = attribute.Key("testrunner.executor")
	AttrCronJobID     = attribute.Key("testrunner.cronjob.id")
)

// RunTracer creates spans around pipeline phases and suite executions.
// A nil *RunTracer is valid and uses the global provider.
type RunTracer struct {
	tracer trace.Tracer
}

// NewRunTracer creates a RunTracer. If tracer is nil, the global tracer
// provider is used.
func NewRunTracer(tracer trace.Tracer) *RunTracer {
	if tracer == nil {
		tracer = otel.GetTracerProvider().Tracer("testrunner")
	}
	return &RunTracer{tracer: tracer}
}

func (t *RunTracer) get() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.GetTracerProvider().Tracer("testrunner")
	}
	return t.tracer
}

func runAttrs(run *store.TestRun) []attribute.KeyValue {
	if run == nil {
		return nil
	}
	return []attribute.KeyValue{
		AttrRunID.String(run.ID.String()),
		AttrEnvironmentID.String(run.EnvironmentID.String()),
		AttrTestType.String(string(run.TestType)),
	}
}

// StartPhase begins a consumer span for one pipeline phase of run.
func (t *RunTracer) StartPhase(ctx context.Context, run *store.TestRun, phase string) (context.Context, trace.Span) {
	attrs := append(runAttrs(run), AttrPhase.String(phase))
	return t.get().Start(ctx, "run.phase."+phase,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrs...),
	)
}

// StartExecution begins a child span for one suite executor.
func (t *RunTracer) StartExecution(ctx context.Context, run *store.TestRun, executor string) (context.Context, trace.Span) {
	attrs := append(runAttrs(run), AttrExecutor.String(executor))
	return t.get().Start(ctx, "run.execute."+executor,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartCronJob begins a span for one cron job invocation.
func (t *RunTracer) StartCronJob(ctx context.Context, jobID, name string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "cronjob.run",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(AttrCronJobID.String(jobID), attribute.String("testrunner.cronjob.name", name)),
	)
}

// StartSweep begins a span for a background sweep such as the watchdog.
func (t *RunTracer) StartSweep(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.get().Start(ctx, "sweep."+name, trace.WithSpanKind(trace.SpanKindInternal))
}

// End records err on span, if any, sets the status and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
