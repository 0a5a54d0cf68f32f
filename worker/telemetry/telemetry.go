// Package telemetry records task metrics and spans with OpenTelemetry.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"sceneForge/worker/models"
)

const instrumentationName = "sceneforge/worker"

// Setup installs global tracer and meter providers. With stdout unset the global no-op
// providers are left in place and the returned shutdown does nothing.
func Setup(ctx context.Context, stdout bool) (func(context.Context) error, error) {
	if !stdout {
		return func(context.Context) error { return nil }, nil
	}

	traceExporter, err := stdouttrace.New()
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(time.Minute))),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Metrics observes task changes and counts them by kind.
type Metrics struct {
	tracer    trace.Tracer
	submitted metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewMetrics builds instruments from the given providers. Nil providers fall back to
// the global ones.
func NewMetrics(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)

	submitted, err := meter.Int64Counter("tasks_submitted",
		metric.WithDescription("Tasks accepted for execution"))
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("tasks_completed",
		metric.WithDescription("Tasks that finished successfully"))
	if err != nil {
		return nil, err
	}
	failed, err := meter.Int64Counter("tasks_failed",
		metric.WithDescription("Tasks that finished with an error"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("task_duration_seconds",
		metric.WithDescription("Time from start to terminal status"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		tracer:    tp.Tracer(instrumentationName),
		submitted: submitted,
		completed: completed,
		failed:    failed,
		duration:  duration,
	}, nil
}

// TaskChanged records a snapshot taken right after a store mutation.
func (m *Metrics) TaskChanged(ctx context.Context, t *models.Task) error {
	attrs := metric.WithAttributes(attribute.String("kind", string(t.Kind)))

	switch t.Status {
	case models.StatusPending:
		m.submitted.Add(ctx, 1, attrs)
	case models.StatusCompleted:
		m.completed.Add(ctx, 1, attrs)
		m.recordDuration(ctx, t, attrs)
	case models.StatusFailed:
		m.failed.Add(ctx, 1, attrs)
		m.recordDuration(ctx, t, attrs)
	}
	return nil
}

func (m *Metrics) recordDuration(ctx context.Context, t *models.Task, attrs metric.MeasurementOption) {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return
	}
	m.duration.Record(ctx, t.FinishedAt.Sub(*t.StartedAt).Seconds(), attrs)
}

// StartRun opens the span covering one job execution.
func (m *Metrics) StartRun(ctx context.Context, t *models.Task) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "task."+string(t.Kind),
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.kind", string(t.Kind)),
		),
	)
}

// EndRun closes span with the outcome of the job.
func EndRun(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
