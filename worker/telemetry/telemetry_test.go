package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"sceneForge/worker/models"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	m, err := NewMetrics(mp, tp)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	return m, reader, spans
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sum(t *testing.T, data metricdata.Aggregation) int64 {
	s, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("Expected int64 sum, got %T", data)
	}
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_TaskChanged(t *testing.T) {
	m, reader, _ := newTestMetrics(t)
	ctx := context.Background()

	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(3 * time.Second)

	tasks := []*models.Task{
		{ID: "images_1", Kind: models.KindImageBatch, Status: models.StatusPending},
		{ID: "images_1", Kind: models.KindImageBatch, Status: models.StatusRunning, StartedAt: &started},
		{ID: "images_1", Kind: models.KindImageBatch, Status: models.StatusCompleted, StartedAt: &started, FinishedAt: &finished},
		{ID: "video_1", Kind: models.KindVideoComposition, Status: models.StatusPending},
		{ID: "video_1", Kind: models.KindVideoComposition, Status: models.StatusFailed, StartedAt: &started, FinishedAt: &finished},
	}
	for _, task := range tasks {
		if err := m.TaskChanged(ctx, task); err != nil {
			t.Fatalf("TaskChanged failed: %v", err)
		}
	}

	data := collect(t, reader)
	if got := sum(t, data["tasks_submitted"]); got != 2 {
		t.Errorf("Expected 2 submitted, got %d", got)
	}
	if got := sum(t, data["tasks_completed"]); got != 1 {
		t.Errorf("Expected 1 completed, got %d", got)
	}
	if got := sum(t, data["tasks_failed"]); got != 1 {
		t.Errorf("Expected 1 failed, got %d", got)
	}

	hist, ok := data["task_duration_seconds"].(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("Expected float64 histogram, got %T", data["task_duration_seconds"])
	}
	var count uint64
	var total float64
	for _, dp := range hist.DataPoints {
		count += dp.Count
		total += dp.Sum
	}
	if count != 2 || total != 6 {
		t.Errorf("Expected 2 durations summing to 6s, got %d / %v", count, total)
	}
}

func TestMetrics_RunSpan(t *testing.T) {
	m, _, spans := newTestMetrics(t)
	task := &models.Task{ID: "video_1", Kind: models.KindVideoComposition}

	_, span := m.StartRun(context.Background(), task)
	EndRun(span, errors.New("render failed"))

	ended := spans.Ended()
	if len(ended) != 1 {
		t.Fatalf("Expected one span, got %d", len(ended))
	}
	if ended[0].Name() != "task.video_composition" {
		t.Errorf("Unexpected span name: %s", ended[0].Name())
	}
	if ended[0].Status().Code != codes.Error {
		t.Errorf("Expected error status, got %v", ended[0].Status())
	}
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), false)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}
