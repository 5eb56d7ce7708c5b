package telemetry_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/telemetry"
)

// newTestMeter returns a meter backed by a manual reader.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestMetricsHandler_TaskCompletedRecordsExecutionAndDuration(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := telemetry.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(engine.Event{
		Kind:     engine.EventTaskCompleted,
		BatchID:  "b1",
		TaskID:   "t1",
		NodeType: core.NodeTypeLLM,
		Elapsed:  150 * time.Millisecond,
	})
	h.Handle(engine.Event{
		Kind:     engine.EventTaskCompleted,
		BatchID:  "b1",
		TaskID:   "t2",
		NodeType: core.NodeTypeText,
		Elapsed:  50 * time.Millisecond,
	})

	rm := collectMetrics(t, reader)

	execMetric := findMetric(rm, "loom.task.executions")
	if execMetric == nil {
		t.Fatal("loom.task.executions metric not found")
	}
	sumData, ok := execMetric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", execMetric.Data)
	}
	// One data point per node type.
	if len(sumData.DataPoints) != 2 {
		t.Fatalf("expected 2 data points, got %d", len(sumData.DataPoints))
	}
	for _, dp := range sumData.DataPoints {
		if dp.Value != 1 {
			t.Errorf("counter value = %d, want 1", dp.Value)
		}
	}

	durMetric := findMetric(rm, "loom.task.duration")
	if durMetric == nil {
		t.Fatal("loom.task.duration metric not found")
	}
	histData, ok := durMetric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64] data, got %T", durMetric.Data)
	}
	for _, dp := range histData.DataPoints {
		if dp.Count != 1 {
			t.Errorf("histogram count = %d, want 1", dp.Count)
		}
	}
}

func TestMetricsHandler_TaskFailedIncrementsFailureCounter(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := telemetry.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(engine.Event{
		Kind:     engine.EventTaskFailed,
		BatchID:  "b1",
		TaskID:   "t1",
		NodeType: core.NodeTypeLLM,
	})

	rm := collectMetrics(t, reader)
	failMetric := findMetric(rm, "loom.task.failures")
	if failMetric == nil {
		t.Fatal("loom.task.failures metric not found")
	}
	sumData, ok := failMetric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected Sum[int64] data, got %T", failMetric.Data)
	}
	if len(sumData.DataPoints) != 1 || sumData.DataPoints[0].Value != 1 {
		t.Errorf("failure data points = %+v", sumData.DataPoints)
	}

	// A failure is not an execution.
	if m := findMetric(rm, "loom.task.executions"); m != nil {
		if sum, ok := m.Data.(metricdata.Sum[int64]); ok && len(sum.DataPoints) > 0 {
			t.Error("task failure must not count as an execution")
		}
	}
}

func TestMetricsHandler_BatchLifecycle(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := telemetry.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(engine.Event{
		Kind:     engine.EventBatchDeferred,
		BatchID:  "b2",
		CanvasID: "c1",
	})
	h.Handle(engine.Event{
		Kind:     engine.EventBatchFinished,
		BatchID:  "b1",
		CanvasID: "c1",
		Elapsed:  2 * time.Second,
	})

	rm := collectMetrics(t, reader)

	defMetric := findMetric(rm, "loom.batch.deferrals")
	if defMetric == nil {
		t.Fatal("loom.batch.deferrals metric not found")
	}
	sumData, ok := defMetric.Data.(metricdata.Sum[int64])
	if !ok || len(sumData.DataPoints) != 1 || sumData.DataPoints[0].Value != 1 {
		t.Errorf("deferral data = %+v", defMetric.Data)
	}

	durMetric := findMetric(rm, "loom.batch.duration")
	if durMetric == nil {
		t.Fatal("loom.batch.duration metric not found")
	}
	histData, ok := durMetric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64] data, got %T", durMetric.Data)
	}
	if len(histData.DataPoints) != 1 || histData.DataPoints[0].Sum != 2.0 {
		t.Errorf("batch duration data = %+v", histData.DataPoints)
	}
}

func TestHandler_CombinesTracingAndMetrics(t *testing.T) {
	_, tp := newTestTracer()
	reader, mp := newTestMeter()

	handler, err := telemetry.Handler(tp.Tracer("test"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}

	handler(engine.Event{
		Kind:     engine.EventTaskCompleted,
		BatchID:  "b1",
		TaskID:   "t1",
		NodeType: core.NodeTypeText,
		Elapsed:  time.Millisecond,
	})

	rm := collectMetrics(t, reader)
	if findMetric(rm, "loom.task.executions") == nil {
		t.Error("combined handler did not record metrics")
	}
}
