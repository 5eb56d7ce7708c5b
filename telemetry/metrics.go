package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loom/engine"
)

// MetricsHandler records counters and histograms for task executions,
// failures, batch durations, and canvas-exclusivity deferrals.
type MetricsHandler struct {
	taskExecutions metric.Int64Counter
	taskFailures   metric.Int64Counter
	taskDuration   metric.Float64Histogram
	batchDuration  metric.Float64Histogram
	batchDeferrals metric.Int64Counter
}

// NewMetricsHandler creates the instruments on the given meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	taskExec, err := meter.Int64Counter("loom.task.executions",
		metric.WithDescription("Number of task executions"),
	)
	if err != nil {
		return nil, err
	}

	taskFail, err := meter.Int64Counter("loom.task.failures",
		metric.WithDescription("Number of task failures"),
	)
	if err != nil {
		return nil, err
	}

	taskDur, err := meter.Float64Histogram("loom.task.duration",
		metric.WithDescription("Duration of task execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	batchDur, err := meter.Float64Histogram("loom.batch.duration",
		metric.WithDescription("Duration of batch execution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	batchDef, err := meter.Int64Counter("loom.batch.deferrals",
		metric.WithDescription("Number of batches parked behind a running batch"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		taskExecutions: taskExec,
		taskFailures:   taskFail,
		taskDuration:   taskDur,
		batchDuration:  batchDur,
		batchDeferrals: batchDef,
	}, nil
}

// Handle consumes an engine event. It satisfies engine.EventHandler.
func (h *MetricsHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventTaskCompleted, engine.EventTaskSkipped:
		h.handleTaskCompleted(e)
	case engine.EventTaskFailed:
		h.handleTaskFailed(e)
	case engine.EventBatchFinished:
		h.handleBatchFinished(e)
	case engine.EventBatchDeferred:
		h.handleBatchDeferred(e)
	}
}

func (h *MetricsHandler) handleTaskCompleted(e engine.Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("node_type", string(e.NodeType)),
		attribute.Bool("skipped", e.Kind == engine.EventTaskSkipped),
	)
	h.taskExecutions.Add(ctx, 1, attrs)
	h.taskDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
}

func (h *MetricsHandler) handleTaskFailed(e engine.Event) {
	h.taskFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("node_type", string(e.NodeType)),
	))
}

func (h *MetricsHandler) handleBatchFinished(e engine.Event) {
	h.batchDuration.Record(context.Background(), e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("canvas_id", e.CanvasID),
	))
}

func (h *MetricsHandler) handleBatchDeferred(e engine.Event) {
	h.batchDeferrals.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("canvas_id", e.CanvasID),
	))
}
