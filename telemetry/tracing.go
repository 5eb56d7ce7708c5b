// Package telemetry translates engine events into OpenTelemetry spans
// and metrics.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/engine"
)

// TracingHandler maps batch execution events onto OpenTelemetry spans:
// one root span per batch, one child span per task. Spans are created
// and ended from events, so the handler keeps maps of the active ones.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	batchSpans map[string]trace.Span      // batchID -> span
	batchCtxs  map[string]context.Context // batchID -> context (for child spans)
	taskSpans  map[string]trace.Span      // batchID:taskID -> span
}

// NewTracingHandler creates a TracingHandler on the given tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		batchSpans: make(map[string]trace.Span),
		batchCtxs:  make(map[string]context.Context),
		taskSpans:  make(map[string]trace.Span),
	}
}

// Handle consumes an engine event. It satisfies engine.EventHandler.
func (h *TracingHandler) Handle(e engine.Event) {
	switch e.Kind {
	case engine.EventBatchStarted:
		h.handleBatchStarted(e)
	case engine.EventTaskStarted:
		h.handleTaskStarted(e)
	case engine.EventTaskCompleted, engine.EventTaskSkipped:
		h.handleTaskCompleted(e)
	case engine.EventTaskFailed:
		h.handleTaskFailed(e)
	case engine.EventBatchFinished:
		h.handleBatchFinished(e)
	}
}

func (h *TracingHandler) handleBatchStarted(e engine.Event) {
	ctx, span := h.tracer.Start(context.Background(), "batch:"+e.BatchID,
		trace.WithAttributes(
			attribute.String("loom.batch_id", e.BatchID),
			attribute.String("loom.canvas_id", e.CanvasID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.batchSpans[e.BatchID] = span
	h.batchCtxs[e.BatchID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleTaskStarted(e engine.Event) {
	h.mu.RLock()
	parentCtx, ok := h.batchCtxs[e.BatchID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "task:"+string(e.NodeType),
		trace.WithAttributes(
			attribute.String("loom.batch_id", e.BatchID),
			attribute.String("loom.task_id", e.TaskID),
			attribute.String("loom.node_id", e.NodeID),
			attribute.String("loom.node_type", string(e.NodeType)),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.taskSpans[e.BatchID+":"+e.TaskID] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleTaskCompleted(e engine.Event) {
	span, ok := h.takeTaskSpan(e)
	if !ok {
		return
	}
	if e.Kind == engine.EventTaskSkipped {
		span.SetAttributes(attribute.Bool("loom.skipped", true))
	}
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleTaskFailed(e engine.Event) {
	span, ok := h.takeTaskSpan(e)
	if !ok {
		return
	}
	errMsg := "task failed"
	if msg, found := e.Payload["error"]; found {
		if s, ok := msg.(string); ok {
			errMsg = s
		}
	}
	span.SetStatus(codes.Error, errMsg)
	span.RecordError(spanError(errMsg), trace.WithTimestamp(e.Time))
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleBatchFinished(e engine.Event) {
	h.mu.Lock()
	span, ok := h.batchSpans[e.BatchID]
	if ok {
		delete(h.batchSpans, e.BatchID)
		delete(h.batchCtxs, e.BatchID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("loom.duration", e.Elapsed.String()))
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) takeTaskSpan(e engine.Event) (trace.Span, bool) {
	key := e.BatchID + ":" + e.TaskID
	h.mu.Lock()
	span, ok := h.taskSpans[key]
	if ok {
		delete(h.taskSpans, key)
	}
	h.mu.Unlock()
	return span, ok
}

// ActiveBatchSpanContext returns the SpanContext of a running batch's
// root span, or an empty SpanContext when none is active.
func (h *TracingHandler) ActiveBatchSpanContext(batchID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.batchSpans[batchID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

type spanError string

func (e spanError) Error() string { return string(e) }
