package telemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/engine"
)

// Handler wires tracing and metrics into a single engine.EventHandler.
func Handler(tracer trace.Tracer, meter metric.Meter) (engine.EventHandler, error) {
	tracing := NewTracingHandler(tracer)
	metrics, err := NewMetricsHandler(meter)
	if err != nil {
		return nil, err
	}
	return engine.MultiEventHandler(tracing.Handle, metrics.Handle), nil
}
