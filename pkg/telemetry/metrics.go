package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-chain/pkg/engine/runtime"
)

// MeterName is the instrumentation scope used for chain metrics and spans.
const MeterName = "chain.engine"

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	nodeExecutionCounter  metric.Int64Counter
	nodeDispatchCounter   metric.Int64Counter
	nodeSuppressedCounter metric.Int64Counter
	nodeLatencyHistogram  metric.Float64Histogram
	flowStepCounter       metric.Int64Counter
	flowStepHistogram     metric.Float64Histogram
)

// NodeMetrics captures the fields needed to record graph node metrics.
type NodeMetrics struct {
	NodeID     string
	NodeKind   string
	Outcome    runtime.Outcome
	Duration   time.Duration
	Dispatches int
}

// StepMetrics captures one flow controller step.
type StepMetrics struct {
	Step     int
	Status   int
	Outcome  runtime.Outcome
	Duration time.Duration
}

// RecordNodeMetrics emits counters and histograms that describe node execution behaviour.
func RecordNodeMetrics(ctx context.Context, metrics NodeMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("node.id", metrics.NodeID),
		attribute.String("node.kind", metrics.NodeKind),
		attribute.String("node.outcome", string(metrics.Outcome)),
	}

	nodeExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		nodeLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Dispatches > 0 {
		nodeDispatchCounter.Add(ctx, int64(metrics.Dispatches), metric.WithAttributes(attrs...))
	}

	if metrics.Outcome == runtime.OutcomeSuppressed {
		nodeSuppressedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordStepMetrics emits flow controller step metrics.
func RecordStepMetrics(ctx context.Context, metrics StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("flow.step", metrics.Step),
		attribute.Int("http.response.status_code", metrics.Status),
		attribute.String("flow.outcome", string(metrics.Outcome)),
	)

	flowStepCounter.Add(ctx, 1, attrs)
	if metrics.Duration > 0 {
		flowStepHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(MeterName)

		nodeExecutionCounter, metricsInitErr = meter.Int64Counter(
			"chain.node.executions_total",
			metric.WithDescription("Graph node executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeDispatchCounter, metricsInitErr = meter.Int64Counter(
			"chain.node.dispatches_total",
			metric.WithDescription("Requests dispatched by request nodes"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeSuppressedCounter, metricsInitErr = meter.Int64Counter(
			"chain.node.suppressed_total",
			metric.WithDescription("Condition evaluations that failed and fired no edge"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		nodeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"chain.node.duration_ms",
			metric.WithDescription("Observed node execution latency excluding downstream nodes"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		flowStepCounter, metricsInitErr = meter.Int64Counter(
			"chain.flow.steps_total",
			metric.WithDescription("Flow controller steps partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		flowStepHistogram, metricsInitErr = meter.Float64Histogram(
			"chain.flow.step_duration_ms",
			metric.WithDescription("Observed flow step latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordRouteEvent attaches the routing decision of a node to span.
func RecordRouteEvent(span trace.Span, outcome runtime.Outcome, fired bool, err error) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("route.outcome", string(outcome)),
		attribute.Bool("route.fired", fired),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("route.error", err.Error()))
	}

	span.AddEvent("graph.route", trace.WithAttributes(attrs...))
}
