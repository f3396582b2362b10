package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/mcpchain/workflow"
)

// MetricsHandler translates workflow events into OpenTelemetry metrics.
type MetricsHandler struct {
	stepExecutions metric.Int64Counter
	stepFailures   metric.Int64Counter
	stepRetries    metric.Int64Counter
	stepDuration   metric.Float64Histogram
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates the step and run instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stepExec, err := meter.Int64Counter("mcpchain.step.executions",
		metric.WithDescription("Number of successful step tool calls"),
	)
	if err != nil {
		return nil, err
	}

	stepFail, err := meter.Int64Counter("mcpchain.step.failures",
		metric.WithDescription("Number of failed step attempts"),
	)
	if err != nil {
		return nil, err
	}

	stepRetry, err := meter.Int64Counter("mcpchain.step.retries",
		metric.WithDescription("Number of step retries scheduled"),
	)
	if err != nil {
		return nil, err
	}

	stepDur, err := meter.Float64Histogram("mcpchain.step.duration",
		metric.WithDescription("Duration of step tool calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("mcpchain.run.duration",
		metric.WithDescription("Duration of workflow runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stepExecutions: stepExec,
		stepFailures:   stepFail,
		stepRetries:    stepRetry,
		stepDuration:   stepDur,
		runDuration:    runDur,
	}, nil
}

// Handle records metrics for one event. It has workflow.EventHandler shape.
func (h *MetricsHandler) Handle(e workflow.Event) {
	ctx := context.Background()
	switch e.Kind {
	case workflow.EventStepFinished:
		attrs := stepAttributes(e)
		h.stepExecutions.Add(ctx, 1, attrs)
		h.stepDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case workflow.EventStepFailed:
		attrs := stepAttributes(e)
		h.stepFailures.Add(ctx, 1, attrs)
		h.stepDuration.Record(ctx, e.Elapsed.Seconds(), attrs)
	case workflow.EventStepRetry:
		h.stepRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("step_id", e.StepID)))
	case workflow.EventRunFinished:
		h.runDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("workflow", payloadString(e, "workflow")),
			attribute.String("status", payloadString(e, "status")),
		))
	}
}

func stepAttributes(e workflow.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("step_id", e.StepID),
		attribute.String("server", payloadString(e, "server")),
		attribute.String("tool", payloadString(e, "tool")),
	)
}

func payloadString(e workflow.Event, key string) string {
	if s, ok := e.Payload[key].(string); ok {
		return s
	}
	return ""
}
