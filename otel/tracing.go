// Package otel connects workflow events and channel observations to
// OpenTelemetry traces and metrics.
package otel

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/mcpchain/workflow"
)

// TracingHandler turns workflow events into a run span with one child span
// per step attempt. Loop passes, branch decisions, skips, and retries become
// span events.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span
	runCtxs   map[string]context.Context
	stepSpans map[string]trace.Span // runID:stepID -> span
}

// NewTracingHandler creates a TracingHandler on tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		stepSpans: make(map[string]trace.Span),
	}
}

// Handle processes one event. It has workflow.EventHandler shape.
func (h *TracingHandler) Handle(e workflow.Event) {
	switch e.Kind {
	case workflow.EventRunStarted:
		h.handleRunStarted(e)
	case workflow.EventStepStarted:
		h.handleStepStarted(e)
	case workflow.EventStepFinished:
		h.endStep(e, nil)
	case workflow.EventStepFailed:
		msg := payloadString(e, "error")
		if msg == "" {
			msg = "unknown error"
		}
		h.endStep(e, errors.New(msg))
	case workflow.EventStepRetry, workflow.EventStepSkipped, workflow.EventLoopIteration, workflow.EventBranchTaken:
		h.addRunEvent(e)
	case workflow.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *TracingHandler) handleRunStarted(e workflow.Event) {
	name := payloadString(e, "workflow")
	spanName := "run:" + e.RunID
	if name != "" {
		spanName = "run:" + name
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("mcpchain.run_id", e.RunID),
			attribute.String("mcpchain.workflow", name),
			attribute.String("mcpchain.entry", payloadString(e, "entry")),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleStepStarted(e workflow.Event) {
	h.mu.RLock()
	parent, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parent = context.Background()
	}

	_, span := h.tracer.Start(parent, "step:"+e.StepID,
		trace.WithAttributes(
			attribute.String("mcpchain.run_id", e.RunID),
			attribute.String("mcpchain.step_id", e.StepID),
			attribute.String("mcpchain.step_kind", string(e.StepKind)),
			attribute.String("mcpchain.server", payloadString(e, "server")),
			attribute.String("mcpchain.tool", payloadString(e, "tool")),
			attribute.Int("mcpchain.attempt", e.Attempt),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.stepSpans[stepKey(e)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) endStep(e workflow.Event, err error) {
	key := stepKey(e)
	h.mu.Lock()
	span, ok := h.stepSpans[key]
	delete(h.stepSpans, key)
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("mcpchain.duration", e.Elapsed.String()))
	if err != nil {
		span.RecordError(err, trace.WithTimestamp(e.Time))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) addRunEvent(e workflow.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{attribute.String("mcpchain.step_id", e.StepID)}
	for _, key := range []string{"branch", "reason", "delay"} {
		if v := payloadString(e, key); v != "" {
			attrs = append(attrs, attribute.String("mcpchain."+key, v))
		}
	}
	if pass, ok := e.Payload["pass"].(int); ok {
		attrs = append(attrs, attribute.Int("mcpchain.pass", pass))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleRunFinished(e workflow.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	delete(h.runSpans, e.RunID)
	delete(h.runCtxs, e.RunID)
	h.mu.Unlock()
	if !ok {
		return
	}

	status := payloadString(e, "status")
	span.SetAttributes(
		attribute.String("mcpchain.duration", e.Elapsed.String()),
		attribute.String("mcpchain.status", status),
	)
	if status == string(workflow.StatusFailure) {
		msg := payloadString(e, "error")
		if msg == "" {
			msg = "run failed"
		}
		span.SetStatus(codes.Error, msg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the span context of the running step span, or
// an empty SpanContext.
func (h *TracingHandler) ActiveSpanContext(runID, stepID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.stepSpans[runID+":"+stepID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the span context of the run span, or an
// empty SpanContext.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func stepKey(e workflow.Event) string {
	return e.RunID + ":" + e.StepID
}
