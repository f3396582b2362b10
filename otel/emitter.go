package otel

import (
	"github.com/petal-labs/mcpchain/workflow"
)

// EnrichEmitter stamps events with the trace and span ids of the active
// step span, falling back to the run span. Events pass through unchanged when
// no span is active.
func EnrichEmitter(emit workflow.EventEmitter, tracing *TracingHandler) workflow.EventEmitter {
	return func(e workflow.Event) {
		if e.StepID != "" {
			if sc := tracing.ActiveSpanContext(e.RunID, e.StepID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.RunID != "" {
			if sc := tracing.ActiveRunSpanContext(e.RunID); sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}

// EmitterDecorator adapts EnrichEmitter to workflow.Options.
func EmitterDecorator(tracing *TracingHandler) workflow.EventEmitterDecorator {
	return func(emit workflow.EventEmitter) workflow.EventEmitter {
		return EnrichEmitter(emit, tracing)
	}
}
