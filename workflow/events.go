package workflow

import (
	"sync/atomic"
	"time"
)

// EventKind identifies the type of event emitted during a run.
type EventKind string

const (
	// EventRunStarted is emitted when a workflow run begins.
	EventRunStarted EventKind = "run.started"

	// EventStepStarted is emitted before each tool invocation attempt.
	EventStepStarted EventKind = "step.started"

	// EventStepFinished is emitted when a step completes successfully.
	EventStepFinished EventKind = "step.finished"

	// EventStepFailed is emitted when a tool invocation attempt fails.
	EventStepFailed EventKind = "step.failed"

	// EventStepRetry is emitted before a failed step is re-attempted.
	EventStepRetry EventKind = "step.retry"

	// EventStepSkipped is emitted when a guard skips a step.
	EventStepSkipped EventKind = "step.skipped"

	// EventLoopIteration is emitted at the start of every loop body pass.
	EventLoopIteration EventKind = "loop.iteration"

	// EventBranchTaken is emitted when a conditional step picks a branch.
	EventBranchTaken EventKind = "branch.taken"

	// EventRunFinished is emitted when a workflow run completes.
	EventRunFinished EventKind = "run.finished"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a structured record of what happened during a run.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RunID is the unique identifier for this run.
	RunID string

	// StepID is the step that produced this event (empty for run-level events).
	StepID string

	// StepKind is the kind of the step (empty for run-level events).
	StepKind Kind

	// Time is when the event occurred.
	Time time.Time

	// Attempt is the attempt number (1-indexed).
	Attempt int

	// Elapsed is the duration since the run or step started.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when tracing is off).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when tracing is off).
	SpanID string
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Attempt: 1,
		Payload: make(map[string]any),
	}
}

// WithStep sets the step information on the event.
func (e Event) WithStep(stepID string, kind Kind) Event {
	e.StepID = stepID
	e.StepKind = kind
	return e
}

// WithAttempt sets the attempt number on the event.
func (e Event) WithAttempt(attempt int) Event {
	e.Attempt = attempt
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior, such
// as stamping trace identifiers.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers. bus.EventBus
// satisfies it without this package importing bus.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}

// eventCounter numbers the events of one run starting at 1.
type eventCounter struct {
	n atomic.Uint64
}

func (c *eventCounter) next() uint64 {
	return c.n.Add(1)
}
