// Package bus distributes workflow run events. The engine publishes to an
// EventBus; the run journal, the run event stream, and metrics read from
// per-run or global subscriptions.
package bus

import "github.com/petal-labs/mcpchain/workflow"

// EventBus fans run events out to subscribers. It satisfies
// workflow.EventPublisher.
type EventBus interface {
	Publish(event workflow.Event)

	// Subscribe receives the events of one run. Close the Subscription
	// when done.
	Subscribe(runID string) Subscription

	// SubscribeAll receives the events of every run.
	SubscribeAll() Subscription

	// Close ends every subscription. Publishing afterwards is a no-op.
	Close() error
}

// Subscription is a stream of events. Its channel is closed by Close or
// when the bus closes.
type Subscription interface {
	Events() <-chan workflow.Event
	Close() error
}
