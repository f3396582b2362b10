package bus

import (
	"context"
	"log/slog"

	"github.com/petal-labs/mcpchain/workflow"
)

// StoreSubscriber writes events to an EventStore. Handle has
// workflow.EventHandler shape, so it can be passed to an engine directly or
// fed from a bus subscription with Drain.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{store: store, logger: logger}
}

// Handle persists a single event. Failures are logged, not returned.
func (s *StoreSubscriber) Handle(event workflow.Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"run_id", event.RunID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Drain feeds sub into handler until the subscription closes or ctx ends.
// It returns a channel closed once draining stops.
func Drain(ctx context.Context, sub Subscription, handler workflow.EventHandler) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Events():
				if !ok {
					return
				}
				handler(event)
			}
		}
	}()
	return done
}
