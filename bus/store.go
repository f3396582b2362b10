package bus

import (
	"context"

	"github.com/petal-labs/mcpchain/workflow"
)

// EventStore persists run events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event workflow.Event) error

	// List returns events for a run in Seq order.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]workflow.Event, error)

	// LatestSeq returns the highest Seq for a run (0 if no events).
	LatestSeq(ctx context.Context, runID string) (uint64, error)

	// RunIDs returns the stored run ids in sorted order.
	RunIDs(ctx context.Context) ([]string, error)
}
