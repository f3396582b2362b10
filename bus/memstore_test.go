package bus

import (
	"context"
	"testing"

	"github.com/petal-labs/mcpchain/workflow"
)

func seqEvent(runID string, seq uint64, kind workflow.EventKind) workflow.Event {
	e := workflow.NewEvent(kind, runID)
	e.Seq = seq
	return e
}

func TestMemEventStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemEventStore()

	// Fan-out paths may append slightly out of order.
	for _, seq := range []uint64{1, 3, 2, 5, 4} {
		if err := store.Append(ctx, seqEvent("run-1", seq, workflow.EventStepStarted)); err != nil {
			t.Fatalf("Append(%d) error = %v", seq, err)
		}
	}
	_ = store.Append(ctx, seqEvent("run-0", 1, workflow.EventRunStarted))

	events, err := store.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Fatalf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}

	page, _ := store.List(ctx, "run-1", 2, 2)
	if len(page) != 2 || page[0].Seq != 3 || page[1].Seq != 4 {
		t.Fatalf("List(after 2, limit 2) = %v", page)
	}

	if latest, _ := store.LatestSeq(ctx, "run-1"); latest != 5 {
		t.Fatalf("LatestSeq() = %d, want 5", latest)
	}
	if latest, _ := store.LatestSeq(ctx, "missing"); latest != 0 {
		t.Fatalf("LatestSeq(missing) = %d, want 0", latest)
	}

	ids, _ := store.RunIDs(ctx)
	if len(ids) != 2 || ids[0] != "run-0" || ids[1] != "run-1" {
		t.Fatalf("RunIDs() = %v", ids)
	}
}
