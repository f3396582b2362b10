package bus

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/mcpchain/workflow"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestStore(t *testing.T, cfg SQLiteStoreConfig) *SQLiteEventStore {
	t.Helper()
	if cfg.DSN == "" {
		cfg.DSN = testDSN(t)
	}
	store, err := NewSQLiteEventStore(cfg)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteEventStore_RoundTrip(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{})
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	e := workflow.NewEvent(workflow.EventStepFailed, "run-1").
		WithStep("upload", workflow.KindPlain).
		WithAttempt(2).
		WithElapsed(1500*time.Millisecond).
		WithPayload("error", "quota exceeded").
		WithPayload("meta", map[string]any{"tries": float64(2)})
	e.Seq = 7
	e.Time = at
	e.TraceID = "trace-1"
	e.SpanID = "span-1"
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	events, err := store.List(ctx, "run-1", 0, 0)
	if err != nil || len(events) != 1 {
		t.Fatalf("List() = %v, %v", events, err)
	}
	got := events[0]
	if got.Kind != workflow.EventStepFailed || got.StepID != "upload" || got.StepKind != workflow.KindPlain {
		t.Fatalf("event = %+v", got)
	}
	if got.Seq != 7 || got.Attempt != 2 || got.Elapsed != 1500*time.Millisecond {
		t.Fatalf("seq/attempt/elapsed = %d/%d/%s", got.Seq, got.Attempt, got.Elapsed)
	}
	if !got.Time.Equal(at) {
		t.Fatalf("Time = %s, want %s", got.Time, at)
	}
	if got.Payload["error"] != "quota exceeded" || got.TraceID != "trace-1" || got.SpanID != "span-1" {
		t.Fatalf("payload/trace = %v %s %s", got.Payload, got.TraceID, got.SpanID)
	}
	meta, _ := got.Payload["meta"].(map[string]any)
	if meta["tries"] != float64(2) {
		t.Fatalf("nested payload = %v", got.Payload["meta"])
	}
}

func TestSQLiteEventStore_DuplicateSeqRejected(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{})
	ctx := context.Background()
	e := workflow.NewEvent(workflow.EventRunStarted, "run-1")
	e.Seq = 1
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := store.Append(ctx, e); err == nil {
		t.Fatal("expected duplicate (run_id, seq) to fail")
	}
}

func TestSQLiteEventStore_ListPaging(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{})
	ctx := context.Background()
	for i := uint64(1); i <= 6; i++ {
		e := workflow.NewEvent(workflow.EventStepStarted, "run-1")
		e.Seq = i
		e.Payload = nil
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}

	page, err := store.List(ctx, "run-1", 2, 3)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page) != 3 || page[0].Seq != 3 || page[2].Seq != 5 {
		t.Fatalf("List(after 2, limit 3) seqs = %v", page)
	}
	if page[0].Payload == nil {
		t.Fatal("nil payload should load as empty map")
	}
	if latest, _ := store.LatestSeq(ctx, "run-1"); latest != 6 {
		t.Fatalf("LatestSeq() = %d, want 6", latest)
	}
	if latest, _ := store.LatestSeq(ctx, "none"); latest != 0 {
		t.Fatalf("LatestSeq(none) = %d, want 0", latest)
	}
}

func TestSQLiteEventStore_Runs(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{})
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	appendAt := func(runID string, seq uint64, kind workflow.EventKind, offset time.Duration, payload map[string]any) {
		t.Helper()
		e := workflow.NewEvent(kind, runID)
		e.Seq = seq
		e.Time = base.Add(offset)
		e.Payload = payload
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	appendAt("run-b", 1, workflow.EventRunStarted, time.Second, map[string]any{"workflow": "poll"})
	appendAt("run-a", 1, workflow.EventRunStarted, 0, map[string]any{"workflow": "backup"})
	appendAt("run-a", 2, workflow.EventStepFinished, time.Second, nil)
	appendAt("run-a", 3, workflow.EventRunFinished, 2*time.Second, map[string]any{"workflow": "backup", "status": "success"})

	runs, err := store.Runs(ctx)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Runs() = %+v, want 2", runs)
	}
	a, b := runs[0], runs[1]
	if a.RunID != "run-a" || a.Workflow != "backup" || a.Status != "success" || a.Events != 3 || a.Duration != 2*time.Second {
		t.Fatalf("run-a = %+v", a)
	}
	if b.RunID != "run-b" || b.Workflow != "poll" || b.Status != "" || b.Events != 1 {
		t.Fatalf("run-b = %+v", b)
	}

	ids, _ := store.RunIDs(ctx)
	if len(ids) != 2 || ids[0] != "run-a" {
		t.Fatalf("RunIDs() = %v", ids)
	}
}

func TestSQLiteEventStore_PruneByAge(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{RetentionAge: time.Hour, PruneInterval: time.Hour})
	ctx := context.Background()

	old := workflow.NewEvent(workflow.EventRunStarted, "run-1")
	old.Seq = 1
	old.Time = time.Now().Add(-2 * time.Hour)
	recent := workflow.NewEvent(workflow.EventRunFinished, "run-1")
	recent.Seq = 2
	_ = store.Append(ctx, old)
	_ = store.Append(ctx, recent)

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	events, _ := store.List(ctx, "run-1", 0, 0)
	if len(events) != 1 || events[0].Seq != 2 {
		t.Fatalf("after prune = %v, want only seq 2", events)
	}
}

func TestSQLiteEventStore_PruneByCount(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{RetentionCount: 2, PruneInterval: time.Hour})
	ctx := context.Background()
	for _, run := range []string{"run-1", "run-2"} {
		for i := uint64(1); i <= 4; i++ {
			e := workflow.NewEvent(workflow.EventStepStarted, run)
			e.Seq = i
			_ = store.Append(ctx, e)
		}
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	for _, run := range []string{"run-1", "run-2"} {
		events, _ := store.List(ctx, run, 0, 0)
		if len(events) != 2 || events[0].Seq != 3 || events[1].Seq != 4 {
			t.Fatalf("%s after prune = %v, want seqs 3 and 4", run, events)
		}
	}
}

func TestSQLiteEventStore_FilePersistsAndConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: path})
	if err != nil {
		t.Fatalf("NewSQLiteEventStore() error = %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 1; i <= 10; i++ {
				e := workflow.NewEvent(workflow.EventStepFinished, fmt.Sprintf("run-%d", w))
				e.Seq = uint64(i)
				if err := store.Append(ctx, e); err != nil {
					t.Errorf("Append() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := newTestStore(t, SQLiteStoreConfig{DSN: path})
	ids, err := reopened.RunIDs(ctx)
	if err != nil || len(ids) != 4 {
		t.Fatalf("RunIDs() after reopen = %v, %v", ids, err)
	}
	if latest, _ := reopened.LatestSeq(ctx, "run-3"); latest != 10 {
		t.Fatalf("LatestSeq(run-3) = %d, want 10", latest)
	}
}
