package workflow

import (
	"sync"
	"testing"
)

func TestEventCounterIsDenseUnderConcurrency(t *testing.T) {
	const workers, perWorker = 8, 250

	var (
		c    eventCounter
		mu   sync.Mutex
		seen = make(map[uint64]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				n := c.next()
				mu.Lock()
				seen[n] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for n := uint64(1); n <= workers*perWorker; n++ {
		if _, ok := seen[n]; !ok {
			t.Fatalf("sequence %d never issued", n)
		}
	}
	if got := c.next(); got != workers*perWorker+1 {
		t.Fatalf("next() = %d, want %d", got, workers*perWorker+1)
	}
}

func TestEventBuilders(t *testing.T) {
	ev := NewEvent(EventStepFailed, "run-1").WithPayload("error", "boom")
	if ev.Kind.String() != "step.failed" || ev.RunID != "run-1" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Payload["error"] != "boom" {
		t.Fatalf("Payload = %v", ev.Payload)
	}
}
