package workflow

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestContextAdditionsOnly(t *testing.T) {
	c := NewContext(map[string]any{"target": "/tmp/out"})

	if v, ok := c.Variable("target"); !ok || v != "/tmp/out" {
		t.Fatalf("Variable(target) = %v, %v", v, ok)
	}
	c.SetResult("s1", map[string]any{"success": true})
	c.RecordError("s1", errors.New("first attempt failed"))
	c.RecordError("s1", nil)

	if _, ok := c.Err("s1"); !ok {
		t.Fatal("Err(s1) missing after nil RecordError")
	}

	results := c.Results()
	results["injected"] = true
	if _, ok := c.Result("injected"); ok {
		t.Fatal("Results() returned a live map")
	}

	if got := c.advanceIteration(); got != 1 {
		t.Fatalf("advanceIteration() = %d, want 1", got)
	}
	c.advanceIteration()
	if c.Iteration() != 2 {
		t.Fatalf("Iteration() = %d, want 2", c.Iteration())
	}

	snap := c.Snapshot()
	if snap.Errors["s1"] != "first attempt failed" || snap.Iteration != 2 || snap.Variables["target"] != "/tmp/out" {
		t.Fatalf("Snapshot() = %+v", snap)
	}
	if ids := c.ErrorIDs(); len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("ErrorIDs() = %v, want [s1]", ids)
	}
}

func TestContextConcurrentWrites(t *testing.T) {
	c := NewContext(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("step-%d", i)
			c.SetResult(key, i)
			c.SetVariable("shared", i)
			c.advanceIteration()
		}(i)
	}
	wg.Wait()

	if len(c.Results()) != 20 {
		t.Fatalf("results = %d, want 20", len(c.Results()))
	}
	if _, ok := c.Variable("shared"); !ok {
		t.Fatal("shared variable missing")
	}
	if c.Iteration() != 20 {
		t.Fatalf("Iteration() = %d, want 20", c.Iteration())
	}
}
