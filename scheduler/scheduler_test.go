package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/mcpchain/config"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var start = time.Date(2025, 1, 1, 0, 0, 30, 0, time.UTC)

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() without runner succeeded")
	}
	_, err := New(Config{
		Runner:    func(context.Context, config.Schedule) error { return nil },
		Schedules: []config.Schedule{{Workflow: "a.yaml", Cron: "TZ=UTC * * * * *"}},
	})
	if err == nil || !strings.Contains(err.Error(), "timezone") {
		t.Fatalf("New() error = %v, want timezone rejection", err)
	}
}

func TestRunOnceFiresDueSchedules(t *testing.T) {
	clock := &testClock{now: start}
	var calls atomic.Int32
	s, err := New(Config{
		Schedules: []config.Schedule{
			{Workflow: "flows/backup.yaml", Cron: "* * * * *"},
			{Name: "nightly", Workflow: "flows/report.yaml", Cron: "0 2 * * *"},
		},
		Runner: func(_ context.Context, schedule config.Schedule) error {
			if schedule.Name != "backup" {
				t.Errorf("runner got %q, want backup", schedule.Name)
			}
			calls.Add(1)
			return nil
		},
		Now:    clock.Now,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	s.RunOnce(context.Background())
	if calls.Load() != 0 {
		t.Fatal("schedule fired before its first run time")
	}

	clock.Set(start.Add(30 * time.Second))
	s.RunOnce(context.Background())
	waitFor(t, func() bool { return s.Status()[0].LastStatus == StatusSucceeded })

	status := s.Status()
	if calls.Load() != 1 || status[0].Runs != 1 {
		t.Fatalf("calls = %d runs = %d, want 1", calls.Load(), status[0].Runs)
	}
	if want := time.Date(2025, 1, 1, 0, 2, 0, 0, time.UTC); !status[0].NextRun.Equal(want) {
		t.Fatalf("NextRun = %s, want %s", status[0].NextRun, want)
	}
	if status[1].Name != "nightly" || status[1].LastStatus != StatusPending {
		t.Fatalf("nightly status = %+v, want pending", status[1])
	}
}

func TestRunOnceSkipsOverlap(t *testing.T) {
	clock := &testClock{now: start}
	release := make(chan struct{})
	var calls atomic.Int32
	s, err := New(Config{
		Schedules: []config.Schedule{{Name: "slow", Workflow: "slow.yaml", Cron: "* * * * *"}},
		Runner: func(context.Context, config.Schedule) error {
			calls.Add(1)
			<-release
			return nil
		},
		Now:    clock.Now,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	clock.Set(start.Add(30 * time.Second))
	s.RunOnce(context.Background())
	waitFor(t, func() bool { return calls.Load() == 1 })

	clock.Set(start.Add(90 * time.Second))
	s.RunOnce(context.Background())
	if got := s.Status()[0].LastStatus; got != StatusSkippedOverlap {
		t.Fatalf("LastStatus = %q, want %q", got, StatusSkippedOverlap)
	}

	close(release)
	waitFor(t, func() bool { return s.Status()[0].LastStatus == StatusSucceeded })
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestRunFailureRecorded(t *testing.T) {
	clock := &testClock{now: start.Add(30 * time.Second)}
	s, err := New(Config{
		Schedules: []config.Schedule{{Name: "broken", Workflow: "b.yaml", Cron: "@every 1m"}},
		Runner: func(context.Context, config.Schedule) error {
			return errors.New("server unreachable")
		},
		Now:    clock.Now,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	clock.Set(start.Add(2 * time.Minute))
	s.RunOnce(context.Background())
	waitFor(t, func() bool { return s.Status()[0].LastStatus == StatusFailed })
	if got := s.Status()[0].LastError; got != "server unreachable" {
		t.Fatalf("LastError = %q", got)
	}
}

func TestStopCancelsActiveRuns(t *testing.T) {
	clock := &testClock{now: start}
	started := make(chan struct{})
	s, err := New(Config{
		Schedules:    []config.Schedule{{Name: "long", Workflow: "long.yaml", Cron: "* * * * *"}},
		PollInterval: 5 * time.Millisecond,
		Runner: func(ctx context.Context, _ config.Schedule) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		Now:    clock.Now,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	clock.Set(start.Add(30 * time.Second))
	s.Start(context.Background())
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled run did not start")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	status := s.Status()[0]
	if status.LastStatus != StatusFailed || !strings.Contains(status.LastError, "canceled") {
		t.Fatalf("status = %+v, want cancelled failure", status)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}
