// Package scheduler runs configured workflows on cron schedules. A poll loop
// fires every schedule whose next run time has passed; a schedule whose
// previous run is still active is skipped for that tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/mcpchain/config"
)

const defaultPollInterval = 5 * time.Second

// Run statuses reported by Status.
const (
	StatusPending        = "pending"
	StatusRunning        = "running"
	StatusSucceeded      = "succeeded"
	StatusFailed         = "failed"
	StatusSkippedOverlap = "skipped_overlap"
)

// Runner executes one scheduled workflow run.
type Runner func(ctx context.Context, schedule config.Schedule) error

// Config configures a Scheduler.
type Config struct {
	Schedules    []config.Schedule
	Runner       Runner
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Status is a snapshot of one schedule.
type Status struct {
	Name       string
	Workflow   string
	Cron       string
	NextRun    time.Time
	LastRun    time.Time
	LastStatus string
	LastError  string
	Runs       int
}

type entry struct {
	schedule config.Schedule
	cron     cron.Schedule
	status   Status
	active   bool
}

// Scheduler fires Runner for due schedules.
type Scheduler struct {
	runner       Runner
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	entries []*entry
	runs    sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates every cron expression and computes first run times.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errors.New("scheduler: runner is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	now := cfg.Now().UTC()
	entries := make([]*entry, 0, len(cfg.Schedules))
	for i, schedule := range cfg.Schedules {
		parsed, err := config.ParseCron(schedule.Cron)
		if err != nil {
			return nil, fmt.Errorf("scheduler: schedule %d: %w", i, err)
		}
		if schedule.Name == "" {
			schedule.Name = strings.TrimSuffix(filepath.Base(schedule.Workflow), filepath.Ext(schedule.Workflow))
		}
		entries = append(entries, &entry{
			schedule: schedule,
			cron:     parsed,
			status: Status{
				Name:       schedule.Name,
				Workflow:   schedule.Workflow,
				Cron:       schedule.Cron,
				NextRun:    parsed.Next(now),
				LastStatus: StatusPending,
			},
		})
	}

	return &Scheduler{
		runner:       cfg.Runner,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
		entries:      entries,
	}, nil
}

// Start begins background polling. Runs started by the loop inherit a
// context that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	s.logger.Info("scheduler started", "schedules", len(s.entries), "poll_interval", s.pollInterval)
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			s.RunOnce(loopCtx)
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels polling and in-flight runs, then waits for them to return
// or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	finished := make(chan struct{})
	go func() {
		<-done
		s.runs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires every schedule that is due now.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if now.Before(e.status.NextRun) {
			continue
		}
		e.status.NextRun = e.cron.Next(now)
		if e.active {
			e.status.LastStatus = StatusSkippedOverlap
			s.logger.Warn("schedule still running, skipping", "schedule", e.status.Name, "next_run", e.status.NextRun)
			continue
		}
		e.active = true
		e.status.LastRun = now
		e.status.LastStatus = StatusRunning
		e.status.LastError = ""
		e.status.Runs++
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.runs.Add(1)
		go s.run(ctx, e)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	defer s.runs.Done()

	logger := s.logger.With("schedule", e.schedule.Name, "workflow", e.schedule.Workflow)
	logger.Info("scheduled run starting")
	err := s.runner(ctx, e.schedule)

	s.mu.Lock()
	e.active = false
	if err != nil {
		e.status.LastStatus = StatusFailed
		e.status.LastError = err.Error()
	} else {
		e.status.LastStatus = StatusSucceeded
	}
	s.mu.Unlock()

	if err != nil {
		logger.Error("scheduled run failed", "error", err)
		return
	}
	logger.Info("scheduled run finished")
}

// Status returns a snapshot of every schedule in configuration order.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.status
	}
	return out
}
