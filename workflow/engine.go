// Package workflow executes multi-step tool workflows: a graph of plain,
// loop, and conditional steps walked against a shared Context, with per-step
// retry and delay, success and error transitions, and concurrent fan-out.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ToolCaller invokes one tool on one named server.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error)
}

// ToolCallerFunc adapts a function to ToolCaller.
type ToolCallerFunc func(ctx context.Context, server, tool string, args map[string]any) (any, error)

// CallTool calls f.
func (f ToolCallerFunc) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	return f(ctx, server, tool, args)
}

// Options controls execution behavior.
type Options struct {
	// MaxHops bounds how many times one path may enter the same step by
	// following transitions. Zero leaves cycles unbounded; they end by a
	// failure without an error transition or by the workflow timeout.
	MaxHops int

	// MaxLoopPasses bounds loops without an iteration count. Zero leaves
	// them to their guard and the workflow timeout.
	MaxLoopPasses int

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time

	// EventHandler receives events during execution.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	EventEmitterDecorator EventEmitterDecorator

	// EventBus distributes events to subscribers.
	EventBus EventPublisher

	Logger *slog.Logger
}

// Status is the outcome of a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Result is the outcome of Execute. Context holds everything recorded,
// including partial results of failed runs.
type Result struct {
	RunID   string
	Status  Status
	Context *Context
	Err     error
	Elapsed time.Duration
}

// Succeeded reports whether the run succeeded.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Engine runs workflows against a ToolCaller.
type Engine struct {
	tools ToolCaller
	opts  Options
}

// NewEngine returns an engine with defaults applied to opts.
func NewEngine(tools ToolCaller, opts Options) *Engine {
	if opts.MaxHops < 0 {
		opts.MaxHops = 0
	}
	if opts.MaxLoopPasses < 0 {
		opts.MaxLoopPasses = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{tools: tools, opts: opts}
}

// Execute validates wf and runs it from its entry step. The returned error is
// non-nil only when the workflow is rejected before any tool is invoked;
// runtime failures are reported through Result.
func (e *Engine) Execute(ctx context.Context, wf *Workflow, initial *Context) (Result, error) {
	if initial == nil {
		initial = NewContext(nil)
	}
	if err := Validate(wf); err != nil {
		return Result{Status: StatusFailure, Context: initial, Err: err}, err
	}
	if e.tools == nil {
		err := fmt.Errorf("%w: %w", ErrInvalidWorkflow, ErrNoToolCaller)
		return Result{Status: StatusFailure, Context: initial, Err: err}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if wf.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, wf.Timeout)
		defer timeoutCancel()
	}

	r := &run{
		engine: e,
		wf:     wf,
		state:  initial,
		runID:  uuid.NewString(),
		parent: ctx,
		cancel: cancel,
		logger: e.opts.Logger.With("workflow", wf.Name),
	}
	r.emit = r.newEmitter()
	r.logger = r.logger.With("run_id", r.runID)

	r.start = e.opts.Now()
	r.emit(NewEvent(EventRunStarted, r.runID).
		WithPayload("workflow", wf.Name).
		WithPayload("entry", wf.Entry))
	r.logger.Info("workflow started", "entry", wf.Entry)

	r.spawn(runCtx, wf.Entry, newPath())
	r.wg.Wait()

	elapsed := e.opts.Now().Sub(r.start)
	result := Result{
		RunID:   r.runID,
		Status:  StatusSuccess,
		Context: initial,
		Elapsed: elapsed,
	}
	if err := r.failure(); err != nil {
		result.Status = StatusFailure
		result.Err = err
	}

	finish := NewEvent(EventRunFinished, r.runID).
		WithElapsed(elapsed).
		WithPayload("workflow", wf.Name).
		WithPayload("status", string(result.Status))
	if result.Err != nil {
		finish = finish.WithPayload("error", result.Err.Error())
		r.logger.Warn("workflow failed", "error", result.Err, "elapsed", elapsed)
	} else {
		r.logger.Info("workflow finished", "elapsed", elapsed)
	}
	r.emit(finish)

	return result, nil
}

// run is the state of one Execute call.
type run struct {
	engine *Engine
	wf     *Workflow
	state  *Context
	runID  string
	start  time.Time
	emit   EventEmitter
	logger *slog.Logger

	parent context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failMu  sync.Mutex
	failErr error
}

func (r *run) newEmitter() EventEmitter {
	opts := r.engine.opts
	seq := new(eventCounter)
	var mu sync.Mutex
	emit := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		ev.Seq = seq.next()
		if opts.EventBus != nil {
			opts.EventBus.Publish(ev)
		}
		if opts.EventHandler != nil {
			opts.EventHandler(ev)
		}
	}
	if opts.EventEmitterDecorator != nil {
		return opts.EventEmitterDecorator(emit)
	}
	return emit
}

// fail records the first fatal error and cancels every other path.
func (r *run) fail(err error) {
	r.failMu.Lock()
	if r.failErr == nil {
		r.failErr = err
	}
	r.failMu.Unlock()
	r.cancel()
}

func (r *run) failure() error {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	return r.failErr
}

// spawn starts a concurrent continuation path.
func (r *run) spawn(ctx context.Context, stepID string, p *path) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.walk(ctx, stepID, p); err != nil {
			r.fail(err)
		}
	}()
}

// contextErr maps a done run context onto the run's error taxonomy.
func (r *run) contextErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if failed := r.failure(); failed != nil {
		return failed
	}
	if errors.Is(err, context.DeadlineExceeded) && r.wf.Timeout > 0 && r.parent.Err() == nil {
		return fmt.Errorf("%w: %s after %s", ErrWorkflowTimeout, r.wf.Name, r.wf.Timeout)
	}
	return fmt.Errorf("%w: %v", ErrRunCanceled, err)
}

// path tracks per-path hop counts. Fan-out children start from a copy.
type path struct {
	hops map[string]int
}

func newPath() *path {
	return &path{hops: make(map[string]int)}
}

func (p *path) clone() *path {
	hops := make(map[string]int, len(p.hops))
	for id, n := range p.hops {
		hops[id] = n
	}
	return &path{hops: hops}
}

func (p *path) enter(stepID string, maxHops int) error {
	if maxHops == 0 {
		return nil
	}
	p.hops[stepID]++
	if n := p.hops[stepID]; n > maxHops {
		return fmt.Errorf("%w: step %s entered %d times", ErrMaxHopsExceeded, stepID, n)
	}
	return nil
}

// outcome is where a step sends its path next.
type outcome struct {
	next      []string
	recovered bool
}

// walk follows transitions from stepID until the path ends or fails.
func (r *run) walk(ctx context.Context, stepID string, p *path) error {
	current := stepID
	for current != "" {
		if err := r.contextErr(ctx); err != nil {
			return err
		}
		if err := p.enter(current, r.engine.opts.MaxHops); err != nil {
			return err
		}

		out, err := r.runStep(ctx, current, p)
		if err != nil {
			return err
		}

		switch len(out.next) {
		case 0:
			return nil
		case 1:
			current = out.next[0]
		default:
			for _, id := range out.next[1:] {
				r.spawn(ctx, id, p.clone())
			}
			current = out.next[0]
		}
	}
	return nil
}

// runStep executes one step and reports its transition. A non-nil error is
// fatal for the run.
func (r *run) runStep(ctx context.Context, id string, p *path) (outcome, error) {
	step := r.wf.Steps[id]
	kind := step.kind()

	if kind != KindConditional && step.Guard != nil && !step.Guard(r.state) {
		r.emit(NewEvent(EventStepSkipped, r.runID).
			WithStep(id, kind).
			WithElapsed(r.engine.opts.Now().Sub(r.start)).
			WithPayload("reason", "guard"))
		r.logger.Debug("step skipped by guard", "step", id)
		return outcome{next: step.OnSuccess}, nil
	}

	var stepErr error
	switch kind {
	case KindPlain:
		var fatal error
		stepErr, fatal = r.invoke(ctx, id, step)
		if fatal != nil {
			return outcome{}, fatal
		}
	case KindLoop:
		stepErr = r.runLoop(ctx, id, step, p)
	case KindConditional:
		stepErr = r.runConditional(ctx, id, step, p)
	}

	if stepErr == nil {
		return outcome{next: step.OnSuccess}, nil
	}
	if ctxErr := r.contextErr(ctx); ctxErr != nil {
		return outcome{}, ctxErr
	}
	if kind != KindPlain {
		// A failing body member surfaces as the control step's failure.
		if step.OnError == "" {
			return outcome{}, stepErr
		}
		r.state.RecordError(id, stepErr)
	}
	if step.OnError != "" {
		r.logger.Info("taking error transition", "step", id, "on_error", step.OnError)
		return outcome{next: []string{step.OnError}, recovered: true}, nil
	}
	return outcome{}, stepErr
}

// invoke calls the step's tool, retrying while budget remains. It returns the
// exhausted step failure, or a fatal error when the run context ended.
func (r *run) invoke(ctx context.Context, id string, step *Step) (stepErr error, fatal error) {
	budget := r.wf.retriesFor(step)
	now := r.engine.opts.Now

	for attempt := 1; ; attempt++ {
		var args map[string]any
		if step.Args != nil {
			args = step.Args(r.state)
		}

		started := now()
		r.emit(NewEvent(EventStepStarted, r.runID).
			WithStep(id, KindPlain).
			WithAttempt(attempt).
			WithElapsed(started.Sub(r.start)).
			WithPayload("server", step.Server).
			WithPayload("tool", step.Tool))

		value, err := r.engine.tools.CallTool(ctx, step.Server, step.Tool, args)
		elapsed := now().Sub(started)
		if err == nil {
			r.state.SetResult(id, value)
			r.emit(NewEvent(EventStepFinished, r.runID).
				WithStep(id, KindPlain).
				WithAttempt(attempt).
				WithElapsed(elapsed).
				WithPayload("server", step.Server).
				WithPayload("tool", step.Tool))
			return nil, nil
		}

		r.state.RecordError(id, err)
		r.emit(NewEvent(EventStepFailed, r.runID).
			WithStep(id, KindPlain).
			WithAttempt(attempt).
			WithElapsed(elapsed).
			WithPayload("server", step.Server).
			WithPayload("tool", step.Tool).
			WithPayload("error", err.Error()))
		r.logger.Warn("step attempt failed", "step", id, "attempt", attempt, "error", err)

		if ctxErr := r.contextErr(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		if attempt > budget {
			return &StepError{
				StepID:   id,
				Server:   step.Server,
				Tool:     step.Tool,
				Attempts: attempt,
				Err:      err,
			}, nil
		}

		r.emit(NewEvent(EventStepRetry, r.runID).
			WithStep(id, KindPlain).
			WithAttempt(attempt+1).
			WithElapsed(now().Sub(r.start)).
			WithPayload("delay", step.Delay.String()))
		if err := sleep(ctx, step.Delay); err != nil {
			return nil, r.contextErr(ctx)
		}
	}
}

func (r *run) runLoop(ctx context.Context, id string, step *Step, p *path) error {
	loop := step.Loop
	limit := loop.Iterations
	if limit == 0 {
		limit = r.engine.opts.MaxLoopPasses
	}

	for pass := 0; ; pass++ {
		if limit > 0 && pass >= limit {
			if loop.Iterations == 0 {
				return fmt.Errorf("%w: step %s ran %d passes", ErrLoopLimit, id, pass)
			}
			return nil
		}
		if err := r.contextErr(ctx); err != nil {
			return err
		}
		if loop.Guard != nil && !loop.Guard(r.state, pass) {
			return nil
		}

		iteration := r.state.advanceIteration()
		r.emit(NewEvent(EventLoopIteration, r.runID).
			WithStep(id, KindLoop).
			WithElapsed(r.engine.opts.Now().Sub(r.start)).
			WithPayload("pass", pass+1).
			WithPayload("iteration", iteration))

		if err := r.runSequence(ctx, loop.Body, p); err != nil {
			return err
		}
	}
}

func (r *run) runConditional(ctx context.Context, id string, step *Step, p *path) error {
	branch := "none"
	var members []string
	switch {
	case step.Guard(r.state):
		branch = "true"
		members = step.Branch.TrueBranch
	case len(step.Branch.FalseBranch) > 0:
		branch = "false"
		members = step.Branch.FalseBranch
	}

	r.emit(NewEvent(EventBranchTaken, r.runID).
		WithStep(id, KindConditional).
		WithElapsed(r.engine.opts.Now().Sub(r.start)).
		WithPayload("branch", branch))
	r.logger.Debug("branch taken", "step", id, "branch", branch)

	return r.runSequence(ctx, members, p)
}

// runSequence runs members in order without following their success
// transitions. A member that recovers through its error transition runs that
// path to completion before the sequence continues.
func (r *run) runSequence(ctx context.Context, members []string, p *path) error {
	for _, member := range members {
		if err := r.contextErr(ctx); err != nil {
			return err
		}
		out, err := r.runStep(ctx, member, p)
		if err != nil {
			return err
		}
		if out.recovered {
			if err := r.walk(ctx, out.next[0], p); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
