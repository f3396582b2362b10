package workflow

import (
	"errors"
	"fmt"
)

// Workflow errors.
var (
	ErrInvalidWorkflow = errors.New("invalid workflow")
	ErrWorkflowTimeout = errors.New("workflow timed out")
	ErrStepFailed      = errors.New("step failed")
	ErrMaxHopsExceeded = errors.New("maximum hops exceeded")
	ErrLoopLimit       = errors.New("loop pass limit exceeded")
	ErrRunCanceled     = errors.New("run was canceled")
	ErrNoToolCaller    = errors.New("no tool caller configured")
)

// StepError reports a step whose retries were exhausted with no error
// transition to take.
type StepError struct {
	StepID   string
	Server   string
	Tool     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("workflow: step %s (%s/%s) failed after %d attempt(s): %v", e.StepID, e.Server, e.Tool, e.Attempts, e.Err)
}

// Unwrap exposes both ErrStepFailed and the underlying tool error.
func (e *StepError) Unwrap() []error {
	if e == nil {
		return nil
	}
	return []error{ErrStepFailed, e.Err}
}
