package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Validate checks a workflow before execution: the entry exists, every
// referenced step id exists, each kind carries its payload, loops are bounded
// or guarded, and step containment is acyclic. All problems are reported in
// one error wrapping ErrInvalidWorkflow.
func Validate(wf *Workflow) error {
	if wf == nil {
		return fmt.Errorf("%w: workflow is nil", ErrInvalidWorkflow)
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(wf.Steps) == 0 {
		add("workflow has no steps")
	}
	if strings.TrimSpace(wf.Entry) == "" {
		add("entry step is required")
	} else if _, ok := wf.Steps[wf.Entry]; !ok {
		add("entry step %q does not exist", wf.Entry)
	}
	if wf.Timeout < 0 {
		add("timeout must not be negative")
	}
	if wf.MaxRetries != nil && *wf.MaxRetries < 0 {
		add("max retries must not be negative")
	}

	ref := func(owner, field, id string) {
		if strings.TrimSpace(id) == "" {
			add("step %q: %s contains an empty step id", owner, field)
			return
		}
		if _, ok := wf.Steps[id]; !ok {
			add("step %q: %s references unknown step %q", owner, field, id)
		}
	}

	for _, id := range sortedStepIDs(wf) {
		step := wf.Steps[id]
		if step == nil {
			add("step %q is nil", id)
			continue
		}
		if step.ID != "" && step.ID != id {
			add("step %q: id field %q does not match its key", id, step.ID)
		}
		if step.Retries != nil && *step.Retries < 0 {
			add("step %q: retries must not be negative", id)
		}
		if step.Delay < 0 {
			add("step %q: delay must not be negative", id)
		}
		for _, next := range step.OnSuccess {
			ref(id, "on_success", next)
		}
		if step.OnError != "" {
			ref(id, "on_error", step.OnError)
		}

		switch step.kind() {
		case KindPlain:
			if strings.TrimSpace(step.Server) == "" {
				add("step %q: server is required", id)
			}
			if strings.TrimSpace(step.Tool) == "" {
				add("step %q: tool is required", id)
			}
		case KindLoop:
			if step.Loop == nil {
				add("step %q: loop step requires a loop payload", id)
				continue
			}
			if step.Loop.Iterations < 0 {
				add("step %q: iterations must not be negative", id)
			}
			if step.Loop.Iterations == 0 && step.Loop.Guard == nil {
				add("step %q: loop needs an iteration bound or a guard", id)
			}
			if len(step.Loop.Body) == 0 {
				add("step %q: loop body is empty", id)
			}
			for _, member := range step.Loop.Body {
				ref(id, "body", member)
			}
		case KindConditional:
			if step.Branch == nil {
				add("step %q: conditional step requires a branch payload", id)
				continue
			}
			if step.Guard == nil {
				add("step %q: conditional step requires a guard", id)
			}
			for _, member := range step.Branch.TrueBranch {
				ref(id, "true_branch", member)
			}
			for _, member := range step.Branch.FalseBranch {
				ref(id, "false_branch", member)
			}
		default:
			add("step %q: unknown kind %q", id, step.Kind)
		}
	}

	if len(problems) == 0 {
		if cycle := containmentCycle(wf); cycle != nil {
			add("step containment cycle: %s", strings.Join(cycle, " -> "))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidWorkflow, strings.Join(problems, "; "))
	}
	return nil
}

// containmentCycle finds a loop body or branch that (transitively) contains
// its own step, which would recurse without bound.
func containmentCycle(wf *Workflow) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(wf.Steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		switch state[id] {
		case visiting:
			for i, member := range stack {
				if member == id {
					return append(append([]string(nil), stack[i:]...), id)
				}
			}
			return []string{id, id}
		case done:
			return nil
		}
		state[id] = visiting
		stack = append(stack, id)
		for _, child := range contained(wf.Steps[id]) {
			if cycle := visit(child); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range sortedStepIDs(wf) {
		if cycle := visit(id); cycle != nil {
			return cycle
		}
	}
	return nil
}

func contained(step *Step) []string {
	if step == nil {
		return nil
	}
	switch step.kind() {
	case KindLoop:
		if step.Loop != nil {
			return step.Loop.Body
		}
	case KindConditional:
		if step.Branch != nil {
			out := make([]string, 0, len(step.Branch.TrueBranch)+len(step.Branch.FalseBranch))
			out = append(out, step.Branch.TrueBranch...)
			return append(out, step.Branch.FalseBranch...)
		}
	}
	return nil
}

func sortedStepIDs(wf *Workflow) []string {
	ids := make([]string, 0, len(wf.Steps))
	for id := range wf.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
