package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Definition is the serializable form of a Workflow. Guards are small
// predicates and arguments are static maps with single-token references.
type Definition struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Entry       string           `json:"entry" yaml:"entry"`
	Timeout     string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries  *int             `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Variables   map[string]any   `json:"variables,omitempty" yaml:"variables,omitempty"`
	Steps       []StepDefinition `json:"steps" yaml:"steps"`
}

// StepDefinition is the serializable form of a Step.
type StepDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Type        string         `json:"type,omitempty" yaml:"type,omitempty"`
	Server      string         `json:"server,omitempty" yaml:"server,omitempty"`
	Tool        string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args        map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	When        *Predicate     `json:"when,omitempty" yaml:"when,omitempty"`
	OnSuccess   []string       `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnError     string         `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	Retries     *int           `json:"retries,omitempty" yaml:"retries,omitempty"`
	Delay       string         `json:"delay,omitempty" yaml:"delay,omitempty"`
	Iterations  int            `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	While       *Predicate     `json:"while,omitempty" yaml:"while,omitempty"`
	Body        []string       `json:"body,omitempty" yaml:"body,omitempty"`
	TrueBranch  []string       `json:"true_branch,omitempty" yaml:"true_branch,omitempty"`
	FalseBranch []string       `json:"false_branch,omitempty" yaml:"false_branch,omitempty"`
}

// Predicate tests one Context entry. Exactly one of Var, Result, or Error
// names the entry. With Equals set the entry must equal it; otherwise Exists
// (default true) tests presence. Not negates the outcome.
type Predicate struct {
	Var    string `json:"var,omitempty" yaml:"var,omitempty"`
	Result string `json:"result,omitempty" yaml:"result,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
	Equals any    `json:"equals,omitempty" yaml:"equals,omitempty"`
	Exists *bool  `json:"exists,omitempty" yaml:"exists,omitempty"`
	Not    bool   `json:"not,omitempty" yaml:"not,omitempty"`
}

const (
	refVar       = "$var."
	refResult    = "$result."
	refIteration = "$iteration"
)

// Compile turns a Definition into a validated Workflow.
func Compile(def *Definition) (*Workflow, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: definition is nil", ErrInvalidWorkflow)
	}

	wf := &Workflow{
		Name:       def.Name,
		Entry:      def.Entry,
		Steps:      make(map[string]*Step, len(def.Steps)),
		MaxRetries: def.MaxRetries,
	}
	if wf.Entry == "" && len(def.Steps) > 0 {
		wf.Entry = def.Steps[0].ID
	}
	if def.Timeout != "" {
		timeout, err := time.ParseDuration(def.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout %q: %v", ErrInvalidWorkflow, def.Timeout, err)
		}
		wf.Timeout = timeout
	}

	for i, sd := range def.Steps {
		id := strings.TrimSpace(sd.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: step %d has no id", ErrInvalidWorkflow, i)
		}
		if _, dup := wf.Steps[id]; dup {
			return nil, fmt.Errorf("%w: duplicate step id %q", ErrInvalidWorkflow, id)
		}
		step, err := compileStep(id, sd)
		if err != nil {
			return nil, fmt.Errorf("%w: step %q: %v", ErrInvalidWorkflow, id, err)
		}
		wf.Steps[id] = step
	}

	if err := Validate(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func compileStep(id string, sd StepDefinition) (*Step, error) {
	step := &Step{
		ID:        id,
		Kind:      Kind(strings.ToLower(strings.TrimSpace(sd.Type))),
		Server:    sd.Server,
		Tool:      sd.Tool,
		OnSuccess: sd.OnSuccess,
		OnError:   sd.OnError,
		Retries:   sd.Retries,
	}
	if step.Kind == "" {
		step.Kind = KindPlain
	}
	if sd.Delay != "" {
		delay, err := time.ParseDuration(sd.Delay)
		if err != nil {
			return nil, fmt.Errorf("delay %q: %v", sd.Delay, err)
		}
		step.Delay = delay
	}
	if sd.Args != nil {
		args := sd.Args
		step.Args = func(c *Context) map[string]any {
			return resolveArgs(c, args)
		}
	}
	if sd.When != nil {
		guard, err := sd.When.compile()
		if err != nil {
			return nil, fmt.Errorf("when: %v", err)
		}
		step.Guard = guard
	}

	switch step.Kind {
	case KindLoop:
		step.Loop = &LoopSpec{
			Iterations: sd.Iterations,
			Body:       sd.Body,
		}
		if sd.While != nil {
			guard, err := sd.While.compile()
			if err != nil {
				return nil, fmt.Errorf("while: %v", err)
			}
			step.Loop.Guard = func(c *Context, _ int) bool { return guard(c) }
		}
	case KindConditional:
		step.Branch = &BranchSpec{
			TrueBranch:  sd.TrueBranch,
			FalseBranch: sd.FalseBranch,
		}
	}
	return step, nil
}

func (p *Predicate) compile() (Guard, error) {
	set := 0
	for _, name := range []string{p.Var, p.Result, p.Error} {
		if name != "" {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("predicate must name exactly one of var, result, or error")
	}
	if p.Equals != nil && p.Exists != nil {
		return nil, errors.New("predicate cannot combine equals and exists")
	}

	pred := *p
	return func(c *Context) bool {
		var (
			value any
			found bool
		)
		switch {
		case pred.Var != "":
			value, found = c.Variable(pred.Var)
		case pred.Result != "":
			value, found = c.Result(pred.Result)
		default:
			var err error
			err, found = c.Err(pred.Error)
			if found {
				value = err.Error()
			}
		}

		var ok bool
		switch {
		case pred.Equals != nil:
			ok = found && valuesEqual(value, pred.Equals)
		case pred.Exists != nil && !*pred.Exists:
			ok = !found
		default:
			ok = found
		}
		if pred.Not {
			return !ok
		}
		return ok
	}, nil
}

// resolveArgs substitutes "$var.<name>", "$result.<id>", and "$iteration"
// tokens. Only whole string values are references; nothing is evaluated.
func resolveArgs(c *Context, args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for key, value := range args {
		out[key] = resolveValue(c, value)
	}
	return out
}

func resolveValue(c *Context, value any) any {
	switch typed := value.(type) {
	case string:
		switch {
		case typed == refIteration:
			return c.Iteration()
		case strings.HasPrefix(typed, refVar):
			v, _ := c.Variable(strings.TrimPrefix(typed, refVar))
			return v
		case strings.HasPrefix(typed, refResult):
			v, _ := c.Result(strings.TrimPrefix(typed, refResult))
			return v
		}
		return typed
	case map[string]any:
		return resolveArgs(c, typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = resolveValue(c, item)
		}
		return out
	default:
		return value
	}
}

// valuesEqual compares decoded values structurally. Numbers compare by value
// at every depth, so an int from YAML equals a float64 from JSON.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}

	switch ta := a.(type) {
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for key, va := range ta {
			vb, found := tb[key]
			if !found || !valuesEqual(va, vb) {
				return false
			}
		}
		return true
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !valuesEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
