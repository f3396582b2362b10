package workflow

import "time"

// Kind discriminates the step variants.
type Kind string

const (
	KindPlain       Kind = "plain"
	KindLoop        Kind = "loop"
	KindConditional Kind = "conditional"
)

// ArgsFunc computes tool arguments from the current Context. It must only
// read the Context.
type ArgsFunc func(c *Context) map[string]any

// Guard decides whether a step runs. It must only read the Context; the
// engine may evaluate it without running the step.
type Guard func(c *Context) bool

// LoopGuard decides whether another loop pass runs. pass is the number of
// passes this loop has completed in the current activation.
type LoopGuard func(c *Context, pass int) bool

// Step is one node of a workflow graph.
type Step struct {
	ID string

	// Kind selects the variant. Empty means KindPlain.
	Kind Kind

	// Server and Tool name the tool a plain step invokes.
	Server string
	Tool   string

	// Args computes tool arguments. Nil sends no arguments.
	Args ArgsFunc

	// Guard skips a plain or loop step when false. For a conditional step
	// it selects the branch.
	Guard Guard

	// OnSuccess lists the next steps. Several ids fan out into concurrent
	// paths; none ends the path.
	OnSuccess []string

	// OnError is the step to run once retries are exhausted.
	OnError string

	// Retries overrides Workflow.MaxRetries for this step.
	Retries *int

	// Delay is the wait between attempts.
	Delay time.Duration

	Loop   *LoopSpec
	Branch *BranchSpec
}

// LoopSpec is the payload of a loop step.
type LoopSpec struct {
	// Iterations bounds the number of passes. Zero means unbounded, in which
	// case Guard is required.
	Iterations int

	Guard LoopGuard

	// Body runs in order on every pass.
	Body []string
}

// BranchSpec is the payload of a conditional step.
type BranchSpec struct {
	TrueBranch  []string
	FalseBranch []string
}

// Workflow is a named graph of steps.
type Workflow struct {
	Name    string
	Entry   string
	Steps   map[string]*Step
	Timeout time.Duration

	// MaxRetries is the retry budget of steps that do not set Retries.
	MaxRetries *int
}

// Retries returns a pointer to n, for Step.Retries and Workflow.MaxRetries.
func Retries(n int) *int {
	return &n
}

func (s *Step) kind() Kind {
	if s.Kind == "" {
		return KindPlain
	}
	return s.Kind
}

func (w *Workflow) retriesFor(s *Step) int {
	switch {
	case s.Retries != nil:
		return *s.Retries
	case w.MaxRetries != nil:
		return *w.MaxRetries
	default:
		return 0
	}
}
