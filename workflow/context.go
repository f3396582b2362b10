package workflow

import (
	"maps"
	"sort"
	"sync"
)

// Context is the state shared by every step of one workflow execution.
//
// It only grows: no method removes a key and the iteration counter only
// increases. Concurrent paths writing the same key race; the last write wins.
type Context struct {
	mu        sync.RWMutex
	results   map[string]any
	variables map[string]any
	errors    map[string]error
	iteration int
}

// NewContext returns a Context seeded with variables.
func NewContext(variables map[string]any) *Context {
	c := &Context{
		results:   make(map[string]any),
		variables: make(map[string]any, len(variables)),
		errors:    make(map[string]error),
	}
	maps.Copy(c.variables, variables)
	return c
}

// Result returns the recorded result of a step.
func (c *Context) Result(stepID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.results[stepID]
	return v, ok
}

// SetResult records the result of a step.
func (c *Context) SetResult(stepID string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[stepID] = value
}

// Variable returns a user variable.
func (c *Context) Variable(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// SetVariable sets a user variable.
func (c *Context) SetVariable(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Err returns the last error recorded for a step.
func (c *Context) Err(stepID string) (error, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	err, ok := c.errors[stepID]
	return err, ok
}

// RecordError records a step failure. A later success does not clear it.
func (c *Context) RecordError(stepID string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[stepID] = err
}

// Iteration returns the number of loop body passes run so far.
func (c *Context) Iteration() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.iteration
}

func (c *Context) advanceIteration() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iteration++
	return c.iteration
}

// Results returns a copy of the results map.
func (c *Context) Results() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.results)
}

// Variables returns a copy of the variables map.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.variables)
}

// Errors returns a copy of the errors map.
func (c *Context) Errors() map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.errors)
}

// Snapshot is a serializable copy of a Context.
type Snapshot struct {
	Results   map[string]any    `json:"results"`
	Variables map[string]any    `json:"variables"`
	Errors    map[string]string `json:"errors"`
	Iteration int               `json:"iteration"`
}

// Snapshot returns a serializable copy of the Context.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	errs := make(map[string]string, len(c.errors))
	for id, err := range c.errors {
		errs[id] = err.Error()
	}
	return Snapshot{
		Results:   maps.Clone(c.results),
		Variables: maps.Clone(c.variables),
		Errors:    errs,
		Iteration: c.iteration,
	}
}

// ErrorIDs returns the ids of failed steps in sorted order.
func (c *Context) ErrorIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.errors))
	for id := range c.errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
