package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/petal-labs/mcpchain/workflow"
)

// LoadWorkflow reads a workflow file, decodes it, and compiles it. The
// returned Definition carries the declared variables for the initial Context.
func LoadWorkflow(path string) (*workflow.Definition, *workflow.Workflow, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return ParseWorkflow(data, path)
}

// ParseWorkflow decodes and compiles workflow bytes. path is used only for
// format detection and error messages.
func ParseWorkflow(data []byte, path string) (*workflow.Definition, *workflow.Workflow, error) {
	def, err := DecodeDefinition(data, path)
	if err != nil {
		return nil, nil, err
	}
	wf, err := workflow.Compile(def)
	if err != nil {
		return def, nil, &LoadError{Path: path, Err: err}
	}
	return def, wf, nil
}

// DecodeDefinition decodes workflow bytes without compiling them. Unknown
// fields are rejected so misspelled keys surface early.
func DecodeDefinition(data []byte, path string) (*workflow.Definition, error) {
	jsonData, err := toJSON(data, DetectFormat(data, path))
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(jsonData))
	dec.DisallowUnknownFields()
	var def workflow.Definition
	if err := dec.Decode(&def); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("parsing workflow definition: %w", err)}
	}
	if def.Name == "" && path != "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &def, nil
}

// LoadError ties a decode or compile failure to its file.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading workflow %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
