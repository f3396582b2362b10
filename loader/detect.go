// Package loader reads declarative workflow files in YAML or JSON and
// compiles them into executable workflows.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a workflow file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// DetectFormat picks the parse format for a file:
//  1. .yaml/.yml -> YAML, .json -> JSON
//  2. otherwise a document starting with '{' is JSON
//  3. anything else is YAML
func DetectFormat(data []byte, path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatYAML
}

// toJSON converts data to JSON bytes, handling YAML conversion when the
// detected format is YAML.
func toJSON(data []byte, format Format) ([]byte, error) {
	if format == FormatYAML {
		return yamlToJSON(data)
	}
	return data, nil
}

// yamlToJSON converts YAML bytes to JSON bytes so both encodings share one
// set of struct tags: YAML -> map[string]any -> JSON bytes -> typed struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(raw)
}
