package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/petal-labs/mcpchain/workflow"
)

type resultJSON struct {
	RunID     string            `json:"run_id"`
	Status    string            `json:"status"`
	ElapsedMs int64             `json:"elapsed_ms"`
	Error     string            `json:"error,omitempty"`
	Context   workflow.Snapshot `json:"context"`
}

func formatResultJSON(result workflow.Result) (string, error) {
	out := resultJSON{
		RunID:     result.RunID,
		Status:    string(result.Status),
		ElapsedMs: result.Elapsed.Milliseconds(),
	}
	if result.Err != nil {
		out.Error = result.Err.Error()
	}
	if result.Context != nil {
		out.Context = result.Context.Snapshot()
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// formatResultText returns a human-readable summary of a run.
func formatResultText(result workflow.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s: %s (%s)\n", result.RunID, result.Status, elapsedString(result.Elapsed))
	if result.Err != nil {
		fmt.Fprintf(&sb, "Error: %v\n", result.Err)
	}
	if result.Context == nil {
		return strings.TrimRight(sb.String(), "\n")
	}

	snap := result.Context.Snapshot()
	writeSection(&sb, "Results", snap.Results)
	writeSection(&sb, "Variables", snap.Variables)
	if len(snap.Errors) > 0 {
		sb.WriteString("\n=== Errors ===\n")
		for _, id := range sortedKeys(snap.Errors) {
			fmt.Fprintf(&sb, "  %s: %s\n", id, snap.Errors[id])
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func writeSection(sb *strings.Builder, title string, values map[string]any) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n=== %s ===\n", title)
	for _, key := range sortedKeys(values) {
		fmt.Fprintf(sb, "  %s: %s\n", key, compactValue(values[key]))
	}
}

func compactValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
