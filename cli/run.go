package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/mcpchain/loader"
	"github.com/petal-labs/mcpchain/workflow"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Execute a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().StringP("output", "o", "", "Write the final context to a file (default: stdout)")
	cmd.Flags().StringArray("var", nil, "Set a workflow variable as key=value (repeatable)")
	cmd.Flags().Duration("timeout", 0, "Override the workflow timeout")
	addExecFlags(cmd)

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitInputParse, "unknown format %q (use json or text)", format)
	}
	rawVars, _ := cmd.Flags().GetStringArray("var")
	overrides, err := parseVars(rawVars)
	if err != nil {
		return err
	}
	settings, err := readExecSettings(cmd)
	if err != nil {
		return err
	}

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	def, wf, err := loadWorkflowFile(args[0])
	if err != nil {
		return err
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		wf.Timeout = timeout
	}

	ctx := cmd.Context()
	x, err := newExecutor(ctx, a, settings, workflowServers(wf))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := shutdownContext()
		defer cancel()
		x.close(shutdownCtx)
	}()

	result, runErr := x.execute(ctx, wf, mergeVars(def.Variables, overrides))

	outputPath, _ := cmd.Flags().GetString("output")
	if err := writeResult(cmd, format, outputPath, result); err != nil {
		return err
	}
	if settings.metrics {
		if err := x.telemetry.WriteSummary(ctx, cmd.ErrOrStderr()); err != nil {
			a.logger.Warn("writing metrics summary", "error", err)
		}
	}
	if runErr != nil || !result.Succeeded() {
		return runError(result, runErr)
	}
	return nil
}

// loadWorkflowFile loads a workflow and maps failures to exit codes.
func loadWorkflowFile(path string) (*workflow.Definition, *workflow.Workflow, error) {
	def, wf, err := loader.LoadWorkflow(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, exitError(exitFileNotFound, "workflow file not found: %s", path)
		}
		return nil, nil, exitError(exitValidation, "%w", err)
	}
	return def, wf, nil
}

// parseVars decodes key=value pairs. Values are read as YAML scalars, so
// "3" is a number and "true" a boolean; anything else stays a string.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, exitError(exitInputParse, "invalid --var %q (want key=value)", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		vars[key] = value
	}
	return vars, nil
}

func mergeVars(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func writeResult(cmd *cobra.Command, format, outputPath string, result workflow.Result) error {
	var (
		output string
		err    error
	)
	switch format {
	case "json":
		output, err = formatResultJSON(result)
		if err != nil {
			return exitError(exitRuntime, "marshaling output: %w", err)
		}
	default:
		output = formatResultText(result)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(output+"\n"), 0o600); err != nil {
			return exitError(exitRuntime, "writing output file: %w", err)
		}
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), output)
	return nil
}

func elapsedString(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
