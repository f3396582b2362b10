package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpchain/loader"
	"github.com/petal-labs/mcpchain/transport"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <workflow>",
		Short: "Validate a workflow file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

type validateReport struct {
	File     string   `json:"file"`
	Valid    bool     `json:"valid"`
	Workflow string   `json:"workflow,omitempty"`
	Entry    string   `json:"entry,omitempty"`
	Steps    int      `json:"steps"`
	Servers  []string `json:"servers,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	if format != "text" && format != "json" {
		return exitError(exitInputParse, "unknown format %q (use json or text)", format)
	}

	report := validateReport{File: filePath}
	_, wf, err := loader.LoadWorkflow(filePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return exitError(exitFileNotFound, "file not found: %s", filePath)
	case err != nil:
		report.Errors = append(report.Errors, err.Error())
	default:
		report.Workflow = wf.Name
		report.Entry = wf.Entry
		report.Steps = len(wf.Steps)
		report.Servers = workflowServers(wf)

		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		report.Warnings = serverWarnings(report.Servers, a.cfg.Servers, a.env)
	}
	report.Valid = len(report.Errors) == 0 && (!strict || len(report.Warnings) == 0)

	if err := printValidateReport(cmd.OutOrStdout(), report, format); err != nil {
		return exitError(exitRuntime, "writing report: %w", err)
	}
	if !report.Valid {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// serverWarnings flags workflow servers that are missing from the config or
// whose configuration cannot produce a channel.
func serverWarnings(used []string, configured []transport.ServerConfig, env transport.Environment) []string {
	var warnings []string
	for _, name := range used {
		idx := slices.IndexFunc(configured, func(s transport.ServerConfig) bool { return s.Name == name })
		if idx < 0 {
			warnings = append(warnings, fmt.Sprintf("server %q is not configured", name))
			continue
		}
		if err := transport.Validate(configured[idx], env); err != nil {
			warnings = append(warnings, fmt.Sprintf("server %q: %v", name, err))
		}
	}
	return warnings
}

func printValidateReport(w io.Writer, report validateReport, format string) error {
	if format == "json" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	for _, msg := range report.Errors {
		fmt.Fprintf(w, "error: %s\n", msg)
	}
	for _, msg := range report.Warnings {
		fmt.Fprintf(w, "warning: %s\n", msg)
	}
	if len(report.Errors) > 0 {
		return nil
	}
	_, err := fmt.Fprintf(w, "%s: workflow %q is valid (%d steps, entry %s)\n",
		report.File, report.Workflow, report.Steps, report.Entry)
	return err
}
