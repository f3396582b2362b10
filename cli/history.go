package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpchain/bus"
)

// NewHistoryCmd creates the "history" subcommand.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show journaled runs, or the events of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}

	cmd.Flags().String("store-path", "", "SQLite database written by run --store-path")
	_ = cmd.MarkFlagRequired("store-path")

	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	storePath, _ := cmd.Flags().GetString("store-path")
	store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{DSN: storePath})
	if err != nil {
		return exitError(exitRuntime, "opening event store: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)

	if len(args) == 1 {
		events, err := store.List(ctx, args[0], 0, 0)
		if err != nil {
			return exitError(exitRuntime, "listing events: %w", err)
		}
		if len(events) == 0 {
			return exitError(exitValidation, "run %q not found", args[0])
		}
		fmt.Fprintln(writer, "SEQ\tKIND\tSTEP\tATTEMPT\tELAPSED\tDETAIL")
		for _, e := range events {
			detail := "-"
			if msg, ok := e.Payload["error"].(string); ok && msg != "" {
				detail = msg
			} else if status, ok := e.Payload["status"].(string); ok {
				detail = status
			}
			fmt.Fprintf(writer, "%d\t%s\t%s\t%d\t%s\t%s\n",
				e.Seq, e.Kind, orDash(e.StepID), e.Attempt, elapsedString(e.Elapsed), detail)
		}
		return writer.Flush()
	}

	runs, err := store.Runs(ctx)
	if err != nil {
		return exitError(exitRuntime, "listing runs: %w", err)
	}
	fmt.Fprintln(writer, "RUN\tWORKFLOW\tSTATUS\tSTARTED\tDURATION\tEVENTS")
	for _, run := range runs {
		status := run.Status
		if strings.TrimSpace(status) == "" {
			status = "incomplete"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\n",
			run.RunID, orDash(run.Workflow), status,
			run.Started.Local().Format("2006-01-02 15:04:05"), elapsedString(run.Duration), run.Events)
	}
	return writer.Flush()
}
