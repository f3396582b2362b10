package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpchain/config"
	"github.com/petal-labs/mcpchain/scheduler"
	"github.com/petal-labs/mcpchain/sse"
	"github.com/petal-labs/mcpchain/workflow"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run configured workflow schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().String("addr", "", "Serve run history and live run events on this address")
	cmd.Flags().Duration("poll-interval", 5*time.Second, "How often schedules are checked")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	addExecFlags(cmd)

	return cmd
}

// scheduledWorkflow is a schedule paired with its compiled workflow.
type scheduledWorkflow struct {
	def *workflow.Definition
	wf  *workflow.Workflow
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	settings, err := readExecSettings(cmd)
	if err != nil {
		return err
	}
	settings.memoryJournal = addr != ""

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if len(a.cfg.Schedules) == 0 {
		return exitError(exitValidation, "no schedules configured")
	}

	workflows := make(map[string]scheduledWorkflow, len(a.cfg.Schedules))
	compiled := make([]*workflow.Workflow, 0, len(a.cfg.Schedules))
	for _, schedule := range a.cfg.Schedules {
		if _, ok := workflows[schedule.Workflow]; ok {
			continue
		}
		def, wf, err := loadWorkflowFile(schedule.Workflow)
		if err != nil {
			return err
		}
		workflows[schedule.Workflow] = scheduledWorkflow{def: def, wf: wf}
		compiled = append(compiled, wf)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	x, err := newExecutor(ctx, a, settings, workflowServers(compiled...))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := shutdownContext()
		defer cancel()
		x.close(shutdownCtx)
	}()

	sched, err := scheduler.New(scheduler.Config{
		Schedules:    a.cfg.Schedules,
		PollInterval: pollInterval,
		Logger:       a.logger,
		Runner: func(ctx context.Context, schedule config.Schedule) error {
			entry := workflows[schedule.Workflow]
			result, err := x.execute(ctx, entry.wf, mergeVars(entry.def.Variables, schedule.Variables))
			if err != nil {
				return err
			}
			return result.Err
		},
	})
	if err != nil {
		return exitError(exitValidation, "%w", err)
	}
	sched.Start(ctx)
	defer func() {
		shutdownCtx, cancel := shutdownContext()
		defer cancel()
		if err := sched.Stop(shutdownCtx); err != nil {
			a.logger.Warn("stopping scheduler", "error", err)
		}
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Running %d schedule(s)\n", len(a.cfg.Schedules))

	if addr == "" {
		<-ctx.Done()
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/runs", sse.RunsHandler(x.store, a.logger))
	mux.Handle("GET /api/runs/{run_id}/events", sse.NewHandler(sse.Config{
		Store:  x.store,
		Bus:    x.events,
		Logger: a.logger,
	}))
	mux.HandleFunc("GET /api/schedules", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"schedules": sched.Status()})
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return listenAndServe(ctx, cmd, addr, mux, readTimeout)
}

// listenAndServe serves handler on addr until ctx ends, then shuts down.
func listenAndServe(ctx context.Context, cmd *cobra.Command, addr string, handler http.Handler, readTimeout time.Duration) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return exitError(exitRuntime, "listening on %s: %w", addr, err)
	}
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", listener.Addr())

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %w", err)
		}
		return nil
	}
}
