package cli

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpchain/bus"
	"github.com/petal-labs/mcpchain/client"
	"github.com/petal-labs/mcpchain/config"
	mcpotel "github.com/petal-labs/mcpchain/otel"
	"github.com/petal-labs/mcpchain/transport"
	"github.com/petal-labs/mcpchain/workflow"
)

// execSettings are the flags shared by commands that execute workflows.
type execSettings struct {
	transport    string
	storePath    string
	otlpEndpoint string
	otlpInsecure bool
	metrics      bool

	// memoryJournal keeps events in memory when no store path is set.
	memoryJournal bool
}

func addExecFlags(cmd *cobra.Command) {
	cmd.Flags().String("transport", "", "Force every server onto one transport: stdio | sse | http")
	cmd.Flags().String("store-path", "", "Journal run events to this SQLite database")
	cmd.Flags().String("otlp", "", "Export traces over OTLP/HTTP to host:port")
	cmd.Flags().Bool("otlp-insecure", false, "Disable TLS for the OTLP exporter")
	cmd.Flags().Bool("metrics", false, "Collect metrics and print a summary on exit")
}

func readExecSettings(cmd *cobra.Command) (execSettings, error) {
	var s execSettings
	s.transport, _ = cmd.Flags().GetString("transport")
	s.storePath, _ = cmd.Flags().GetString("store-path")
	s.otlpEndpoint, _ = cmd.Flags().GetString("otlp")
	s.otlpInsecure, _ = cmd.Flags().GetBool("otlp-insecure")
	s.metrics, _ = cmd.Flags().GetBool("metrics")
	switch transport.Type(s.transport) {
	case "", transport.TypeStdio, transport.TypeSSE, transport.TypeHTTP:
		return s, nil
	default:
		return s, exitError(exitInputParse, "unknown transport %q (use stdio, sse, or http)", s.transport)
	}
}

// executor owns everything a workflow run needs: connected servers,
// telemetry, and the optional event journal.
type executor struct {
	app       *app
	settings  execSettings
	chain     *client.Chain
	telemetry *mcpotel.Telemetry
	events    *bus.MemBus
	store     bus.EventStore
	drained   <-chan struct{}
}

// newExecutor connects the servers named in needed. A nil needed connects
// every configured server.
func newExecutor(ctx context.Context, a *app, settings execSettings, needed []string) (*executor, error) {
	telemetry, err := mcpotel.Setup(ctx, mcpotel.Config{
		OTLPEndpoint: settings.otlpEndpoint,
		Insecure:     settings.otlpInsecure,
		Metrics:      settings.metrics,
	})
	if err != nil {
		return nil, exitError(exitRuntime, "setting up telemetry: %w", err)
	}
	x := &executor{app: a, settings: settings, telemetry: telemetry}

	switch {
	case settings.storePath != "":
		store, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
			DSN:    settings.storePath,
			Logger: a.logger,
		})
		if err != nil {
			x.close(context.Background())
			return nil, exitError(exitRuntime, "opening event store: %w", err)
		}
		x.store = store
	case settings.memoryJournal:
		x.store = bus.NewMemEventStore()
	}
	if x.store != nil {
		x.events = bus.NewMemBus(bus.MemBusConfig{Logger: a.logger})
		x.drained = bus.Drain(context.Background(), x.events.SubscribeAll(), bus.NewStoreSubscriber(x.store, a.logger).Handle)
	}

	servers, err := selectServers(a, settings, needed)
	if err != nil {
		x.close(context.Background())
		return nil, err
	}
	x.chain = client.NewChain(servers, client.ChainOptions{
		Logger: a.logger,
		Selector: transport.SelectorOptions{
			Env:      a.env,
			Logger:   a.logger,
			Observer: telemetry.Observer(),
		},
	})
	if err := x.chain.Connect(ctx); err != nil {
		x.close(context.Background())
		return nil, exitError(exitConnect, "connecting servers: %w", err)
	}
	return x, nil
}

// selectServers applies API-key gating and the forced transport, then keeps
// the servers in needed.
func selectServers(a *app, settings execSettings, needed []string) ([]transport.ServerConfig, error) {
	servers := config.FilterServers(a.cfg.Servers, a.lookup, a.logger)
	if settings.transport != "" {
		servers = config.ForceType(servers, transport.Type(settings.transport))
	}
	if needed == nil {
		return servers, nil
	}

	var (
		out     []transport.ServerConfig
		missing []string
	)
	for _, name := range needed {
		idx := slices.IndexFunc(servers, func(s transport.ServerConfig) bool { return s.Name == name })
		if idx < 0 {
			missing = append(missing, name)
			continue
		}
		out = append(out, servers[idx])
	}
	if len(missing) > 0 {
		return nil, exitError(exitValidation, "workflow uses servers that are not configured or available: %v", missing)
	}
	return out, nil
}

// workflowServers returns the sorted server names the plain steps of the
// given workflows call.
func workflowServers(wfs ...*workflow.Workflow) []string {
	seen := make(map[string]struct{})
	for _, wf := range wfs {
		for _, step := range wf.Steps {
			if step.Server != "" {
				seen[step.Server] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (x *executor) execute(ctx context.Context, wf *workflow.Workflow, vars map[string]any) (workflow.Result, error) {
	opts := workflow.Options{
		EventHandler:          x.telemetry.Handler(),
		EventEmitterDecorator: x.telemetry.Decorator(),
		Logger:                x.app.logger,
	}
	if x.events != nil {
		opts.EventBus = x.events
	}
	return workflow.NewEngine(x.chain, opts).Execute(ctx, wf, workflow.NewContext(vars))
}

func (x *executor) close(ctx context.Context) {
	if x.chain != nil {
		if err := x.chain.Close(ctx); err != nil {
			x.app.logger.Warn("closing servers", "error", err)
		}
	}
	if x.events != nil {
		_ = x.events.Close()
		select {
		case <-x.drained:
		case <-ctx.Done():
		}
	}
	if closer, ok := x.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			x.app.logger.Warn("closing event store", "error", err)
		}
	}
	if err := x.telemetry.Shutdown(ctx); err != nil {
		x.app.logger.Warn("shutting down telemetry", "error", err)
	}
}

// runError maps a failed run to an exit code.
func runError(result workflow.Result, err error) error {
	if err == nil {
		err = result.Err
	}
	switch {
	case errors.Is(err, workflow.ErrWorkflowTimeout), errors.Is(err, context.DeadlineExceeded):
		return exitError(exitTimeout, "run %s timed out: %w", result.RunID, err)
	case errors.Is(err, workflow.ErrInvalidWorkflow):
		return exitError(exitValidation, "run %s: %w", result.RunID, err)
	default:
		return exitError(exitRuntime, "run %s failed: %w", result.RunID, err)
	}
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
