package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpchain/pushserver"
)

// NewMockServerCmd creates the "mock-server" subcommand.
func NewMockServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Serve mock push-channel MCP endpoints for local testing",
		Args:  cobra.NoArgs,
		RunE:  runMockServer,
	}

	cmd.Flags().String("addr", "127.0.0.1:3000", "Listen address")
	cmd.Flags().Duration("keepalive", pushserver.DefaultKeepaliveInterval, "Keepalive interval for open streams")
	cmd.Flags().Bool("echo", false, "Answer every request with the plain echo payload instead of MCP results")

	return cmd
}

func runMockServer(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	keepalive, _ := cmd.Flags().GetDuration("keepalive")
	echo, _ := cmd.Flags().GetBool("echo")

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	cfg := pushserver.Config{
		KeepaliveInterval: keepalive,
		Logger:            a.logger,
	}
	if !echo {
		cfg.Tool = pushserver.MockMCP(nil, time.Now)
	}
	handler := pushserver.NewHandler(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return listenAndServe(ctx, cmd, addr, handler, 30*time.Second)
}
