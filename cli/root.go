package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the mcpchain command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "mcpchain",
		Short: "Chain MCP tool servers into workflows",
		Long: "mcpchain connects to MCP tool servers over stdio, SSE, or HTTP and " +
			"runs declarative workflows of tool calls against them.",
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(fmt.Sprintf("mcpchain version %s\n", version))

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to mcpchain.yaml or servers.json")
	flags.Bool("verbose", false, "Enable debug logging")
	flags.Bool("quiet", false, "Only log errors")
	flags.Bool("log-json", false, "Write logs as JSON")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	root.AddCommand(
		NewRunCmd(),
		NewValidateCmd(),
		NewServersCmd(),
		NewServeCmd(),
		NewMockServerCmd(),
		NewHistoryCmd(),
	)
	return root
}
