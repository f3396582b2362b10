package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpchain/client"
	"github.com/petal-labs/mcpchain/config"
	"github.com/petal-labs/mcpchain/transport"
)

// NewServersCmd creates the "servers" subcommand.
func NewServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List configured tool servers and API key availability",
		Args:  cobra.NoArgs,
		RunE:  runServers,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("connect", false, "Connect to each server and count its tools")
	cmd.Flags().Duration("connect-timeout", 30*time.Second, "Bound on connecting and listing tools")
	cmd.Flags().String("transport", "", "Force every server onto one transport: stdio | sse | http")

	return cmd
}

type serverRow struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Required  bool   `json:"required"`
	Available bool   `json:"available"`
	Valid     bool   `json:"valid"`
	Problem   string `json:"problem,omitempty"`
	Tools     *int   `json:"tools,omitempty"`
}

type serversReport struct {
	Config  string              `json:"config,omitempty"`
	Servers []serverRow         `json:"servers"`
	APIKeys config.APIKeyReport `json:"api_keys"`
}

func runServers(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return exitError(exitInputParse, "unknown format %q (use json or text)", format)
	}
	settings, err := readExecSettings(cmd)
	if err != nil {
		return err
	}
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	configured := a.cfg.Servers
	if settings.transport != "" {
		configured = config.ForceType(configured, transport.Type(settings.transport))
	}
	available := make(map[string]bool)
	for _, s := range config.FilterServers(configured, a.lookup, a.logger) {
		available[s.Name] = true
	}

	report := serversReport{Config: a.cfg.Path, APIKeys: config.CheckAPIKeys(a.lookup)}
	for _, s := range configured {
		row := serverRow{Name: s.Name, Required: s.IsRequired(), Available: available[s.Name]}
		if kind, err := transport.ResolveType(s, a.env); err == nil {
			row.Transport = string(kind)
		}
		if err := transport.Validate(s, a.env); err != nil {
			row.Problem = err.Error()
		} else {
			row.Valid = true
		}
		if !row.Available && row.Problem == "" {
			row.Problem = "api key " + s.RequiresAPIKey + " not configured"
		}
		report.Servers = append(report.Servers, row)
	}

	if connect, _ := cmd.Flags().GetBool("connect"); connect {
		timeout, _ := cmd.Flags().GetDuration("connect-timeout")
		connectServers(cmd.Context(), a, settings, timeout, report.Servers)
	}

	if format == "json" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "marshaling output: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	return printServers(cmd, report)
}

// connectServers connects every available server as optional, so one failure
// does not hide the others, and records tool counts.
func connectServers(ctx context.Context, a *app, settings execSettings, timeout time.Duration, rows []serverRow) {
	servers, err := selectServers(a, settings, nil)
	if err != nil {
		return
	}
	optional := false
	for i := range servers {
		servers[i].Required = &optional
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	chain := client.NewChain(servers, client.ChainOptions{
		Logger:   a.logger,
		Selector: transport.SelectorOptions{Env: a.env, Logger: a.logger},
	})
	_ = chain.Connect(connectCtx)
	defer func() {
		closeCtx, cancel := shutdownContext()
		defer cancel()
		_ = chain.Close(closeCtx)
	}()

	for _, status := range chain.Statuses() {
		for i := range rows {
			if rows[i].Name != status.Name {
				continue
			}
			if status.Err != nil {
				rows[i].Problem = status.Err.Error()
				continue
			}
			tools, err := chain.ListTools(connectCtx, status.Name)
			if err != nil {
				rows[i].Problem = err.Error()
				continue
			}
			count := len(tools)
			rows[i].Tools = &count
		}
	}
}

func printServers(cmd *cobra.Command, report serversReport) error {
	out := cmd.OutOrStdout()
	if report.Config != "" {
		fmt.Fprintf(out, "Config: %s\n\n", report.Config)
	} else {
		fmt.Fprint(out, "Config: built-in defaults\n\n")
	}

	writer := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tTRANSPORT\tREQUIRED\tSTATUS\tTOOLS\tPROBLEM")
	for _, row := range report.Servers {
		status := "ready"
		switch {
		case !row.Valid:
			status = "invalid"
		case !row.Available:
			status = "skipped"
		}
		tools := "-"
		if row.Tools != nil {
			tools = strconv.Itoa(*row.Tools)
		}
		problem := row.Problem
		if problem == "" {
			problem = "-"
		}
		fmt.Fprintf(writer, "%s\t%s\t%t\t%s\t%s\t%s\n",
			row.Name, orDash(row.Transport), row.Required, status, tools, problem)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	keys := report.APIKeys
	fmt.Fprintf(out, "\nAPI keys available: %s\n", orDash(strings.Join(keys.Available, ", ")))
	if len(keys.Missing) > 0 {
		fmt.Fprintf(out, "API keys missing: %s\n", strings.Join(keys.Missing, ", "))
	}
	if len(keys.Optional) > 0 {
		fmt.Fprintf(out, "Optional keys not set: %s\n", strings.Join(keys.Optional, ", "))
	}
	return nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
