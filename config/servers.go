package config

import (
	"log/slog"
	"maps"
	"os"
	"strings"

	"github.com/petal-labs/mcpchain/transport"
)

const (
	defaultBaseURL = "http://localhost:3000"
	placeholderKey = "your-"
)

// DefaultServers returns the built-in servers for a deployment environment:
// local subprocess servers in development, push-channel servers on a
// serverless deployment, and the HTTP endpoint in production.
func DefaultServers(env transport.Environment) []transport.ServerConfig {
	base := env.BaseURL
	if base == "" {
		base = defaultBaseURL
	}

	switch {
	case env.Serverless:
		stream := base + "/api/sse/stream"
		return []transport.ServerConfig{
			{Name: "filesystem", Type: transport.TypeSSE, URL: stream},
			{Name: "sqlite", Type: transport.TypeSSE, URL: stream},
		}
	case env.Production:
		return []transport.ServerConfig{
			{Name: "filesystem", Type: transport.TypeHTTP, URL: base + "/api/mcp/filesystem"},
		}
	default:
		return []transport.ServerConfig{
			{
				Name:    "filesystem",
				Type:    transport.TypeStdio,
				Command: "npx",
				Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", "./data"},
				Env:     map[string]string{},
			},
			{
				Name:    "sqlite",
				Type:    transport.TypeStdio,
				Command: "npx",
				Args:    []string{"-y", "@modelcontextprotocol/server-sqlite", "--db-path", "./data/workflow.db"},
				Env:     map[string]string{},
			},
		}
	}
}

// FilterServers applies API-key gating. Required servers are always kept.
// Optional servers whose key is unset, empty, or a placeholder are skipped;
// otherwise the key is copied into the server env. ${VAR} references in
// commands, arguments, URLs, and env values are expanded through lookup.
func FilterServers(servers []transport.ServerConfig, lookup transport.LookupFunc, logger *slog.Logger) []transport.ServerConfig {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if logger == nil {
		logger = slog.Default()
	}

	kept := make([]transport.ServerConfig, 0, len(servers))
	for _, server := range servers {
		server = expandServer(server, lookup)
		if !server.IsRequired() && server.RequiresAPIKey != "" {
			key, ok := apiKey(lookup, server.RequiresAPIKey)
			if !ok {
				logger.Warn("skipping server: api key not configured",
					"server", server.Name, "env", server.RequiresAPIKey)
				continue
			}
			env := make(map[string]string, len(server.Env)+1)
			maps.Copy(env, server.Env)
			env[server.RequiresAPIKey] = key
			server.Env = env
		}
		kept = append(kept, server)
	}
	logger.Info("servers configured", "available", len(kept), "total", len(servers))
	return kept
}

// APIKeyReport groups known services by key availability.
type APIKeyReport struct {
	Available []string `json:"available"`
	Missing   []string `json:"missing"`
	Optional  []string `json:"optional"`
}

type knownKey struct {
	env      string
	service  string
	optional bool
}

var knownKeys = []knownKey{
	{env: "BRAVE_API_KEY", service: "Brave Search", optional: true},
	{env: "OPENAI_API_KEY", service: "OpenAI", optional: true},
	{env: "GOOGLE_API_KEY", service: "Google Services", optional: true},
}

// CheckAPIKeys reports which well-known service keys are configured.
func CheckAPIKeys(lookup transport.LookupFunc) APIKeyReport {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	report := APIKeyReport{Available: []string{}, Missing: []string{}, Optional: []string{}}
	for _, k := range knownKeys {
		switch _, ok := apiKey(lookup, k.env); {
		case ok:
			report.Available = append(report.Available, k.service)
		case k.optional:
			report.Optional = append(report.Optional, k.service)
		default:
			report.Missing = append(report.Missing, k.service)
		}
	}
	return report
}

func apiKey(lookup transport.LookupFunc, name string) (string, bool) {
	value, ok := lookup(name)
	if !ok || value == "" || strings.HasPrefix(value, placeholderKey) {
		return "", false
	}
	return value, true
}

func expandServer(server transport.ServerConfig, lookup transport.LookupFunc) transport.ServerConfig {
	expand := func(value string) string {
		return os.Expand(value, func(key string) string {
			v, _ := lookup(key)
			return v
		})
	}
	server.Command = expand(server.Command)
	server.URL = expand(server.URL)
	if server.Args != nil {
		args := make([]string, len(server.Args))
		for i, arg := range server.Args {
			args[i] = expand(arg)
		}
		server.Args = args
	}
	if server.Env != nil {
		env := make(map[string]string, len(server.Env))
		for key, value := range server.Env {
			env[key] = expand(value)
		}
		server.Env = env
	}
	return server
}
