// Package config loads the mcpchain configuration file: tool servers,
// monitoring settings, and scheduled workflows.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/mcpchain/transport"
)

const (
	projectConfigName = "mcpchain.yaml"
	legacyConfigPath  = "config/servers.json"
	defaultLogLevel   = "info"
)

// ErrInvalidConfig marks a configuration file that parsed but is unusable.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the file shape.
type Config struct {
	Servers    []transport.ServerConfig `json:"servers" yaml:"servers"`
	Monitoring Monitoring               `json:"monitoring" yaml:"monitoring"`
	Schedules  []Schedule               `json:"schedules,omitempty" yaml:"schedules,omitempty"`

	// Path is the file the config was read from; empty for defaults.
	Path string `json:"-" yaml:"-"`
}

// Monitoring controls logging verbosity.
type Monitoring struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	LogLevel string `json:"logLevel,omitempty" yaml:"log_level,omitempty"`
}

// Level maps LogLevel onto a slog level. Unknown values fall back to info.
func (m Monitoring) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(m.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Schedule runs a workflow file on a cron expression.
type Schedule struct {
	Name      string         `json:"name,omitempty" yaml:"name,omitempty"`
	Workflow  string         `json:"workflow" yaml:"workflow"`
	Cron      string         `json:"cron" yaml:"cron"`
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Discover resolves the config location with first-match semantics.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd string) (string, bool, error) {
	explicit := strings.TrimSpace(explicitPath)
	candidates := make([]string, 0, 2)
	if explicit != "" {
		candidates = append(candidates, filepath.Clean(explicit))
	} else {
		candidates = append(candidates,
			filepath.Join(cwd, projectConfigName),
			filepath.Join(cwd, filepath.FromSlash(legacyConfigPath)),
		)
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if explicit != "" {
				return "", false, fmt.Errorf("config file %q not found: %w", candidate, os.ErrNotExist)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and validates one config file. Relative schedule workflow paths
// resolve against the file's directory.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := Parse(data, path)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	baseDir := filepath.Dir(path)
	for i := range cfg.Schedules {
		cfg.Schedules[i].Workflow = resolveConfigRelative(baseDir, cfg.Schedules[i].Workflow)
	}
	return cfg, nil
}

// Parse decodes config bytes. The extension of path selects YAML or JSON.
func Parse(data []byte, path string) (*Config, error) {
	cfg := &Config{Monitoring: Monitoring{Enabled: true, LogLevel: defaultLogLevel}}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration for env.
func Default(env transport.Environment) *Config {
	return &Config{
		Servers:    DefaultServers(env),
		Monitoring: Monitoring{Enabled: true, LogLevel: defaultLogLevel},
	}
}

// Resolve discovers and loads the config, falling back to Default when no
// file exists. An explicit path that is missing is an error.
func Resolve(explicitPath string, env transport.Environment, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path, found, err := Discover(explicitPath)
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Warn("config file not found, using defaults")
		return Default(env), nil
	}
	return Load(path)
}

func (c *Config) validate() error {
	var problems []string
	seen := make(map[string]struct{}, len(c.Servers))
	for i, server := range c.Servers {
		name := strings.TrimSpace(server.Name)
		if name == "" {
			problems = append(problems, fmt.Sprintf("server %d has no name", i))
			continue
		}
		if _, dup := seen[name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate server %q", name))
		}
		seen[name] = struct{}{}
	}

	for i, schedule := range c.Schedules {
		if strings.TrimSpace(schedule.Workflow) == "" {
			problems = append(problems, fmt.Sprintf("schedule %d has no workflow", i))
		}
		if _, err := ParseCron(schedule.Cron); err != nil {
			problems = append(problems, fmt.Sprintf("schedule %d: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or descriptor such as
// "@hourly". Schedules are evaluated in UTC, so timezone prefixes are
// rejected.
func ParseCron(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("cron expression is required")
	}
	if upper := strings.ToUpper(clean); strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron %q: timezone prefixes are not allowed", clean)
	}
	schedule, err := cronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", clean, err)
	}
	return schedule, nil
}

// ForceType returns a copy of servers with every transport type set to t.
func ForceType(servers []transport.ServerConfig, t transport.Type) []transport.ServerConfig {
	out := make([]transport.ServerConfig, len(servers))
	for i, server := range servers {
		server.Type = t
		out[i] = server
	}
	return out
}

func resolveConfigRelative(baseDir, p string) string {
	if strings.TrimSpace(p) == "" {
		return p
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
