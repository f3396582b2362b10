package cli

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/mcpchain/config"
	"github.com/petal-labs/mcpchain/transport"
)

// app is the per-invocation environment shared by subcommands.
type app struct {
	logger *slog.Logger
	level  *slog.LevelVar
	lookup transport.LookupFunc
	env    transport.Environment
	cfg    *config.Config
}

// newLogger builds the process logger from the persistent flags. The level
// comes from --verbose or --quiet, else LOG_LEVEL, else fallback.
func newLogger(cmd *cobra.Command, lookup transport.LookupFunc) (*slog.Logger, *slog.LevelVar, bool) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	asJSON, _ := cmd.Flags().GetBool("log-json")

	level := new(slog.LevelVar)
	pinned := true
	switch {
	case verbose:
		level.Set(slog.LevelDebug)
	case quiet:
		level.Set(slog.LevelError)
	default:
		if raw, ok := lookup("LOG_LEVEL"); ok && strings.TrimSpace(raw) != "" {
			level.Set(config.Monitoring{LogLevel: raw}.Level())
		} else {
			pinned = false
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if asJSON {
		handler = slog.NewJSONHandler(cmd.ErrOrStderr(), opts)
	} else {
		handler = slog.NewTextHandler(cmd.ErrOrStderr(), opts)
	}
	return slog.New(handler), level, pinned
}

// loadApp resolves logging, the deployment environment, and the config.
func loadApp(cmd *cobra.Command) (*app, error) {
	lookup := transport.LookupFunc(os.LookupEnv)
	logger, level, pinned := newLogger(cmd, lookup)
	env := transport.DetectEnvironment(lookup)

	explicit, _ := cmd.Flags().GetString("config")
	cfg, err := config.Resolve(explicit, env, logger)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(exitFileNotFound, "loading config: %w", err)
		}
		return nil, exitError(exitValidation, "loading config: %w", err)
	}
	if !pinned {
		level.Set(cfg.Monitoring.Level())
	}
	if cfg.Path != "" {
		logger.Debug("config loaded", "path", cfg.Path, "servers", len(cfg.Servers), "schedules", len(cfg.Schedules))
	}

	return &app{
		logger: logger,
		level:  level,
		lookup: lookup,
		env:    env,
		cfg:    cfg,
	}, nil
}
