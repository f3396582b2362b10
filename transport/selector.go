package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Type names a transport implementation.
type Type string

const (
	TypeStdio Type = "stdio"
	TypeSSE   Type = "sse"
	TypeHTTP  Type = "http"
)

// ServerConfig describes one configured tool server.
type ServerConfig struct {
	Name           string            `json:"name" yaml:"name"`
	Type           Type              `json:"type,omitempty" yaml:"type,omitempty"`
	Command        string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args           []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL            string            `json:"url,omitempty" yaml:"url,omitempty"`
	Required       *bool             `json:"required,omitempty" yaml:"required,omitempty"`
	RequiresAPIKey string            `json:"requiresApiKey,omitempty" yaml:"requires_api_key,omitempty"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
}

// IsRequired reports whether the server must connect. Unset means required.
func (s ServerConfig) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// SelectorOptions tune the channels produced by NewChannel.
type SelectorOptions struct {
	// Env carries the deployment signals. Zero value means a local
	// development environment.
	Env Environment

	// Environ is the inherited environment merged into stdio channels.
	// Nil reads os.Environ.
	Environ []string

	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	ReconnectDelay time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
	Observer   Observer
}

// ResolveType picks the transport for cfg: the explicit type first, then
// environment inference.
func ResolveType(cfg ServerConfig, env Environment) (Type, error) {
	if explicit := Type(strings.ToLower(strings.TrimSpace(string(cfg.Type)))); explicit != "" {
		switch explicit {
		case TypeStdio, TypeSSE, TypeHTTP:
			return explicit, nil
		default:
			return "", fmt.Errorf("%w: %q for server %s", ErrUnsupportedTransport, cfg.Type, cfg.Name)
		}
	}
	switch {
	case env.Serverless:
		return TypeSSE, nil
	case env.Production:
		return TypeHTTP, nil
	default:
		return TypeStdio, nil
	}
}

// Validate reports why cfg cannot produce a channel, or nil.
func Validate(cfg ServerConfig, env Environment) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: server name is required", ErrInvalidConfig)
	}
	kind, err := ResolveType(cfg, env)
	if err != nil {
		return err
	}
	switch kind {
	case TypeStdio:
		if strings.TrimSpace(cfg.Command) == "" {
			return fmt.Errorf("%w: stdio server %s requires a command", ErrInvalidConfig, cfg.Name)
		}
		if cfg.Args == nil {
			return fmt.Errorf("%w: stdio server %s requires an argument list", ErrInvalidConfig, cfg.Name)
		}
	case TypeSSE:
		if strings.TrimSpace(cfg.URL) == "" {
			return fmt.Errorf("%w: sse server %s requires a url", ErrInvalidConfig, cfg.Name)
		}
	}
	return nil
}

// ValidConfig is the boolean form of Validate.
func ValidConfig(cfg ServerConfig, env Environment) bool {
	return Validate(cfg, env) == nil
}

// NewChannel validates cfg and builds an unstarted channel for it.
func NewChannel(cfg ServerConfig, opts SelectorOptions) (Channel, Type, error) {
	if err := Validate(cfg, opts.Env); err != nil {
		return nil, "", err
	}
	kind, err := ResolveType(cfg, opts.Env)
	if err != nil {
		return nil, "", err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch kind {
	case TypeStdio:
		environ := opts.Environ
		if environ == nil {
			environ = os.Environ()
		}
		ch, err := NewStdioChannel(StdioConfig{
			ServerName:     cfg.Name,
			Command:        cfg.Command,
			Args:           cfg.Args,
			Env:            MergeEnv(cfg.Env, environ),
			RequestTimeout: opts.RequestTimeout,
			Logger:         logger,
			Observer:       opts.Observer,
		})
		if err != nil {
			return nil, "", err
		}
		return ch, kind, nil
	case TypeSSE:
		ch, err := NewPushChannel(PushConfig{
			ServerName:     cfg.Name,
			URL:            cfg.URL,
			ConnectTimeout: opts.ConnectTimeout,
			RequestTimeout: opts.RequestTimeout,
			ReconnectDelay: opts.ReconnectDelay,
			HTTPClient:     opts.HTTPClient,
			Logger:         logger,
			Observer:       opts.Observer,
		})
		if err != nil {
			return nil, "", err
		}
		return ch, kind, nil
	case TypeHTTP:
		return nil, "", fmt.Errorf("%w: http transport is not implemented (server %s)", ErrUnsupportedTransport, cfg.Name)
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedTransport, kind)
	}
}
