package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/petal-labs/mcpchain/transport"
)

// ChannelFactory builds an unstarted channel for one server.
type ChannelFactory func(cfg transport.ServerConfig, opts transport.SelectorOptions) (transport.Channel, transport.Type, error)

// ChainOptions configures a Chain.
type ChainOptions struct {
	Selector transport.SelectorOptions
	Session  Options
	Logger   *slog.Logger

	// NewChannel overrides channel construction. Defaults to
	// transport.NewChannel.
	NewChannel ChannelFactory
}

// ServerStatus reports the outcome of connecting one configured server.
type ServerStatus struct {
	Name      string
	Transport transport.Type
	Required  bool
	Connected bool
	Err       error
}

// Chain holds one MCP session per configured tool server and routes tool
// calls to them by server name.
type Chain struct {
	configs []transport.ServerConfig
	opts    ChainOptions
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	statuses []ServerStatus
}

// NewChain returns an unconnected chain over the given servers.
func NewChain(servers []transport.ServerConfig, opts ChainOptions) *Chain {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Selector.Logger == nil {
		opts.Selector.Logger = opts.Logger
	}
	if opts.NewChannel == nil {
		opts.NewChannel = transport.NewChannel
	}
	return &Chain{
		configs:  append([]transport.ServerConfig(nil), servers...),
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}
}

// Connect starts and initializes a session for every server. Optional
// servers that fail are logged and skipped; a required server failing
// closes everything already opened and fails Connect.
func (c *Chain) Connect(ctx context.Context) error {
	statuses := make([]ServerStatus, 0, len(c.configs))
	for _, cfg := range c.configs {
		status := ServerStatus{Name: cfg.Name, Required: cfg.IsRequired()}
		session, kind, err := c.open(ctx, cfg)
		status.Transport = kind
		if err != nil {
			status.Err = err
			statuses = append(statuses, status)
			if status.Required {
				c.logger.Error("required server failed to connect", "server", cfg.Name, "transport", kind, "error", err)
				c.setStatuses(statuses)
				_ = c.Close(context.Background())
				return fmt.Errorf("client: connect %s: %w", cfg.Name, err)
			}
			c.logger.Warn("skipping optional server", "server", cfg.Name, "transport", kind, "error", err)
			continue
		}

		status.Connected = true
		statuses = append(statuses, status)
		c.mu.Lock()
		c.sessions[cfg.Name] = session
		c.mu.Unlock()
		c.logger.Info("server connected", "server", cfg.Name, "transport", kind)
	}
	c.setStatuses(statuses)
	return nil
}

func (c *Chain) open(ctx context.Context, cfg transport.ServerConfig) (*Session, transport.Type, error) {
	channel, kind, err := c.opts.NewChannel(cfg, c.opts.Selector)
	if err != nil {
		return nil, kind, err
	}
	if err := channel.Start(ctx); err != nil {
		_ = channel.Close(context.Background())
		return nil, kind, err
	}
	session := NewSession(cfg.Name, channel, c.opts.Session)
	if _, err := session.Initialize(ctx); err != nil {
		_ = session.Close(context.Background())
		return nil, kind, fmt.Errorf("initialize: %w", err)
	}
	return session, kind, nil
}

func (c *Chain) setStatuses(statuses []ServerStatus) {
	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses reports the outcome of the last Connect, in configuration order.
func (c *Chain) Statuses() []ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ServerStatus(nil), c.statuses...)
}

// Servers returns the names of connected servers in configuration order.
func (c *Chain) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.sessions))
	for _, cfg := range c.configs {
		if _, ok := c.sessions[cfg.Name]; ok {
			names = append(names, cfg.Name)
		}
	}
	return names
}

// Session returns the session for a connected server.
func (c *Chain) Session(server string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	session, ok := c.sessions[server]
	return session, ok
}

// ListTools lists the tools of one connected server.
func (c *Chain) ListTools(ctx context.Context, server string) ([]Tool, error) {
	session, ok := c.Session(server)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	result, err := session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes tool on server and returns the decoded result value.
func (c *Chain) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	session, ok := c.Session(server)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	raw, err := session.CallRaw(ctx, "tools/call", ToolsCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, err
	}
	value, err := decodeToolResult(raw)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			toolErr.Server = server
			toolErr.Tool = tool
		}
		return nil, err
	}
	return value, nil
}

// Close closes every open session.
func (c *Chain) Close(ctx context.Context) error {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	var errs []error
	for name, session := range sessions {
		if err := session.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// decodeToolResult turns a tools/call result into a plain value. MCP shaped
// results yield their structured content, else their text (decoded when it is
// JSON). Anything else is decoded as-is.
func decodeToolResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("client: decode tool result: %w", err)
		}
		return value, nil
	}
	_, hasContent := fields["content"]
	_, hasStructured := fields["structuredContent"]
	_, hasIsError := fields["isError"]
	if !hasContent && !hasStructured && !hasIsError {
		var value map[string]any
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("client: decode tool result: %w", err)
		}
		return value, nil
	}

	var result ToolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("client: decode tool result: %w", err)
	}
	text := collectText(result.Content)
	if result.IsError {
		return nil, &ToolError{Message: text, Err: ErrToolFailed}
	}
	if len(result.StructuredContent) > 0 {
		return cloneMap(result.StructuredContent), nil
	}
	if strings.TrimSpace(text) != "" {
		var decoded any
		if err := json.Unmarshal([]byte(text), &decoded); err == nil {
			return decoded, nil
		}
		return text, nil
	}
	return map[string]any{}, nil
}
