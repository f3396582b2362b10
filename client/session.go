// Package client speaks the MCP JSON-RPC protocol over transport channels and
// aggregates several tool servers behind one tool-calling interface.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/petal-labs/mcpchain/transport"
)

const (
	defaultProtocolVersion = "2025-06-18"
	defaultClientName      = "mcpchain"
	defaultClientVersion   = "dev"
)

// Options configures client identity and capabilities.
type Options struct {
	ProtocolVersion string
	ClientInfo      Implementation
	Capabilities    map[string]any

	// RequestTimeout bounds how long a call waits for its response on top of
	// the channel's own request timer. Zero relies on the channel alone.
	RequestTimeout time.Duration
}

// Session is an MCP session with a single tool server.
type Session struct {
	server  string
	channel transport.Channel
	options Options

	mu          sync.Mutex
	nextID      int64
	initialized bool
	initResult  InitializeResult
}

// NewSession returns a session over a started channel.
func NewSession(server string, channel transport.Channel, options Options) *Session {
	if options.ProtocolVersion == "" {
		options.ProtocolVersion = defaultProtocolVersion
	}
	if options.ClientInfo.Name == "" {
		options.ClientInfo.Name = defaultClientName
	}
	if options.ClientInfo.Version == "" {
		options.ClientInfo.Version = defaultClientVersion
	}

	return &Session{
		server:  server,
		channel: channel,
		options: options,
		nextID:  1,
	}
}

// Server returns the server name the session talks to.
func (s *Session) Server() string {
	return s.server
}

// Initialize performs MCP initialize negotiation and sends the initialized
// notification. Repeated calls return the cached result.
func (s *Session) Initialize(ctx context.Context) (InitializeResult, error) {
	if s == nil {
		return InitializeResult{}, errors.New("client: session is nil")
	}

	s.mu.Lock()
	alreadyInitialized := s.initialized
	cachedResult := s.initResult
	s.mu.Unlock()
	if alreadyInitialized {
		return cachedResult, nil
	}

	params := InitializeParams{
		ProtocolVersion: s.options.ProtocolVersion,
		Capabilities:    cloneMap(s.options.Capabilities),
		ClientInfo:      s.options.ClientInfo,
	}

	var result InitializeResult
	if err := s.call(ctx, "initialize", params, &result); err != nil {
		return InitializeResult{}, err
	}
	if err := s.notify(ctx, "notifications/initialized", map[string]any{}); err != nil {
		return InitializeResult{}, err
	}

	s.mu.Lock()
	s.initialized = true
	s.initResult = result
	s.mu.Unlock()

	return result, nil
}

// ListTools returns server tools from tools/list.
func (s *Session) ListTools(ctx context.Context) (ToolsListResult, error) {
	var result ToolsListResult
	if err := s.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return ToolsListResult{}, err
	}
	return result, nil
}

// CallTool executes a tool by name. A result flagged isError is returned
// together with a *ToolError wrapping ErrToolFailed.
func (s *Session) CallTool(ctx context.Context, params ToolsCallParams) (ToolsCallResult, error) {
	var result ToolsCallResult
	if err := s.call(ctx, "tools/call", params, &result); err != nil {
		return ToolsCallResult{}, err
	}
	if result.IsError {
		return result, &ToolError{
			Server:  s.server,
			Tool:    params.Name,
			Message: collectText(result.Content),
			Err:     ErrToolFailed,
		}
	}
	return result, nil
}

// CallRaw sends an arbitrary request and returns the raw result.
func (s *Session) CallRaw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := s.call(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Close closes the underlying channel.
func (s *Session) Close(ctx context.Context) error {
	if s == nil || s.channel == nil {
		return nil
	}
	return s.channel.Close(ctx)
}

func (s *Session) call(ctx context.Context, method string, params any, out any) error {
	if s == nil || s.channel == nil {
		return &transport.RequestError{Method: method, Err: errors.New("channel is nil")}
	}

	request, err := transport.NewRequest(s.nextRequestID(), method, params)
	if err != nil {
		return &transport.RequestError{Method: method, Err: err}
	}
	pending, err := s.channel.Send(ctx, request)
	if err != nil {
		return &transport.RequestError{Method: method, Err: err}
	}
	if pending == nil {
		return &transport.RequestError{Method: method, Err: errors.New("channel returned no call for request")}
	}

	waitCtx := ctx
	if s.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.options.RequestTimeout)
		defer cancel()
	}
	result, err := pending.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s after %s", transport.ErrRequestTimeout, method, s.options.RequestTimeout)
		}
		return &transport.RequestError{Method: method, Err: err}
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], result...)
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return &transport.RequestError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	message, err := transport.NewNotification(method, params)
	if err != nil {
		return &transport.RequestError{Method: method, Err: err}
	}
	if _, err := s.channel.Send(ctx, message); err != nil {
		return &transport.RequestError{Method: method, Err: err}
	}
	return nil
}

func (s *Session) nextRequestID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

func collectText(content []ContentBlock) string {
	parts := make([]string, 0, len(content))
	for _, block := range content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
