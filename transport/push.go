package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultPushTimeout    = 30 * time.Second
	defaultReconnectDelay = time.Second

	controlConnected = "connected"
	controlKeepalive = "keepalive"
)

// PushConfig configures a push-channel transport.
type PushConfig struct {
	// ServerName identifies the tool server on both endpoints.
	ServerName string

	// URL is the event stream endpoint.
	URL string

	// SendURL is the send endpoint. Defaults to URL with its trailing
	// "/stream" segment replaced by "/send".
	SendURL string

	// ConnectTimeout bounds Start (default 30s).
	ConnectTimeout time.Duration

	// RequestTimeout bounds each pending request and each send call (default 30s).
	RequestTimeout time.Duration

	// ReconnectDelay is the constant delay before reconnecting after a stream
	// error (default 1s).
	ReconnectDelay time.Duration

	// DisableStreaming skips the event stream and bootstraps the connection
	// with a synthetic connection id. Responses are then only received inline
	// from the send endpoint.
	DisableStreaming bool

	Headers    map[string]string
	HTTPClient *http.Client
	Logger     *slog.Logger
	Observer   Observer
}

// PushChannel is an RPC channel built from a server-to-client event stream
// and a stateless client-to-server send call.
type PushChannel struct {
	cfg      PushConfig
	sendURL  string
	http     *resty.Client
	logger   *slog.Logger
	observer Observer
	pending  *pendingTable

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu             sync.Mutex
	state          State
	connectionID   string
	generation     uint64
	cancelStream   context.CancelFunc
	reconnectTimer *time.Timer
	lastActivity   time.Time
}

// NewPushChannel creates an unstarted push channel.
func NewPushChannel(cfg PushConfig) (*PushChannel, error) {
	if strings.TrimSpace(cfg.ServerName) == "" {
		return nil, fmt.Errorf("%w: push channel requires a server name", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: push channel requires URL for server %s", ErrInvalidConfig, cfg.ServerName)
	}
	sendURL := cfg.SendURL
	if sendURL == "" {
		derived, err := deriveSendURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: server %s: %v", ErrInvalidConfig, cfg.ServerName, err)
		}
		sendURL = derived
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultPushTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultPushTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	logger := cfg.Logger.With("server", cfg.ServerName, "transport", string(TypeSSE))
	client.SetLogger(restyLogger{logger: logger})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &PushChannel{
		cfg:        cfg,
		sendURL:    sendURL,
		http:       client,
		logger:     logger,
		observer:   observerOrNoop(cfg.Observer),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		state:      StateDisconnected,
	}
	c.pending = newPendingTable(c.observeRequest)
	return c, nil
}

// Start opens the event stream and returns once the channel is connected.
func (c *PushChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	from := c.state
	switch from {
	case StateClosed:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelClosed, c.cfg.ServerName)
	case StateConnected:
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.observeState(from, StateConnecting, nil)

	err := c.connect(ctx)
	if err == nil {
		return nil
	}

	c.mu.Lock()
	reset := c.state == StateConnecting
	if reset {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if reset {
		c.observeState(StateConnecting, StateDisconnected, err)
	}
	c.logger.Error("push channel start failed", "error", err)
	return err
}

// Send delivers message through the send endpoint. Requests are registered
// as pending before delivery so a response can never outrun its entry.
func (c *PushChannel) Send(ctx context.Context, message Message) (*Call, error) {
	c.mu.Lock()
	state := c.state
	connectionID := c.connectionID
	c.mu.Unlock()
	if state != StateConnected {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, c.cfg.ServerName, state)
	}
	if message.JSONRPC == "" {
		message.JSONRPC = JSONRPCVersion
	}

	var call *Call
	if message.IsRequest() {
		registered, err := c.pending.register(message, c.cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		call = registered
	}

	envelope, err := c.deliver(ctx, message, connectionID)
	if err != nil {
		if call != nil {
			c.pending.discard(message.ID)
		}
		c.logger.Error("push channel send failed", "kind", message.Kind(), "id", message.ID, "error", err)
		return nil, err
	}
	c.logger.Debug("message sent", "kind", message.Kind(), "id", message.ID)

	if envelope.Response != nil {
		c.dispatchMessage(*envelope.Response)
	}
	return call, nil
}

// Close tears the channel down and fails every pending request. It is
// idempotent.
func (c *PushChannel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = StateClosed
	cancel := c.cancelStream
	c.cancelStream = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	c.baseCancel()
	if cancel != nil {
		cancel()
	}
	failed := c.pending.failAll(fmt.Errorf("%w: %s", ErrChannelClosed, c.cfg.ServerName), true)
	c.observeState(from, StateClosed, nil)
	c.logger.Info("push channel closed", "failed_pending", failed)
	return nil
}

// ServerName returns the configured server name.
func (c *PushChannel) ServerName() string {
	return c.cfg.ServerName
}

// State returns the current connection state.
func (c *PushChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel can currently send.
func (c *PushChannel) Connected() bool {
	return c.State() == StateConnected
}

// ConnectionID returns the server-assigned (or synthetic) connection id.
func (c *PushChannel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// PendingCount returns the number of requests awaiting a response.
func (c *PushChannel) PendingCount() int {
	return c.pending.len()
}

// LastActivity returns when the stream last delivered an event.
func (c *PushChannel) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

type streamResult struct {
	body io.ReadCloser
	err  error
}

func (c *PushChannel) connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(c.baseCtx)
	opened := make(chan streamResult, 1)
	go func() {
		opened <- c.openStream(streamCtx)
	}()

	abandon := func() {
		cancel()
		go func() {
			if res := <-opened; res.body != nil {
				_ = res.body.Close()
			}
		}()
	}

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	var res streamResult
	select {
	case res = <-opened:
	case <-timer.C:
		abandon()
		return fmt.Errorf("%w: %s after %s", ErrConnectTimeout, c.cfg.ServerName, c.cfg.ConnectTimeout)
	case <-ctx.Done():
		abandon()
		return fmt.Errorf("%w: %s: %v", ErrConnectFailure, c.cfg.ServerName, ctx.Err())
	}
	if res.err != nil {
		cancel()
		return res.err
	}

	now := time.Now()
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		cancel()
		if res.body != nil {
			_ = res.body.Close()
		}
		return fmt.Errorf("%w: %s", ErrChannelClosed, c.cfg.ServerName)
	}
	if c.cancelStream != nil {
		c.cancelStream()
	}
	c.cancelStream = cancel
	c.generation++
	generation := c.generation
	if res.body == nil {
		c.connectionID = fmt.Sprintf("go-%d", now.UnixMilli())
	} else {
		c.connectionID = ""
	}
	connectionID := c.connectionID
	from := c.state
	c.state = StateConnected
	c.lastActivity = now
	c.mu.Unlock()

	c.observeState(from, StateConnected, nil)
	if res.body == nil {
		c.logger.Info("push channel connected without stream", "connection_id", connectionID)
		return nil
	}
	c.logger.Info("push channel connected")
	go c.readLoop(res.body, generation)
	return nil
}

func (c *PushChannel) openStream(ctx context.Context) streamResult {
	if c.cfg.DisableStreaming {
		return streamResult{}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaders(c.cfg.Headers).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache").
		SetQueryParam("server", c.cfg.ServerName).
		Get(c.cfg.URL)
	if err != nil {
		if resp != nil && resp.RawBody() != nil {
			_ = resp.RawBody().Close()
		}
		return streamResult{err: fmt.Errorf("%w: %s: %v", ErrConnectFailure, c.cfg.URL, err)}
	}

	body := resp.RawBody()
	if !resp.IsSuccess() {
		if body != nil {
			_ = body.Close()
		}
		return streamResult{err: fmt.Errorf("%w: %s returned status %d", ErrConnectFailure, c.cfg.URL, resp.StatusCode())}
	}
	if !isEventStream(resp.Header().Get("Content-Type")) {
		if body != nil {
			_ = body.Close()
		}
		c.logger.Warn("stream endpoint did not return an event stream, using fallback bootstrap",
			"content_type", resp.Header().Get("Content-Type"))
		return streamResult{}
	}
	return streamResult{body: body}
}

func (c *PushChannel) readLoop(body io.ReadCloser, generation uint64) {
	defer body.Close()

	reader := newEventReader(body)
	defer reader.Close()
	for {
		payload, err := reader.Next()
		if err != nil {
			c.handleStreamError(generation, err)
			return
		}
		if !c.touch(generation) {
			return
		}
		c.dispatch(payload)
	}
}

// touch records stream activity and reports whether the stream is still the
// active one.
func (c *PushChannel) touch(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation || c.state != StateConnected {
		return false
	}
	c.lastActivity = time.Now()
	return true
}

func (c *PushChannel) handleStreamError(generation uint64, streamErr error) {
	if errors.Is(streamErr, io.EOF) {
		streamErr = errors.New("stream closed by server")
	}

	c.mu.Lock()
	if c.state != StateConnected || c.generation != generation {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	c.connectionID = ""
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.observeState(StateConnected, StateReconnecting, streamErr)
	c.logger.Warn("push channel stream error, reconnecting",
		"error", streamErr,
		"delay", c.cfg.ReconnectDelay,
		"pending", c.pending.len(),
	)
}

func (c *PushChannel) scheduleReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(c.cfg.ReconnectDelay, c.reconnect)
}

func (c *PushChannel) reconnect() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	err := c.connect(c.baseCtx)
	if err == nil {
		return
	}

	c.mu.Lock()
	retry := c.state == StateReconnecting
	if retry {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()
	if retry {
		c.logger.Warn("push channel reconnect failed", "error", err, "retry_in", c.cfg.ReconnectDelay)
	}
}

type controlEvent struct {
	Type         string `json:"type"`
	Server       string `json:"server,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
}

func (c *PushChannel) dispatch(payload []byte) {
	var control controlEvent
	if err := json.Unmarshal(payload, &control); err != nil {
		c.logger.Error("invalid event payload", "error", err, "raw", string(payload))
		return
	}
	if control.Type != "" {
		c.handleControl(control)
		return
	}

	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		c.logger.Error("invalid rpc message", "error", err, "raw", string(payload))
		return
	}
	c.dispatchMessage(message)
}

func (c *PushChannel) handleControl(control controlEvent) {
	switch control.Type {
	case controlConnected:
		c.mu.Lock()
		c.connectionID = control.ConnectionID
		c.mu.Unlock()
		c.logger.Info("push channel connection established", "connection_id", control.ConnectionID)
	case controlKeepalive:
	default:
		c.logger.Info("unrecognized control event", "type", control.Type)
	}
}

func (c *PushChannel) dispatchMessage(message Message) {
	if message.IsResponse() {
		if c.pending.resolve(message) {
			return
		}
		c.logger.Debug("dropping response for unknown request", "id", message.ID)
		return
	}
	c.logger.Info("notification from server", "kind", message.Kind())
}

type sendPayload struct {
	Server       string  `json:"server"`
	Message      Message `json:"message"`
	ConnectionID string  `json:"connectionId,omitempty"`
}

type sendEnvelope struct {
	Success  bool            `json:"success"`
	Response *Message        `json:"response,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}

func (e sendEnvelope) errorText() string {
	raw := bytes.TrimSpace(e.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var rpcErr RPCError
	if err := json.Unmarshal(raw, &rpcErr); err == nil && rpcErr.Message != "" {
		return rpcErr.Message
	}
	return string(raw)
}

func (c *PushChannel) deliver(ctx context.Context, message Message, connectionID string) (sendEnvelope, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.http.R().
		SetContext(sendCtx).
		SetHeaders(c.cfg.Headers).
		SetHeader("Content-Type", "application/json").
		SetBody(sendPayload{
			Server:       c.cfg.ServerName,
			Message:      message,
			ConnectionID: connectionID,
		}).
		Post(c.sendURL)
	if err != nil {
		return sendEnvelope{}, fmt.Errorf("%w: %s: %v", ErrSendFailure, c.cfg.ServerName, err)
	}

	body := bytes.TrimSpace(resp.Body())
	var envelope sendEnvelope
	decodeErr := error(nil)
	if len(body) > 0 {
		decodeErr = json.Unmarshal(body, &envelope)
	}

	if !resp.IsSuccess() {
		detail := ""
		if decodeErr == nil && envelope.errorText() != "" {
			detail = ": " + envelope.errorText()
		}
		return sendEnvelope{}, fmt.Errorf("%w: %s: status %d%s", ErrSendFailure, c.cfg.ServerName, resp.StatusCode(), detail)
	}
	if len(body) == 0 {
		return sendEnvelope{Success: true}, nil
	}
	if decodeErr != nil {
		return sendEnvelope{}, fmt.Errorf("%w: %s: decode reply: %v", ErrSendFailure, c.cfg.ServerName, decodeErr)
	}
	if text := envelope.errorText(); text != "" {
		return sendEnvelope{}, fmt.Errorf("%w: %s: %s", ErrSendFailure, c.cfg.ServerName, text)
	}
	if !envelope.Success {
		return sendEnvelope{}, fmt.Errorf("%w: %s: message rejected", ErrSendFailure, c.cfg.ServerName)
	}
	return envelope, nil
}

func (c *PushChannel) observeState(from, to State, err error) {
	observation := StateObservation{
		Server:    c.cfg.ServerName,
		Transport: TypeSSE,
		From:      from,
		To:        to,
	}
	if err != nil {
		observation.Error = err.Error()
	}
	c.observer.ObserveState(observation)
}

func (c *PushChannel) observeRequest(req *pendingRequest, outcome RequestOutcome, err error) {
	observation := RequestObservation{
		Server:    c.cfg.ServerName,
		Transport: TypeSSE,
		RequestID: req.id,
		Method:    req.method,
		Outcome:   outcome,
	}
	if outcome != RequestRegistered {
		observation.Duration = time.Since(req.started)
	}
	if err != nil {
		observation.Error = err.Error()
		c.logger.Debug("request finished", "id", req.id, "method", req.method, "outcome", outcome, "error", err)
	}
	c.observer.ObserveRequest(observation)
}

func deriveSendURL(streamURL string) (string, error) {
	parsed, err := url.Parse(streamURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", streamURL, err)
	}
	switch {
	case strings.HasSuffix(parsed.Path, "/stream"):
		parsed.Path = strings.TrimSuffix(parsed.Path, "/stream") + "/send"
	case strings.Contains(parsed.Path, "/stream"):
		parsed.Path = strings.Replace(parsed.Path, "/stream", "/send", 1)
	default:
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/send"
	}
	parsed.RawPath = ""
	return parsed.String(), nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.EqualFold(mediaType, "text/event-stream")
}

// restyLogger routes resty's internal diagnostics into slog at debug level.
type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

var _ Channel = (*PushChannel)(nil)
