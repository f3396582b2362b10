package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxLineSize bounds one line of subprocess output.
const maxLineSize = 16 << 20

// StdioConfig configures a subprocess transport.
type StdioConfig struct {
	ServerName string
	Command    string
	Args       []string

	// Env is the complete child environment. A nil map inherits the parent
	// process environment unchanged.
	Env map[string]string

	// RequestTimeout bounds each pending request (default 30s).
	RequestTimeout time.Duration

	Logger   *slog.Logger
	Observer Observer
}

// StdioChannel speaks newline-delimited JSON-RPC over a subprocess
// stdin/stdout pipe. Framing is done by the MCP SDK's IOTransport; the
// channel owns the process, the pending table, and state. Lines on stdout
// that are not JSON (startup banners) are logged and skipped.
type StdioChannel struct {
	cfg      StdioConfig
	logger   *slog.Logger
	observer Observer
	pending  *pendingTable

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	conn   mcp.Connection
	waitCh chan struct{}
}

// NewStdioChannel creates an unstarted subprocess channel.
func NewStdioChannel(cfg StdioConfig) (*StdioChannel, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("%w: stdio command is required for server %s", ErrInvalidConfig, cfg.ServerName)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultPushTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	c := &StdioChannel{
		cfg:        cfg,
		logger:     cfg.Logger.With("server", cfg.ServerName, "transport", string(TypeStdio)),
		observer:   observerOrNoop(cfg.Observer),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		state:      StateDisconnected,
	}
	c.pending = newPendingTable(c.observeRequest)
	return c, nil
}

// Start spawns the subprocess.
func (c *StdioChannel) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectFailure, c.cfg.ServerName, err)
	}

	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelClosed, c.cfg.ServerName)
	case StateConnected:
		c.mu.Unlock()
		return nil
	}
	if c.cmd != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: process already exited", ErrConnectFailure, c.cfg.ServerName)
	}

	// #nosec G204 -- command/args come from trusted server configuration.
	cmd := exec.CommandContext(c.baseCtx, c.cfg.Command, slices.Clone(c.cfg.Args)...)
	if c.cfg.Env != nil {
		cmd.Env = flattenEnv(c.cfg.Env)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: open stdin: %v", ErrConnectFailure, c.cfg.ServerName, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: open stdout: %v", ErrConnectFailure, c.cfg.ServerName, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: open stderr: %v", ErrConnectFailure, c.cfg.ServerName, err)
	}
	if err := cmd.Start(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: start %s: %v", ErrConnectFailure, c.cfg.ServerName, c.cfg.Command, err)
	}

	lines, filtered := io.Pipe()
	stdoutDone := make(chan struct{})
	go c.filterStdout(stdout, filtered, stdoutDone)

	framing := &mcp.IOTransport{Reader: lines, Writer: stdin}
	conn, err := framing.Connect(ctx)
	if err != nil {
		_ = cmd.Process.Kill()
		go func() {
			<-stdoutDone
			_ = cmd.Wait()
		}()
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: connect: %v", ErrConnectFailure, c.cfg.ServerName, err)
	}

	c.cmd = cmd
	c.conn = conn
	c.waitCh = make(chan struct{})
	c.state = StateConnected
	waitCh := c.waitCh
	c.mu.Unlock()

	c.observeState(StateDisconnected, StateConnected, nil)
	c.logger.Info("stdio server started", "command", c.cfg.Command, "pid", cmd.Process.Pid)

	go c.readLoop(conn)
	go c.waitLoop(cmd, stderr, stdoutDone, waitCh)
	return nil
}

// Send writes one JSON line to the subprocess stdin.
func (c *StdioChannel) Send(ctx context.Context, message Message) (*Call, error) {
	c.mu.Lock()
	state := c.state
	conn := c.conn
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotConnected, c.cfg.ServerName, state)
	}
	if message.JSONRPC == "" {
		message.JSONRPC = JSONRPCVersion
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: encode message: %v", ErrSendFailure, c.cfg.ServerName, err)
	}
	wire, err := jsonrpc.DecodeMessage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: encode message: %v", ErrSendFailure, c.cfg.ServerName, err)
	}

	var call *Call
	if message.IsRequest() {
		call, err = c.pending.register(message, c.cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
	}

	if err := conn.Write(ctx, wire); err != nil {
		if call != nil {
			c.pending.discard(message.ID)
		}
		return nil, fmt.Errorf("%w: %s: write: %v", ErrSendFailure, c.cfg.ServerName, err)
	}
	return call, nil
}

// Close terminates the subprocess and fails every pending request.
func (c *StdioChannel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = StateClosed
	conn := c.conn
	cmd := c.cmd
	waitCh := c.waitCh
	c.mu.Unlock()

	failed := c.pending.failAll(fmt.Errorf("%w: %s", ErrChannelClosed, c.cfg.ServerName), true)
	if conn != nil {
		_ = conn.Close()
	}
	c.baseCancel()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	c.observeState(from, StateClosed, nil)
	c.logger.Info("stdio server closed", "failed_pending", failed)

	if waitCh != nil {
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ServerName returns the configured server name.
func (c *StdioChannel) ServerName() string {
	return c.cfg.ServerName
}

// State returns the current connection state.
func (c *StdioChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCount returns the number of requests awaiting a response.
func (c *StdioChannel) PendingCount() int {
	return c.pending.len()
}

// filterStdout forwards the JSON lines of stdout to w and drops the rest.
// It keeps draining stdout after w is closed so the child never blocks.
func (c *StdioChannel) filterStdout(stdout io.Reader, w *io.PipeWriter, done chan<- struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	forward := true
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			c.logger.Warn("skipping non-JSON output from stdio server", "line", string(line))
			continue
		}
		if !forward {
			continue
		}
		frame := make([]byte, 0, len(line)+1)
		frame = append(append(frame, line...), '\n')
		if _, err := w.Write(frame); err != nil {
			forward = false
		}
	}
	_ = w.CloseWithError(scanner.Err())
}

func (c *StdioChannel) readLoop(conn mcp.Connection) {
	for {
		wire, err := conn.Read(c.baseCtx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("stdout closed")
			}
			c.disconnect(fmt.Errorf("%w: %s: %v", ErrConnectFailure, c.cfg.ServerName, err))
			return
		}
		data, err := jsonrpc.EncodeMessage(wire)
		if err != nil {
			c.logger.Warn("stdio message re-encode failed", "error", err)
			continue
		}
		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			c.logger.Warn("stdio message decode failed", "error", err)
			continue
		}
		if message.IsResponse() {
			if !c.pending.resolve(message) {
				c.logger.Debug("dropping response for unknown request", "id", message.ID)
			}
			continue
		}
		c.logger.Info("notification from server", "kind", message.Kind(), "method", message.Method)
	}
}

// disconnect moves a connected channel to Disconnected and fails every
// pending request with cause. It is a no-op once closed or disconnected.
func (c *StdioChannel) disconnect(cause error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	failed := c.pending.failAll(cause, true)
	c.observeState(StateConnected, StateDisconnected, cause)
	c.logger.Warn("stdio server disconnected", "error", cause, "failed_pending", failed)
}

func (c *StdioChannel) waitLoop(cmd *exec.Cmd, stderr io.Reader, stdoutDone <-chan struct{}, waitCh chan struct{}) {
	defer close(waitCh)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("stdio server stderr", "line", scanner.Text())
	}
	<-stdoutDone
	err := cmd.Wait()

	exitErr := fmt.Errorf("%w: %s: process exited", ErrConnectFailure, c.cfg.ServerName)
	if err != nil {
		exitErr = fmt.Errorf("%w: %s: process exited: %v", ErrConnectFailure, c.cfg.ServerName, err)
	}
	c.disconnect(exitErr)
	if c.State() != StateClosed {
		c.logger.Info("stdio server exited", "error", err)
	}
}

func (c *StdioChannel) observeState(from, to State, err error) {
	observation := StateObservation{
		Server:    c.cfg.ServerName,
		Transport: TypeStdio,
		From:      from,
		To:        to,
	}
	if err != nil {
		observation.Error = err.Error()
	}
	c.observer.ObserveState(observation)
}

func (c *StdioChannel) observeRequest(req *pendingRequest, outcome RequestOutcome, err error) {
	observation := RequestObservation{
		Server:    c.cfg.ServerName,
		Transport: TypeStdio,
		RequestID: req.id,
		Method:    req.method,
		Outcome:   outcome,
	}
	if outcome != RequestRegistered {
		observation.Duration = time.Since(req.started)
	}
	if err != nil {
		observation.Error = err.Error()
	}
	c.observer.ObserveRequest(observation)
}

var _ Channel = (*StdioChannel)(nil)
