// Package transport implements the request/response-correlated RPC channels
// used to reach MCP tool servers: a push-channel transport built from a
// server-sent event stream plus a send endpoint, a subprocess stdio transport,
// and the selector that picks between them.
package transport

import (
	"context"
	"encoding/json"
	"sync"
)

// Channel is the RPC channel contract shared by every transport.
//
// Send returns once the message has been accepted for delivery; it does not
// wait for the response. For requests it returns a Call that resolves exactly
// once with the correlated response, a request timeout, or channel close.
// Notifications return a nil Call.
type Channel interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, message Message) (*Call, error)
	Close(ctx context.Context) error
}

// State is the connection state of a channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Call is the caller-side handle of one in-flight request.
type Call struct {
	ID     int64
	Method string

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCall(id int64, method string) *Call {
	return &Call{
		ID:     id,
		Method: method,
		done:   make(chan struct{}),
	}
}

// Done is closed when the call has been resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the response result and resolution error. It must only be
// called after Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	return c.result, c.err
}

// Wait blocks until the call resolves or ctx is done. Abandoning a call via
// ctx does not cancel it; the request still resolves on the channel.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) succeed(result json.RawMessage) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

func (c *Call) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// CompletedCall returns a Call that is already resolved. Channels that answer
// synchronously, and test doubles, use it.
func CompletedCall(id int64, method string, result json.RawMessage, err error) *Call {
	call := newCall(id, method)
	if err != nil {
		call.fail(err)
	} else {
		call.succeed(result)
	}
	return call
}
