package client

import (
	"errors"
	"fmt"
)

var (
	// ErrToolFailed marks a tools/call whose result reported isError.
	ErrToolFailed = errors.New("tool reported failure")
	// ErrUnknownServer is returned for calls to a server the chain has no
	// session for.
	ErrUnknownServer = errors.New("unknown server")
)

// ToolError describes a failed tool invocation.
type ToolError struct {
	Server  string
	Tool    string
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("client: %s/%s: %s", e.Server, e.Tool, msg)
}

func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
