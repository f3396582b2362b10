package transport

import "errors"

// Transport errors. Channel implementations wrap these with %w so callers can
// classify failures with errors.Is.
var (
	ErrConnectTimeout       = errors.New("connect timeout")
	ErrConnectFailure       = errors.New("connect failed")
	ErrNotConnected         = errors.New("channel not connected")
	ErrSendFailure          = errors.New("send failed")
	ErrRequestTimeout       = errors.New("request timed out")
	ErrChannelClosed        = errors.New("transport closed")
	ErrUnsupportedTransport = errors.New("unsupported transport")
	ErrInvalidConfig        = errors.New("invalid transport config")
	ErrDuplicateRequestID   = errors.New("duplicate request id")
)
