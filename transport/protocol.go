package transport

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the protocol version stamped on every outgoing message.
const JSONRPCVersion = "2.0"

// Message is a JSON-RPC 2.0 envelope. An ID of zero means the message carries
// no id (a notification).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest reports whether the message expects a correlated response.
func (m Message) IsRequest() bool {
	return m.ID != 0 && m.Method != ""
}

// IsResponse reports whether the message answers an earlier request.
func (m Message) IsResponse() bool {
	return m.ID != 0 && m.Method == ""
}

// Kind returns a short label used in logs: the method name for requests and
// notifications, "response" or "error" for replies.
func (m Message) Kind() string {
	switch {
	case m.Method != "":
		return m.Method
	case m.Error != nil:
		return "error"
	case m.Result != nil:
		return "response"
	default:
		return "notification"
	}
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = "unknown rpc error"
	}
	return fmt.Sprintf("transport: rpc error %d: %s", e.Code, msg)
}

// RequestError wraps transport/protocol failures in request flow.
type RequestError struct {
	Method string
	Err    error
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("transport: request %q failed: %v", e.Method, e.Err)
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewRequest builds a request message with params encoded as JSON.
func NewRequest(id int64, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification builds a notification message (no id).
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}
