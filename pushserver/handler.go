// Package pushserver serves the push-style MCP endpoints: a long-lived event
// stream per client and a send endpoint that answers JSON-RPC messages. The
// mock-server command mounts it so push channels can be exercised locally.
package pushserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/mcpchain/transport"
)

// Route paths served by Handler.
const (
	StreamPath = "/api/sse/stream"
	SendPath   = "/api/sse/send"
)

// DefaultKeepaliveInterval is how often idle streams receive a keepalive event.
const DefaultKeepaliveInterval = 30 * time.Second

const streamBuffer = 16

// ToolFunc answers one JSON-RPC request addressed to server. The returned
// value becomes the result of the reply; a non-nil error becomes an RPC error.
type ToolFunc func(ctx context.Context, server string, request transport.Message) (any, error)

// Config controls a Handler.
type Config struct {
	KeepaliveInterval time.Duration
	Tool              ToolFunc
	Logger            *slog.Logger
	Now               func() time.Time
}

// Handler implements the stream and send endpoints.
type Handler struct {
	cfg Config
	mux *http.ServeMux

	mu    sync.Mutex
	conns map[string]*connection
}

type connection struct {
	id     string
	server string
	out    chan []byte
}

// NewHandler returns a Handler with defaults applied to cfg.
func NewHandler(cfg Config) *Handler {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &Handler{
		conns: make(map[string]*connection),
	}
	if cfg.Tool == nil {
		cfg.Tool = h.echo
	}
	h.cfg = cfg

	h.mux = http.NewServeMux()
	h.mux.HandleFunc("GET "+StreamPath, h.handleStream)
	h.mux.HandleFunc("OPTIONS "+StreamPath, h.handlePreflight)
	h.mux.HandleFunc(SendPath, h.handleSend)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Connections returns the number of open streams.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

type controlEvent struct {
	Type         string `json:"type"`
	Server       string `json:"server,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Timestamp    string `json:"timestamp"`
}

func (h *Handler) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	setCORSHeaders(w.Header())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	server := r.URL.Query().Get("server")
	if server == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "server parameter is required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	conn := &connection{
		id:     server + "-" + uuid.NewString(),
		server: server,
		out:    make(chan []byte, streamBuffer),
	}
	h.register(conn)
	defer h.unregister(conn)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	setCORSHeaders(header)
	w.WriteHeader(http.StatusOK)

	logger := h.cfg.Logger.With("server", server, "connection_id", conn.id)
	logger.Info("stream opened")
	defer logger.Info("stream closed")

	err := writeData(w, controlEvent{
		Type:         "connected",
		Server:       server,
		ConnectionID: conn.id,
		Timestamp:    h.timestamp(),
	})
	if err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-conn.out:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeData(w, controlEvent{Type: "keepalive", Timestamp: h.timestamp()}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type sendRequest struct {
	Server       string             `json:"server"`
	Message      *transport.Message `json:"message"`
	ConnectionID string             `json:"connectionId,omitempty"`
}

type sendResponse struct {
	Success  bool               `json:"success"`
	Response *transport.Message `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w.Header())
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		writeJSON(w, http.StatusMethodNotAllowed, sendResponse{Error: "method not allowed"})
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "invalid JSON body"})
		return
	}
	if req.Server == "" || req.Message == nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "server and message are required"})
		return
	}

	logger := h.cfg.Logger.With("server", req.Server, "kind", req.Message.Kind())
	if !req.Message.IsRequest() {
		logger.Debug("notification received")
		writeJSON(w, http.StatusOK, sendResponse{Success: true})
		return
	}

	reply, err := h.answer(r.Context(), req.Server, *req.Message)
	if err != nil {
		logger.Error("build reply failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, sendResponse{Error: err.Error()})
		return
	}

	if req.ConnectionID != "" {
		if pushed := h.push(req.ConnectionID, reply); !pushed {
			logger.Debug("reply not pushed", "connection_id", req.ConnectionID)
		}
	}
	writeJSON(w, http.StatusOK, sendResponse{Success: true, Response: &reply})
}

func (h *Handler) answer(ctx context.Context, server string, request transport.Message) (transport.Message, error) {
	reply := transport.Message{JSONRPC: transport.JSONRPCVersion, ID: request.ID}
	result, err := h.cfg.Tool(ctx, server, request)
	if err != nil {
		var rpcErr *transport.RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &transport.RPCError{Code: -32000, Message: err.Error()}
		}
		reply.Error = rpcErr
		return reply, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return transport.Message{}, fmt.Errorf("encode result: %w", err)
	}
	reply.Result = raw
	return reply, nil
}

// echo is the default ToolFunc.
func (h *Handler) echo(_ context.Context, server string, _ transport.Message) (any, error) {
	return map[string]any{
		"success":   true,
		"message":   "Mock response from " + server,
		"timestamp": h.timestamp(),
	}, nil
}

// push queues reply on the stream with the given connection id. It reports
// false when the connection is unknown or its buffer is full.
func (h *Handler) push(connectionID string, reply transport.Message) bool {
	payload, err := json.Marshal(reply)
	if err != nil {
		return false
	}
	h.mu.Lock()
	conn, ok := h.conns[connectionID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case conn.out <- payload:
		return true
	default:
		return false
	}
}

func (h *Handler) register(conn *connection) {
	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()
}

func (h *Handler) unregister(conn *connection) {
	h.mu.Lock()
	delete(h.conns, conn.id)
	h.mu.Unlock()
}

func (h *Handler) timestamp() string {
	return h.cfg.Now().UTC().Format(time.RFC3339Nano)
}

func setCORSHeaders(header http.Header) {
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control")
}

func writeData(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
