package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeStream struct {
	events chan string
	drop   chan struct{}
}

// fakePushServer serves the stream and send endpoints of a push-channel tool
// server and lets tests push events onto the open streams.
type fakePushServer struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.Mutex
	connects   int
	streams    map[string]*fakeStream
	latest     string
	sends      []sendPayload
	autoReply  bool
	sendStatus int
	sendBody   string
}

func newFakePushServer(t *testing.T) *fakePushServer {
	t.Helper()
	s := &fakePushServer{
		t:       t,
		streams: make(map[string]*fakeStream),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sse/stream", s.handleStream)
	mux.HandleFunc("POST /api/sse/send", s.handleSend)
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

func (s *fakePushServer) streamURL() string {
	return s.server.URL + "/api/sse/stream"
}

func (s *fakePushServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.connects++
	id := fmt.Sprintf("conn-%d", s.connects)
	stream := &fakeStream{events: make(chan string, 16), drop: make(chan struct{})}
	s.streams[id] = stream
	s.latest = id
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": hello\n\ndata: {\"type\":\"connected\",\"server\":%q,\"connectionId\":%q}\n\n", r.URL.Query().Get("server"), id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-stream.drop:
			return
		case event := <-stream.events:
			fmt.Fprintf(w, "data: %s\n\n", event)
			flusher.Flush()
		}
	}
}

func (s *fakePushServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload sendPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.sends = append(s.sends, payload)
	status, body, autoReply := s.sendStatus, s.sendBody, s.autoReply
	s.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}
	if autoReply && payload.Message.IsRequest() {
		s.pushTo(payload.ConnectionID, Message{
			JSONRPC: JSONRPCVersion,
			ID:      payload.Message.ID,
			Result:  mustRawJSON(s.t, map[string]any{"echo": payload.Message.Method}),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"success":true}`))
}

func (s *fakePushServer) push(message Message) {
	s.pushTo("", message)
}

func (s *fakePushServer) pushTo(connectionID string, message Message) {
	data, err := json.Marshal(message)
	if err != nil {
		s.t.Errorf("Marshal() error = %v", err)
		return
	}
	s.pushRaw(connectionID, string(data))
}

func (s *fakePushServer) pushRaw(connectionID, event string) {
	s.mu.Lock()
	if connectionID == "" {
		connectionID = s.latest
	}
	stream := s.streams[connectionID]
	s.mu.Unlock()
	if stream == nil {
		s.t.Errorf("no stream for connection %q", connectionID)
		return
	}
	stream.events <- event
}

func (s *fakePushServer) dropLatest() {
	s.mu.Lock()
	stream := s.streams[s.latest]
	s.mu.Unlock()
	close(stream.drop)
}

func (s *fakePushServer) recordedSends() []sendPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendPayload(nil), s.sends...)
}

type recordingObserver struct {
	mu       sync.Mutex
	states   []StateObservation
	requests []RequestObservation
}

func (o *recordingObserver) ObserveState(observation StateObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, observation)
}

func (o *recordingObserver) ObserveRequest(observation RequestObservation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, observation)
}

func (o *recordingObserver) sawTransition(from, to State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.states {
		if s.From == from && s.To == to {
			return true
		}
	}
	return false
}

func (o *recordingObserver) outcomes(id int64) []RequestOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []RequestOutcome
	for _, r := range o.requests {
		if r.RequestID == id {
			out = append(out, r.Outcome)
		}
	}
	return out
}

func startPushChannel(t *testing.T, cfg PushConfig) *PushChannel {
	t.Helper()
	if cfg.ServerName == "" {
		cfg.ServerName = "filesystem"
	}
	ch, err := NewPushChannel(cfg)
	if err != nil {
		t.Fatalf("NewPushChannel() error = %v", err)
	}
	t.Cleanup(func() { _ = ch.Close(context.Background()) })
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitCall(t *testing.T, call *Call) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	result, err := call.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("call %d never resolved", call.ID)
	}
	return result, err
}

func TestPushChannelRoundTrip(t *testing.T) {
	server := newFakePushServer(t)
	server.autoReply = true
	observer := &recordingObserver{}

	ch := startPushChannel(t, PushConfig{URL: server.streamURL(), Observer: observer})
	if ch.State() != StateConnected {
		t.Fatalf("State() = %s, want %s", ch.State(), StateConnected)
	}
	waitFor(t, "connection id", func() bool { return ch.ConnectionID() == "conn-1" })

	call, err := ch.Send(context.Background(), Message{ID: 1, Method: "tools/list"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	result, err := waitCall(t, call)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(result, &payload); err != nil {
		t.Fatalf("Unmarshal(result) error = %v", err)
	}
	if payload["echo"] != "tools/list" {
		t.Fatalf("result.echo = %v, want tools/list", payload["echo"])
	}

	sends := server.recordedSends()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	if sends[0].Server != "filesystem" || sends[0].ConnectionID != "conn-1" {
		t.Fatalf("send payload = %+v, want server filesystem on conn-1", sends[0])
	}
	if sends[0].Message.JSONRPC != JSONRPCVersion {
		t.Fatalf("jsonrpc = %q, want %q", sends[0].Message.JSONRPC, JSONRPCVersion)
	}
	if ch.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", ch.PendingCount())
	}
	if !observer.sawTransition(StateConnecting, StateConnected) {
		t.Fatalf("missing connecting -> connected transition: %+v", observer.states)
	}
	outcomes := observer.outcomes(1)
	if len(outcomes) != 2 || outcomes[0] != RequestRegistered || outcomes[1] != RequestResolved {
		t.Fatalf("outcomes = %v, want [registered resolved]", outcomes)
	}
}

func TestPushChannelErrorResponse(t *testing.T) {
	server := newFakePushServer(t)
	ch := startPushChannel(t, PushConfig{URL: server.streamURL()})
	waitFor(t, "connection id", func() bool { return ch.ConnectionID() != "" })

	call, err := ch.Send(context.Background(), Message{ID: 4, Method: "tools/call"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	server.push(Message{
		JSONRPC: JSONRPCVersion,
		ID:      4,
		Error:   &RPCError{Code: -32602, Message: "unknown tool"},
	})

	_, err = waitCall(t, call)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Wait() error = %v, want *RPCError", err)
	}
	if rpcErr.Message != "unknown tool" {
		t.Fatalf("rpc error message = %q, want unknown tool", rpcErr.Message)
	}
}

func TestPushChannelRequestTimeout(t *testing.T) {
	server := newFakePushServer(t)
	ch := startPushChannel(t, PushConfig{
		URL:            server.streamURL(),
		RequestTimeout: 50 * time.Millisecond,
	})

	call, err := ch.Send(context.Background(), Message{ID: 2, Method: "tools/list"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	_, err = waitCall(t, call)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Wait() error = %v, want ErrRequestTimeout", err)
	}
	if ch.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", ch.PendingCount())
	}

	// A late response for the expired request is dropped.
	server.push(Message{JSONRPC: JSONRPCVersion, ID: 2, Result: json.RawMessage(`{}`)})
	select {
	case <-call.Done():
	default:
		t.Fatal("call should stay resolved")
	}
	if _, err := call.Result(); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Result() error = %v, want ErrRequestTimeout", err)
	}
}

func TestPushChannelCloseFailsPending(t *testing.T) {
	server := newFakePushServer(t)
	ch := startPushChannel(t, PushConfig{URL: server.streamURL()})

	calls := make([]*Call, 0, 3)
	for id := int64(1); id <= 3; id++ {
		call, err := ch.Send(context.Background(), Message{ID: id, Method: "tools/call"})
		if err != nil {
			t.Fatalf("Send(%d) error = %v", id, err)
		}
		calls = append(calls, call)
	}
	if ch.PendingCount() != 3 {
		t.Fatalf("PendingCount() = %d, want 3", ch.PendingCount())
	}

	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for _, call := range calls {
		if _, err := waitCall(t, call); !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("call %d error = %v, want ErrChannelClosed", call.ID, err)
		}
	}
	if ch.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", ch.PendingCount())
	}
	if ch.State() != StateClosed {
		t.Fatalf("State() = %s, want %s", ch.State(), StateClosed)
	}
	if err := ch.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := ch.Send(context.Background(), Message{ID: 9, Method: "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() after close error = %v, want ErrNotConnected", err)
	}
	if err := ch.Start(context.Background()); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Start() after close error = %v, want ErrChannelClosed", err)
	}
}

func TestPushChannelSendBeforeStart(t *testing.T) {
	ch, err := NewPushChannel(PushConfig{ServerName: "filesystem", URL: "http://127.0.0.1:1/api/sse/stream"})
	if err != nil {
		t.Fatalf("NewPushChannel() error = %v", err)
	}
	defer ch.Close(context.Background())

	if _, err := ch.Send(context.Background(), Message{ID: 1, Method: "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() error = %v, want ErrNotConnected", err)
	}
	if ch.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", ch.PendingCount())
	}
}

func TestPushChannelConnectTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ch, err := NewPushChannel(PushConfig{
		ServerName:     "slow",
		URL:            server.URL + "/api/sse/stream",
		ConnectTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPushChannel() error = %v", err)
	}
	defer ch.Close(context.Background())

	err = ch.Start(context.Background())
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Start() error = %v, want ErrConnectTimeout", err)
	}
	if ch.State() != StateDisconnected {
		t.Fatalf("State() = %s, want %s", ch.State(), StateDisconnected)
	}
	if ch.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", ch.PendingCount())
	}
}

func TestPushChannelConnectFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ch, err := NewPushChannel(PushConfig{ServerName: "down", URL: server.URL + "/api/sse/stream"})
	if err != nil {
		t.Fatalf("NewPushChannel() error = %v", err)
	}
	defer ch.Close(context.Background())

	if err := ch.Start(context.Background()); !errors.Is(err, ErrConnectFailure) {
		t.Fatalf("Start() error = %v, want ErrConnectFailure", err)
	}
	if ch.Connected() {
		t.Fatal("Connected() = true, want false")
	}
}

func TestPushChannelSendFailure(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"error":"boom"}`},
		{name: "error envelope", status: http.StatusOK, body: `{"error":"Missing server or message"}`},
		{name: "not accepted", status: http.StatusOK, body: `{"success":false}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newFakePushServer(t)
			server.sendStatus = tt.status
			server.sendBody = tt.body
			ch := startPushChannel(t, PushConfig{URL: server.streamURL()})

			call, err := ch.Send(context.Background(), Message{ID: 1, Method: "tools/call"})
			if !errors.Is(err, ErrSendFailure) {
				t.Fatalf("Send() error = %v, want ErrSendFailure", err)
			}
			if call != nil {
				t.Fatalf("Send() call = %+v, want nil", call)
			}
			if ch.PendingCount() != 0 {
				t.Fatalf("PendingCount() = %d, want 0", ch.PendingCount())
			}
		})
	}
}

func TestPushChannelDuplicateRequestID(t *testing.T) {
	server := newFakePushServer(t)
	ch := startPushChannel(t, PushConfig{URL: server.streamURL()})

	if _, err := ch.Send(context.Background(), Message{ID: 5, Method: "tools/list"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := ch.Send(context.Background(), Message{ID: 5, Method: "tools/list"}); !errors.Is(err, ErrDuplicateRequestID) {
		t.Fatalf("second Send() error = %v, want ErrDuplicateRequestID", err)
	}
	if ch.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", ch.PendingCount())
	}
}

func TestPushChannelIgnoresUnmatchedResponses(t *testing.T) {
	server := newFakePushServer(t)
	ch := startPushChannel(t, PushConfig{URL: server.streamURL()})

	call, err := ch.Send(context.Background(), Message{ID: 1, Method: "tools/list"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	server.push(Message{JSONRPC: JSONRPCVersion, ID: 999, Result: json.RawMessage(`{"stray":true}`)})
	server.pushRaw("", `{"type":"keepalive","timestamp":"now"}`)
	server.pushRaw("", `not json`)
	server.push(Message{JSONRPC: JSONRPCVersion, Method: "notifications/progress"})
	server.push(Message{JSONRPC: JSONRPCVersion, ID: 1, Result: json.RawMessage(`{"ok":true}`)})

	result, err := waitCall(t, call)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("result = %s, want {\"ok\":true}", result)
	}
	if ch.State() != StateConnected {
		t.Fatalf("State() = %s, want %s", ch.State(), StateConnected)
	}
	if ch.LastActivity().IsZero() {
		t.Fatal("LastActivity() is zero")
	}
}

func TestPushChannelReconnectKeepsPending(t *testing.T) {
	const reconnectDelay = 300 * time.Millisecond
	server := newFakePushServer(t)
	observer := &recordingObserver{}
	ch := startPushChannel(t, PushConfig{
		URL:            server.streamURL(),
		ReconnectDelay: reconnectDelay,
		Observer:       observer,
	})
	waitFor(t, "first connection id", func() bool { return ch.ConnectionID() == "conn-1" })

	call, err := ch.Send(context.Background(), Message{ID: 11, Method: "tools/call"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	dropped := time.Now()
	server.dropLatest()
	waitFor(t, "disconnect", func() bool { return !ch.Connected() })
	if state := ch.State(); state != StateReconnecting {
		t.Fatalf("State() during gap = %s, want %s", state, StateReconnecting)
	}
	if _, err := ch.Send(context.Background(), Message{ID: 12, Method: "tools/list"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() during gap error = %v, want ErrNotConnected", err)
	}

	waitFor(t, "reconnect", func() bool { return ch.ConnectionID() == "conn-2" })
	gap := time.Since(dropped)
	if gap < reconnectDelay/2 {
		t.Fatalf("reconnected after %s, want the %s delay to be honoured", gap, reconnectDelay)
	}
	if gap > reconnectDelay+2*time.Second {
		t.Fatalf("reconnected after %s, want about %s", gap, reconnectDelay)
	}

	if !observer.sawTransition(StateConnected, StateReconnecting) {
		t.Fatalf("missing connected -> reconnecting transition: %+v", observer.states)
	}
	if !observer.sawTransition(StateReconnecting, StateConnected) {
		t.Fatalf("missing reconnecting -> connected transition: %+v", observer.states)
	}
	select {
	case <-call.Done():
		t.Fatal("pending request resolved by reconnect")
	default:
	}
	if ch.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", ch.PendingCount())
	}

	server.push(Message{JSONRPC: JSONRPCVersion, ID: 11, Result: json.RawMessage(`{"after":"reconnect"}`)})
	result, err := waitCall(t, call)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !strings.Contains(string(result), "reconnect") {
		t.Fatalf("result = %s, want reconnect payload", result)
	}
}

func TestPushChannelFallbackBootstrap(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sse/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /api/sse/send", func(w http.ResponseWriter, r *http.Request) {
		var payload sendPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !strings.HasPrefix(payload.ConnectionID, "go-") {
			http.Error(w, "missing synthetic connection id", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"response": Message{
				JSONRPC: JSONRPCVersion,
				ID:      payload.Message.ID,
				Result:  json.RawMessage(`{"inline":true}`),
			},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ch := startPushChannel(t, PushConfig{URL: server.URL + "/api/sse/stream"})
	if !ch.Connected() {
		t.Fatal("Connected() = false, want true")
	}
	if !strings.HasPrefix(ch.ConnectionID(), "go-") {
		t.Fatalf("ConnectionID() = %q, want go- prefix", ch.ConnectionID())
	}

	call, err := ch.Send(context.Background(), Message{ID: 3, Method: "tools/list"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	result, err := waitCall(t, call)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if string(result) != `{"inline":true}` {
		t.Fatalf("result = %s, want inline result", result)
	}
}

func TestPushChannelNotificationHasNoCall(t *testing.T) {
	server := newFakePushServer(t)
	ch := startPushChannel(t, PushConfig{URL: server.streamURL()})

	call, err := ch.Send(context.Background(), Message{Method: "notifications/initialized"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if call != nil {
		t.Fatalf("Send() call = %+v, want nil for notification", call)
	}
	if ch.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", ch.PendingCount())
	}
}

func TestDeriveSendURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "https://app.example.com/api/sse/stream", want: "https://app.example.com/api/sse/send"},
		{in: "http://localhost:3000/stream/v1", want: "http://localhost:3000/send/v1"},
		{in: "http://localhost:3000/events", want: "http://localhost:3000/events/send"},
		{in: "http://localhost:3000/api/sse/stream?x=1", want: "http://localhost:3000/api/sse/send?x=1"},
	}
	for _, tt := range tests {
		got, err := deriveSendURL(tt.in)
		if err != nil {
			t.Fatalf("deriveSendURL(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("deriveSendURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewPushChannelRequiresURL(t *testing.T) {
	if _, err := NewPushChannel(PushConfig{ServerName: "x"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewPushChannel() error = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewPushChannel(PushConfig{URL: "http://x/stream"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewPushChannel() error = %v, want ErrInvalidConfig", err)
	}
}

func mustRawJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return data
}
