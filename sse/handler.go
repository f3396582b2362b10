// Package sse streams workflow run events to HTTP clients as Server-Sent
// Events. Stored events are replayed first, then live events follow from the
// event bus until the run finishes.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/mcpchain/bus"
	"github.com/petal-labs/mcpchain/workflow"
)

// DefaultHeartbeatInterval is the interval between heartbeat comments.
const DefaultHeartbeatInterval = 15 * time.Second

// wireEvent is the JSON form of a workflow event on the stream.
type wireEvent struct {
	Kind      string         `json:"kind"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id,omitempty"`
	StepKind  string         `json:"step_kind,omitempty"`
	Time      time.Time      `json:"time"`
	Attempt   int            `json:"attempt"`
	ElapsedMs int64          `json:"elapsed_ms"`
	Payload   map[string]any `json:"payload,omitempty"`
	Seq       uint64         `json:"seq"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

func toWire(e workflow.Event) wireEvent {
	return wireEvent{
		Kind:      string(e.Kind),
		RunID:     e.RunID,
		StepID:    e.StepID,
		StepKind:  string(e.StepKind),
		Time:      e.Time,
		Attempt:   e.Attempt,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Payload:   e.Payload,
		Seq:       e.Seq,
		TraceID:   e.TraceID,
		SpanID:    e.SpanID,
	}
}

// Config wires a Handler to its event sources.
type Config struct {
	Store             bus.EventStore
	Bus               bus.EventBus
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Handler serves the run event stream for the "run_id" path value (Go 1.22
// ServeMux patterns). An optional "after" query parameter resumes after a
// known sequence number.
//
// Each event is framed as:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// The stream closes after run.finished or when the client disconnects.
type Handler struct {
	cfg Config
}

// NewHandler returns a Handler with defaults applied to cfg.
func NewHandler(cfg Config) *Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		http.Error(w, "missing run_id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var afterSeq uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after parameter", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	// Subscribe before replaying so nothing published in between is lost.
	var sub bus.Subscription
	if h.cfg.Bus != nil {
		sub = h.cfg.Bus.Subscribe(runID)
		defer sub.Close()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	logger := h.cfg.Logger.With("run_id", runID)

	lastSeq := afterSeq
	finished, err := h.replay(ctx, w, flusher, runID, &lastSeq)
	if err != nil {
		logger.Warn("event replay failed", "error", err)
		return
	}
	if finished || sub == nil {
		return
	}
	h.follow(ctx, w, flusher, sub, &lastSeq)
}

func (h *Handler) replay(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string, lastSeq *uint64) (bool, error) {
	if h.cfg.Store == nil {
		return false, nil
	}
	events, err := h.cfg.Store.List(ctx, runID, *lastSeq, 0)
	if err != nil {
		return false, err
	}
	for _, evt := range events {
		if err := writeEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()
		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}
		if evt.Kind == workflow.EventRunFinished {
			return true, nil
		}
	}
	return false, nil
}

func (h *Handler) follow(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub bus.Subscription, lastSeq *uint64) {
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= *lastSeq {
				continue
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			*lastSeq = evt.Seq
			if evt.Kind == workflow.EventRunFinished {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt workflow.Event) error {
	data, err := json.Marshal(toWire(evt))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
