package sse

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/mcpchain/bus"
)

// RunLister is implemented by stores that can summarize runs.
// *bus.SQLiteEventStore satisfies it.
type RunLister interface {
	Runs(ctx context.Context) ([]bus.RunSummary, error)
}

type runView struct {
	RunID      string    `json:"run_id"`
	Workflow   string    `json:"workflow,omitempty"`
	Status     string    `json:"status,omitempty"`
	Started    time.Time `json:"started,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Events     int       `json:"events"`
}

// RunsHandler lists known runs as JSON. With a RunLister the listing carries
// summaries; otherwise only run ids from the store are returned.
func RunsHandler(store bus.EventStore, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var views []runView
		if lister, ok := store.(RunLister); ok {
			runs, err := lister.Runs(r.Context())
			if err != nil {
				logger.Error("list runs failed", "error", err)
				http.Error(w, "list runs failed", http.StatusInternalServerError)
				return
			}
			views = make([]runView, 0, len(runs))
			for _, run := range runs {
				views = append(views, runView{
					RunID:      run.RunID,
					Workflow:   run.Workflow,
					Status:     run.Status,
					Started:    run.Started,
					DurationMs: run.Duration.Milliseconds(),
					Events:     run.Events,
				})
			}
		} else {
			ids, err := store.RunIDs(r.Context())
			if err != nil {
				logger.Error("list run ids failed", "error", err)
				http.Error(w, "list runs failed", http.StatusInternalServerError)
				return
			}
			views = make([]runView, 0, len(ids))
			for _, id := range ids {
				views = append(views, runView{RunID: id})
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"runs": views})
	})
}
