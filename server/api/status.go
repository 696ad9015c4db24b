package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sfkit/orchestrator/x/pipeline"
)

// StatusSource reports the state of the local pipeline run.
type StatusSource interface {
	Status() pipeline.Status
}

// StatusHandler serves the read-only status routes of a party.
type StatusHandler struct {
	src      StatusSource
	gatherer prometheus.Gatherer
	started  time.Time
	now      func() time.Time
	build    map[string]string
}

// NewStatusHandler builds the handler. A nil gatherer disables /metrics.
func NewStatusHandler(src StatusSource, gatherer prometheus.Gatherer, build map[string]string) *StatusHandler {
	return &StatusHandler{
		src:      src,
		gatherer: gatherer,
		started:  time.Now(),
		now:      time.Now,
		build:    build,
	}
}

// RegisterMux attaches the status routes to r.
func (h *StatusHandler) RegisterMux(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

func (h *StatusHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      h.now().UTC().Format(time.RFC3339),
		"uptime_seconds": h.now().Sub(h.started).Seconds(),
	})
}

// handleReady is 200 while a run is in progress or has finished cleanly.
func (h *StatusHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	st := h.src.Status()
	switch st.Stage {
	case pipeline.StagePending:
		WriteError(w, r, http.StatusServiceUnavailable, "not_started", "pipeline has not started", nil)
	case pipeline.StageFailed:
		WriteError(w, r, http.StatusServiceUnavailable, "failed", st.Error, map[string]any{"run_id": st.RunID})
	default:
		WriteJSON(w, http.StatusOK, map[string]any{"status": "ready", "stage": st.Stage})
	}
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"run":   h.src.Status(),
		"build": h.build,
	})
}
