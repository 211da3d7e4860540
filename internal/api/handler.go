package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/signalreplay/internal/engine"
	"github.com/gyaneshwarpardhi/signalreplay/internal/event"
	"github.com/gyaneshwarpardhi/signalreplay/internal/sequence"
)

// StatusSource reports replay progress.
type StatusSource interface {
	Status() engine.Status
}

// Reloader re-reads the sequence file on demand.
type Reloader interface {
	Path() string
	Version() uint64
	Reload() (event.Sequence, error)
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	status StatusSource
	loader Reloader
	log    *slog.Logger
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. loader may be nil,
// in which case the reload route is not registered.
func New(status StatusSource, loader Reloader, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{status: status, loader: loader, log: logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.HandleFunc("GET /v1/replay", h.replayStatus)
	if loader != nil {
		h.mux.HandleFunc("POST /v1/sequence/reload", h.reloadSequence)
	}
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(logger, h.mux)
}

// GET /v1/replay: driver snapshot.
func (h *Handler) replayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status())
}

// POST /v1/sequence/reload: re-read the sequence file. The running pass is
// untouched; an infinite replay picks the new sequence up at the next loop.
func (h *Handler) reloadSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := h.loader.Reload()
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, sequence.ErrMalformed) {
			code = http.StatusUnprocessableEntity
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded": true,
		"path":     h.loader.Path(),
		"events":   len(seq),
		"version":  h.loader.Version(),
	})
}

// GET /healthz: liveness check, always 200.
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: 503 until the replay is running, and after it failed.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	st := h.status.Status()
	switch st.State {
	case engine.Idle, engine.Failed:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"state":  st.State,
			"error":  st.LastError,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"state":  st.State,
	})
}
