package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"SearchSync/internal/domain"
	"SearchSync/internal/ports"
	"SearchSync/internal/usecase"
)

const defaultHistoryLimit = 50

// Controller is the slice of the orchestrator the HTTP surface needs.
type Controller interface {
	Health() []domain.PipelineStatus
	RefresherStatus() domain.RefresherStatus
	Reset(ctx context.Context, sourceID string) error
	ResetAll(ctx context.Context) error
}

// StatusResponse is the GET /status payload.
type StatusResponse struct {
	Healthy   bool                    `json:"healthy"`
	Pipelines []domain.PipelineStatus `json:"pipelines"`
	Refresher domain.RefresherStatus  `json:"refresher"`
}

// Handler implements the status and admin endpoints.
type Handler struct {
	controller Controller
	history    ports.HistoryStore
	logger     *slog.Logger
}

// NewHandler wires the orchestrator and the history log.
func NewHandler(controller Controller, history ports.HistoryStore, logger *slog.Logger) *Handler {
	return &Handler{controller: controller, history: history, logger: logger}
}

// Healthz reports 200 when every pipeline is healthy, 503 otherwise. The
// body carries the same JSON either way so probes and humans see the cause.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	response := h.statusResponse()
	code := http.StatusOK
	if !response.Healthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, response)
}

// Status reports the full per-pipeline health snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.statusResponse())
}

// History returns recent cycle results, optionally filtered by ?source=.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, "history log not configured")
		return
	}

	limit := uint64(defaultHistoryLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || parsed == 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	results, err := h.history.Recent(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		h.logger.Warn("history query failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if results == nil {
		results = []domain.CycleResult{}
	}

	h.writeJSON(w, http.StatusOK, results)
}

// Reset forces a full resync of one source.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["source"]

	err := h.controller.Reset(r.Context(), sourceID)
	switch {
	case errors.Is(err, usecase.ErrSourceUnknown):
		h.writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		h.logger.Warn("reset failed", "source", sourceID, "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.logger.Info("checkpoint reset requested", "source", sourceID)
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "source": sourceID})
	}
}

// ResetAll forces a full resync of every source.
func (h *Handler) ResetAll(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.ResetAll(r.Context()); err != nil {
		h.logger.Warn("reset all failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Info("checkpoint reset requested for all sources")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "source": "all"})
}

func (h *Handler) statusResponse() StatusResponse {
	pipelines := h.controller.Health()
	healthy := true
	for _, p := range pipelines {
		if p.State == domain.StateError {
			healthy = false
			break
		}
	}

	return StatusResponse{
		Healthy:   healthy,
		Pipelines: pipelines,
		Refresher: h.controller.RefresherStatus(),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("response encoding failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, message string) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
