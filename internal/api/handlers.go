package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lei/simple-qa/internal/models"
	"github.com/lei/simple-qa/internal/provider"
	"github.com/lei/simple-qa/internal/service"
	"github.com/lei/simple-qa/internal/tracker"
)

// Handlers contains HTTP handler functions
type Handlers struct {
	service *service.Service
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc *service.Service) *Handlers {
	return &Handlers{service: svc}
}

// Health handles health check requests
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.HealthCheck(r.Context()))
}

// StartRun handles POST /v1/runs
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())

	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if logger != nil {
			logger.Warn("invalid request body", "error", err)
		}
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if logger != nil {
		logger.Debug("decoded run request",
			"test_url", req.TestURL,
			"provider", req.Provider,
			"has_instructions", req.TestingInstructions != "")
	}

	job, err := h.service.StartRun(r.Context(), req)
	h.respondStarted(w, r, job, err)
}

// StartPreset handles POST /v1/presets/{name}/runs
func (h *Handlers) StartPreset(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	name := chi.URLParam(r, "name")

	if logger != nil {
		logger.Debug("starting preset run", "preset", name)
	}

	job, err := h.service.StartPreset(r.Context(), name)
	h.respondStarted(w, r, job, err)
}

// respondStarted writes the outcome of a submission. A rejected
// submission still returns the ERROR snapshot next to the error.
func (h *Handlers) respondStarted(w http.ResponseWriter, r *http.Request, job models.Job, err error) {
	logger := GetLogger(r.Context())

	if err == nil {
		if logger != nil {
			logger.Info("run started successfully",
				"job_id", job.ID,
				"status", job.Status,
				"api_key_name", GetAPIKeyName(r.Context()))
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"run": job,
		})
		return
	}

	if job.Status != models.StatusError {
		handleServiceError(w, r, err)
		return
	}

	status := http.StatusBadGateway
	var backendErr *provider.BackendError
	if errors.As(err, &backendErr) && backendErr.Code >= 400 && backendErr.Code < 500 {
		status = backendErr.Code
	}

	if logger != nil {
		logger.Warn("run submission rejected",
			"status", status,
			"error", err)
	}

	requestID := GetRequestID(r.Context())
	w.Header().Set("X-Request-ID", requestID)
	writeJSON(w, status, map[string]interface{}{
		"run": job,
		"error": map[string]interface{}{
			"message":    provider.Message(err),
			"code":       status,
			"request_id": requestID,
		},
	})
}

// ListPresets handles GET /v1/presets
func (h *Handlers) ListPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"presets": h.service.ListPresets(r.Context()),
	})
}

// CurrentRun handles GET /v1/runs/current
func (h *Handlers) CurrentRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run": h.service.CurrentRun(r.Context()),
	})
}

// StreamRun handles GET /v1/runs/current/events
func (h *Handlers) StreamRun(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		if logger != nil {
			logger.Error("streaming not supported by response writer")
		}
		respondError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Send initial connection success event
	requestID := GetRequestID(r.Context())
	fmt.Fprintf(w, "event: connected\ndata: {\"request_id\":\"%s\"}\n\n", requestID)
	flusher.Flush()

	err := h.service.WatchRun(r.Context(), func(job models.Job) error {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		// Cannot change headers after streaming starts, but MUST log
		if logger != nil {
			logger.Error("streaming error occurred",
				"error", err,
				"error_type", fmt.Sprintf("%T", err))
		}

		// Send error event if possible (best effort)
		fmt.Fprintf(w, "event: error\ndata: {\"message\":\"stream error\",\"request_id\":\"%s\"}\n\n", requestID)
		flusher.Flush()
		return
	}

	if logger != nil {
		logger.Info("event stream completed")
	}
}

// ResetRun handles DELETE /v1/runs/current
func (h *Handlers) ResetRun(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ResetRun(r.Context()); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListHistory handles GET /v1/history
func (h *Handlers) ListHistory(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	q := r.URL.Query()

	filter := HistoryFilter{
		Search:       q.Get("search"),
		Severity:     q.Get("severity"),
		JobID:        q.Get("job_id"),
		HasArtifacts: parseBoolParam(q.Get("artifacts")),
	}

	entries := FilterHistory(h.service.History(r.Context()), filter)

	if logger != nil {
		logger.Debug("history listed",
			"count", len(entries),
			"search", filter.Search,
			"severity", filter.Severity)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": entries,
		"count":   len(entries),
	})
}

// RefreshHistory handles POST /v1/history/refresh
func (h *Handlers) RefreshHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RefreshHistory(r.Context()); err != nil {
		handleServiceError(w, r, err)
		return
	}

	entries := h.service.History(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": entries,
		"count":   len(entries),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// respondError writes a JSON error response with logging
func respondError(w http.ResponseWriter, r *http.Request, status int, message string) {
	logger := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	if logger != nil {
		logger.Error("returning error response",
			"status", status,
			"message", message,
			"request_id", requestID)
	}

	w.Header().Set("X-Request-ID", requestID)
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message":    message,
			"code":       status,
			"request_id": requestID,
		},
	})
}

// handleServiceError maps service errors to HTTP responses with detailed logging
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := GetLogger(r.Context())
	requestID := GetRequestID(r.Context())

	if logger != nil {
		logger.Error("service error occurred",
			"error", err.Error(),
			"error_type", fmt.Sprintf("%T", err),
			"request_id", requestID)
	}

	switch {
	case errors.Is(err, service.ErrPresetNotFound):
		respondError(w, r, http.StatusNotFound, "preset not found")
	case errors.Is(err, service.ErrInvalidRequest):
		respondError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, tracker.ErrSuperseded):
		respondError(w, r, http.StatusConflict, "run superseded by a newer submission")
	case errors.Is(err, tracker.ErrClosed):
		respondError(w, r, http.StatusServiceUnavailable, "dashboard is shutting down")
	case errors.Is(err, provider.ErrUnauthorized):
		respondError(w, r, http.StatusBadGateway, "backend authentication failed")
	case errors.Is(err, provider.ErrUnavailable):
		respondError(w, r, http.StatusBadGateway, "backend temporarily unavailable")
	default:
		var transportErr *provider.TransportError
		var backendErr *provider.BackendError
		switch {
		case errors.As(err, &transportErr):
			respondError(w, r, http.StatusBadGateway, "backend unreachable")
		case errors.As(err, &backendErr):
			if logger != nil {
				logger.Error("backend error details",
					"backend_code", backendErr.Code,
					"backend_detail", backendErr.Detail)
			}
			respondError(w, r, http.StatusBadGateway, provider.Message(err))
		default:
			respondError(w, r, http.StatusInternalServerError, "internal server error")
		}
	}
}
