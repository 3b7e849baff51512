package http

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iversonwuwei/go-nomads-backend-sub005/internal/domain"
)

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failing := map[string]string{}
	for _, probe := range h.readiness {
		if err := probe.Ping(ctx); err != nil {
			failing[probe.Name()] = err.Error()
		}
	}
	if len(failing) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "code": "NOT_READY", "data": failing})
		return
	}
	writeMessage(w, http.StatusOK, "ready")
}

func (h *Handler) listCursors(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, h.reconciler.Cursors(r.Context()))
}

func (h *Handler) listDrift(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	findings, err := h.reconciler.RecentDrift(r.Context(), chi.URLParam(r, "representation"), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if findings == nil {
		findings = []domain.DriftFinding{}
	}
	writeSuccess(w, http.StatusOK, findings)
}

// triggerResync starts a forced full resync in the background and answers
// 202 immediately.
func (h *Handler) triggerResync(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "representation")
	if !slices.Contains(h.reconciler.Representations(), name) {
		h.writeDomainError(w, r, domain.ErrUnknownRepresentation)
		return
	}
	if h.reconciler.ResyncInProgress(name) {
		h.writeDomainError(w, r, domain.ErrResyncInProgress)
		return
	}
	requestID := requestIDFromContext(r.Context())
	go func() {
		report, err := h.reconciler.TriggerResync(h.jobs, name)
		if err != nil {
			h.logger.WarnContext(h.jobs, "admin resync failed",
				"module", "http.handlers",
				"layer", "adapter",
				"operation", "resync",
				"outcome", "failure",
				"representation", name,
				"request_id", requestID,
				"error", err,
			)
			return
		}
		h.logger.InfoContext(h.jobs, "admin resync finished",
			"module", "http.handlers",
			"representation", name,
			"request_id", requestID,
			"succeeded", report.Succeeded,
			"failed", report.Failed,
		)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "success",
		"message": "resync started",
		"data":    map[string]string{"representation": name},
	})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Verify(r.Context(), chi.URLParam(r, "representation"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, report)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapDomainError(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "admin request failed",
			"module", "http.handlers",
			"layer", "adapter",
			"path", r.URL.Path,
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
	}
	writeError(w, status, code, message)
}
