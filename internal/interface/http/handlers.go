package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fluencyhub/fluency-sync/internal/application/query"
	"github.com/fluencyhub/fluency-sync/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth is the liveness probe: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(s.Uptime().Seconds()),
	})
}

// handleReady is the readiness probe: the queue store is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Ping(ctx); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "store_unavailable", "event-queue store is unreachable")
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// ══════════════════════════════════════════════════════════════════════════════
// VERIFICATION HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// handleGetProgression serves GET /api/v1/learners/{id}/progression.
func (s *Server) handleGetProgression(w http.ResponseWriter, r *http.Request) {
	learnerID := r.PathValue("id")

	result, err := s.deps.GetProgression.Handle(r.Context(), query.GetProgressionQuery{
		LearnerID: learnerID,
	})
	if err != nil {
		switch {
		case shared.IsValidation(err):
			writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case shared.IsExternalService(err):
			writeJSONError(w, http.StatusBadGateway, "upstream_unavailable", "assessment history could not be fetched")
		default:
			writeJSONError(w, http.StatusInternalServerError, "internal_server_error", "progression derivation failed")
		}
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}

// ══════════════════════════════════════════════════════════════════════════════
// OVERRIDE HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// overrideRequest is the body of POST /api/v1/learners/{id}/overrides.
type overrideRequest struct {
	ForceUnlock []string `json:"force_unlock,omitempty"`
	ForceLock   []string `json:"force_lock,omitempty"`
}

// handleSetOverrides adds force-unlock/force-lock tracks for a learner.
func (s *Server) handleSetOverrides(w http.ResponseWriter, r *http.Request) {
	learnerID := r.PathValue("id")
	if learnerID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "learner id is required")
		return
	}

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if len(req.ForceUnlock) == 0 && len(req.ForceLock) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "force_unlock or force_lock must be non-empty")
		return
	}

	if len(req.ForceUnlock) > 0 {
		if err := s.deps.Overrides.ForceUnlock(r.Context(), learnerID, req.ForceUnlock...); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "store_unavailable", "override store write failed")
			return
		}
	}
	if len(req.ForceLock) > 0 {
		if err := s.deps.Overrides.ForceLock(r.Context(), learnerID, req.ForceLock...); err != nil {
			writeJSONError(w, http.StatusServiceUnavailable, "store_unavailable", "override store write failed")
			return
		}
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "updated"})
}

// handleClearOverrides removes all overrides for a learner.
func (s *Server) handleClearOverrides(w http.ResponseWriter, r *http.Request) {
	learnerID := r.PathValue("id")
	if learnerID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "learner id is required")
		return
	}

	if err := s.deps.Overrides.Clear(r.Context(), learnerID); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store_unavailable", "override store write failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]string{"status": "cleared"})
}
