package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/talkback/internal/turnlog"
)

const maxTurnHistory = 200

type turnHistoryResponse struct {
	SessionID string           `json:"session_id"`
	Turns     []turnlog.Record `json:"turns"`
}

// handleSessionTurns lists the persisted turns of a session, oldest first.
// ?limit= caps the count (default 20).
func (s *Server) handleSessionTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.turns == nil {
		respondError(w, http.StatusNotImplemented, "turn_log_disabled", "turn log is not configured")
		return
	}

	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTurnHistory)
	}

	records, err := s.turns.Recent(r.Context(), id, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "turn_log_failed", err.Error())
		return
	}
	if records == nil {
		records = []turnlog.Record{}
	}
	respondJSON(w, http.StatusOK, turnHistoryResponse{SessionID: id, Turns: records})
}
