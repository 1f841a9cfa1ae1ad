package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/talkback/internal/observability"
)

// handlePerfLatency serves the rolling stage-latency window. ?stage=a,b
// limits the output to the named stages.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.SnapshotTurnStages()
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		keep := make(map[string]bool)
		for _, name := range strings.Split(raw, ",") {
			keep[strings.TrimSpace(name)] = true
		}
		filtered := make([]observability.TurnStageStats, 0, len(snap.Stages))
		for _, st := range snap.Stages {
			if keep[st.Stage] {
				filtered = append(filtered, st)
			}
		}
		snap.Stages = filtered
	}
	if snap.Stages == nil {
		snap.Stages = []observability.TurnStageStats{}
	}
	respondJSON(w, http.StatusOK, snap)
}
