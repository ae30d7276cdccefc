package httpapi

import "net/http"

func (s *Server) handlePerfStages(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("reset") == "1" {
		s.metrics.ResetStages()
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}
