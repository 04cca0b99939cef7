package api

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
}

// handleHealthz reports process liveness only. Engine reachability is not
// part of the check: workers tolerate an unavailable engine and fail tasks
// individually instead of taking the service unhealthy.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
