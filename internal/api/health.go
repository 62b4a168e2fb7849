package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	LastSweep     string  `json:"last_sweep,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
	if s.reaper != nil {
		if last := s.reaper.LastSweep(); !last.IsZero() {
			resp.LastSweep = last.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
