package api

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 5 * time.Second

type healthResponse struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
	Workers  int    `json:"workers"`
	Error    string `json:"error,omitempty"`
}

// handleHealthz reports healthy only if the proxy answers a ping.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status:   healthOK,
		ClientID: s.client.ID(),
		Workers:  len(s.client.Workers()),
	}
	start := time.Now()
	err := s.client.Ping(ctx)
	if err != nil {
		observeHealthCheck(healthUnavailable, time.Since(start))
		s.logger.Warn("health check ping failed", "error", err)
		resp.Status = healthUnavailable
		resp.Error = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	observeHealthCheck(healthOK, time.Since(start))
	s.writeJSON(w, http.StatusOK, resp)
}
