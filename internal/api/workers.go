package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/tasklink/client"
	"github.com/seantiz/tasklink/worker"
)

// listWorkersResponse is the JSON response for GET /v1/workers.
type listWorkersResponse struct {
	ClientID string                 `json:"client_id"`
	Workers  []*worker.Registration `json:"workers"`
	Total    int                    `json:"total"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	regs := s.client.Workers()

	kind := r.URL.Query().Get("kind")
	if kind != "" {
		k, err := worker.ParseKind(kind)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filtered := regs[:0:0]
		for _, reg := range regs {
			if reg.Kind == k {
				filtered = append(filtered, reg)
			}
		}
		regs = filtered
	}

	s.writeJSON(w, http.StatusOK, listWorkersResponse{
		ClientID: s.client.ID(),
		Workers:  regs,
		Total:    len(regs),
	})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.lookupWorker(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handleStopWorker(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.lookupWorker(w, r)
	if !ok {
		return
	}

	err := s.client.StopWorker(r.Context(), reg)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case client.IsRemoteKind(err, client.KindEntityNotExists):
		// Removed locally; the engine had already forgotten it.
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, client.ErrTimeout):
		s.logger.Error("stop worker", "worker_id", reg.ID, "error", err)
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("stop worker", "worker_id", reg.ID, "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

// lookupWorker resolves the {id} URL parameter, writing an error response
// when it is malformed or unknown.
func (s *Server) lookupWorker(w http.ResponseWriter, r *http.Request) (*worker.Registration, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "worker id must be an integer")
		return nil, false
	}
	reg, ok := s.client.Worker(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "worker not found")
		return nil, false
	}
	return reg, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
