package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/inferloop/fedsim/pkg/constants"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthResponse is returned by /api/v1/health
type HealthResponse struct {
	Status  string        `json:"status"`
	Running bool          `json:"running"`
	Round   int           `json:"round"`
	Uptime  time.Duration `json:"uptime_ns"`
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "healthy",
		Uptime: time.Since(s.started),
	}
	if s.status != nil {
		st := s.status.Status()
		resp.Running = st.Running
		resp.Round = st.Round
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "NO_RUN", "No simulation attached")
		return
	}
	s.writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *StatusServer) handleClientStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "NO_RUN", "No simulation attached")
		return
	}

	id := mux.Vars(r)["id"]
	for _, c := range s.status.Status().Clients {
		if c.ID == id {
			s.writeJSON(w, http.StatusOK, c)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "CLIENT_NOT_FOUND", "Unknown proxy client: "+id)
}

func (s *StatusServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    constants.AppName,
		"version": constants.AppVersion,
	})
}

func (s *StatusServer) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found: "+r.URL.Path)
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *StatusServer) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
