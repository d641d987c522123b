package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/monitor"
)

// handleMonitorWebhook ingests one delivery from the upstream monitor
// service. The response is always 200: a retry storm helps nobody, and
// everything worth knowing about a bad payload ends up in the log.
func (s *Server) handleMonitorWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Warn("failed to read webhook body", zap.Error(err),
			zap.String("request_id", getRequestID(r.Context())))
	} else {
		s.bridge.IngestWebhook(r.Context(), body)
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"received"}`))
}

// createMonitorRequest is the body for creating a standing monitor query.
type createMonitorRequest struct {
	Query   string `json:"query"`
	Cadence string `json:"cadence"`
}

// handleCreateMonitor creates a monitor on the upstream service for the
// authenticated user and registers its id for webhook attribution.
func (s *Server) handleCreateMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	username, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req createMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error",
			"request body is not valid JSON")
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error",
			"query is required")
		return
	}

	created, err := s.bridge.CreateMonitor(r.Context(), username, req.Query, req.Cadence)
	if err != nil {
		switch {
		case errors.Is(err, monitor.ErrInvalidCadence):
			s.writeError(w, http.StatusBadRequest, "invalid_request_error",
				"cadence must be one of hourly, daily, weekly")
		case errors.Is(err, monitor.ErrUnknownUser):
			s.writeError(w, http.StatusUnauthorized, "authentication_error",
				"unknown user")
		default:
			s.logger.Error("monitor creation failed", zap.Error(err),
				zap.String("request_id", getRequestID(r.Context())))
			s.writeError(w, http.StatusBadGateway, "upstream_error",
				"monitor service request failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(created); err != nil {
		s.logger.Error("failed to encode monitor response", zap.Error(err))
	}
}

// handleMonitorUpdates streams the authenticated user's pending monitor
// events as server-sent events, same contract as a streaming completion.
func (s *Server) handleMonitorUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	username, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	stream, err := s.bridge.PullEvents(r.Context(), username)
	if err != nil {
		s.logger.Error("monitor pull failed", zap.Error(err),
			zap.String("request_id", getRequestID(r.Context())))
		s.writeError(w, http.StatusInternalServerError, "internal_error",
			"failed to load monitor updates")
		return
	}

	s.streamFrames(w, r, stream)
}
