package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/api"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/monitor"
	"github.com/modelgate/modelgate/internal/provider"
)

// bearerToken extracts the token from the Authorization header. Returns the
// empty string when the header is missing or malformed; the auth gate
// rejects empty tokens.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// authenticate runs the auth gate and writes the rejection response when the
// request may not proceed. It returns the username and true on acceptance.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	result, err := s.validator.Validate(r.Context(), bearerToken(r))
	if err != nil {
		s.logger.Error("auth check failed", zap.Error(err),
			zap.String("request_id", getRequestID(r.Context())))
		s.writeError(w, http.StatusInternalServerError, "internal_error", "authentication check failed")
		return "", false
	}

	switch result.Outcome {
	case auth.Accepted:
		return result.Username, true
	case auth.RateLimited:
		s.writeError(w, http.StatusTooManyRequests, "rate_limit_error",
			"daily request limit exceeded")
		return "", false
	default:
		s.writeError(w, http.StatusUnauthorized, "authentication_error",
			"invalid or expired token")
		return "", false
	}
}

// handleChatCompletions is the OpenAI-compatible chat completion endpoint.
// Requests addressing the reserved updates pseudo-model are served by the
// monitor bridge; everything else is routed to the provider owning the
// requested model.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	username, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error",
			"request body is not valid JSON")
		return
	}
	if req.Model == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error",
			"model is required")
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error",
			"messages must not be empty")
		return
	}

	requestID := getRequestID(r.Context())

	if monitor.IsPullRequest(req.Model, req.Messages) {
		s.logger.Info("serving monitor pull",
			zap.String("request_id", requestID),
			zap.String("username", username))

		stream, err := s.bridge.PullEvents(r.Context(), username)
		if err != nil {
			s.logger.Error("monitor pull failed", zap.Error(err),
				zap.String("request_id", requestID))
			s.writeError(w, http.StatusInternalServerError, "internal_error",
				"failed to load monitor updates")
			return
		}
		s.streamFrames(w, r, stream)
		return
	}

	prov, err := s.registry.Resolve(req.Model)
	if err != nil {
		if errors.Is(err, provider.ErrModelNotSupported) {
			s.writeError(w, http.StatusBadRequest, "invalid_request_error",
				"model not supported: "+req.Model)
			return
		}
		s.logger.Error("provider resolution failed", zap.Error(err),
			zap.String("request_id", requestID))
		s.writeError(w, http.StatusInternalServerError, "internal_error",
			"failed to resolve provider")
		return
	}

	s.logger.Info("routing chat completion",
		zap.String("request_id", requestID),
		zap.String("username", username),
		zap.String("model", req.Model),
		zap.String("provider", prov.Name()),
		zap.Bool("stream", req.Streaming()))

	if req.Streaming() {
		stream, err := prov.ChatCompletionStream(r.Context(), &req)
		if err != nil {
			s.writeUpstreamError(w, requestID, err)
			return
		}
		s.streamFrames(w, r, stream)
		return
	}

	body, err := prov.ChatCompletion(r.Context(), &req)
	if err != nil {
		s.writeUpstreamError(w, requestID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("failed to write completion response", zap.Error(err),
			zap.String("request_id", requestID))
	}
}

// writeUpstreamError maps a provider failure onto the client response. An
// UpstreamError forwards the upstream status and body verbatim; anything
// else becomes a 502.
func (s *Server) writeUpstreamError(w http.ResponseWriter, requestID string, err error) {
	var upstream *provider.UpstreamError
	if errors.As(err, &upstream) {
		s.logger.Warn("upstream returned error",
			zap.String("request_id", requestID),
			zap.String("provider", upstream.Provider),
			zap.Int("status_code", upstream.StatusCode))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(upstream.StatusCode)
		_, _ = w.Write([]byte(upstream.Body))
		return
	}

	s.logger.Error("upstream request failed", zap.Error(err),
		zap.String("request_id", requestID))
	s.writeError(w, http.StatusBadGateway, "upstream_error",
		"upstream request failed")
}

// streamFrames relays pre-serialized server-sent-event frames to the client,
// flushing after every frame. The relay ends when the producer closes the
// channel or the client goes away.
func (s *Server) streamFrames(w http.ResponseWriter, r *http.Request, frames <-chan []byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case frame, open := <-frames:
			if !open {
				return
			}
			if _, err := w.Write(frame); err != nil {
				s.logger.Debug("client disconnected mid-stream", zap.Error(err),
					zap.String("request_id", getRequestID(r.Context())))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}
