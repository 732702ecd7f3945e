package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/users"
)

const maxTokenRequestBytes = 4 << 10

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// handleToken exchanges a username (and password, when the user directory
// holds a hash for it) for a signaling token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := s.apiKey.VerifyRequest(r); err != nil {
		s.deps.Metrics.Inc(metrics.AuthFailure)
		status := http.StatusUnauthorized
		if !auth.IsMissing(err) {
			status = http.StatusForbidden
		}
		WriteJSON(w, status, map[string]any{"error": err.Error()})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req tokenRequest
	if err := dec.Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	if err := s.deps.Users.Authenticate(req.Username, req.Password); err != nil {
		s.deps.Metrics.Inc(metrics.AuthFailure)
		s.log.Info("token request rejected", "username", req.Username, "err", err)
		if errors.Is(err, users.ErrInvalidUsername) {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return
	}

	token, err := s.deps.Issuer.Issue(req.Username)
	if err != nil {
		s.log.Error("failed to issue token", "username", req.Username, "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	s.deps.Metrics.Inc(metrics.TokensIssued)
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, tokenResponse{Token: token})
}
