package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/turnrest"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.deps.TURN != nil {
		creds, err := s.turnCredentials(r)
		if err != nil {
			s.log.Error("failed to mint turn credentials", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
			return
		}
		servers = turnrest.Apply(servers, creds)
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
}

// turnCredentials binds credentials to the token's username when a valid
// token accompanies the request, and to a random subject otherwise.
func (s *Server) turnCredentials(r *http.Request) (turnrest.Credentials, error) {
	if s.deps.Tokens != nil {
		if token, err := auth.CredentialFromRequest(r); err == nil {
			if claims, err := s.deps.Tokens.Verify(token); err == nil {
				return s.deps.TURN.Generate(claims.Username)
			}
		}
	}
	return s.deps.TURN.GenerateAnonymous()
}
