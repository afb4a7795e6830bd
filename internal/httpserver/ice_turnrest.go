package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	// ExpiresAt is set when TURN credentials were minted for this request.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// handleICE returns the ICE servers browsers should use. With TURN REST
// enabled the caller must authenticate and every TURN entry carries fresh
// ephemeral credentials.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSONError(w, http.StatusServiceUnavailable, "ice_config", err.Error())
		return
	}
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	if s.deps.TURNREST == nil {
		WriteJSON(w, http.StatusOK, iceResponse{ICEServers: servers})
		return
	}

	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	creds, err := s.deps.TURNREST.GenerateRandom()
	if err != nil {
		s.log.Error("failed to mint turn credentials", "username", id.Username, "err", err)
		WriteJSONError(w, http.StatusInternalServerError, "internal_error", "failed to mint turn credentials")
		return
	}
	WriteJSON(w, http.StatusOK, iceResponse{
		ICEServers: withTURNRESTCredentials(servers, creds.Username, creds.Credential),
		ExpiresAt:  &creds.ExpiresAt,
	})
}

func withTURNRESTCredentials(servers []webrtc.ICEServer, username, credential string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if iceServerHasTURNURL(server) {
			out[i].Username = username
			out[i].Credential = credential
		}
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
