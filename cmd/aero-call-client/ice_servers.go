package main

import (
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
)

// usableICEServers drops TURN entries that arrived without credentials.
//
// /webrtc/ice may advertise TURN URLs without credentials when TURN REST is
// disabled or the caller is anonymous, and pion rejects such entries when the
// PeerConnection is created.
func usableICEServers(servers []webrtc.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if config.IsTURNServer(server) && !config.HasTURNCredentials(server) {
			continue
		}
		out = append(out, server)
	}
	return out
}
