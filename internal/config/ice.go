package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// ICESource holds the raw ICE settings handed to browsers by /webrtc/ice.
//
// JSON wins over the STUN/TURN convenience values. When TURNREST is set, TURN
// entries may omit credentials because they are minted per request.
type ICESource struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
	TURNREST       bool
}

// Servers parses and validates the source.
func (s ICESource) Servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, s.TURNREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if stun := splitCommaSeparated(s.STUNURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if turn := splitCommaSeparated(s.TURNURLs); len(turn) > 0 {
		username := strings.TrimSpace(s.TURNUsername)
		credential := strings.TrimSpace(s.TURNCredential)
		if !s.TURNREST && (username == "" || credential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: turn, Username: username}
		if credential != "" {
			server.Credential = credential
		}
		if err := validateICEServer(server, s.TURNREST); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// urlList accepts both `"urls": "stun:..."` and `"urls": ["stun:..."]`.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses a browser-style RTCIceServer array.
func ParseICEServersJSON(raw string, turnREST bool) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       urlList `json:"urls"`
		Username   string  `json:"username,omitempty"`
		Credential string  `json:"credential,omitempty"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		if err := validateICEServer(server, turnREST); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// IsTURNServer reports whether any of the server's URLs is turn: or turns:.
func IsTURNServer(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		switch iceScheme(raw) {
		case "turn", "turns":
			return true
		}
	}
	return false
}

// HasTURNCredentials reports whether both username and a string credential
// are present.
func HasTURNCredentials(server webrtc.ICEServer) bool {
	if strings.TrimSpace(server.Username) == "" {
		return false
	}
	cred, ok := server.Credential.(string)
	return ok && strings.TrimSpace(cred) != ""
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, turnREST bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, raw := range server.URLs {
		switch iceScheme(raw) {
		case "stun", "stuns", "turn", "turns":
		default:
			return fmt.Errorf("unsupported url scheme: %q", raw)
		}
	}
	if IsTURNServer(server) && !turnREST && !HasTURNCredentials(server) {
		return errors.New("turn urls require username and credential")
	}
	return nil
}

// iceScheme returns the lower-cased scheme of an ICE URL, or "" if it has none.
func iceScheme(raw string) string {
	scheme, _, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}
