package callclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ErrTokenEndpointDisabled means the server runs without a JWT secret and
// accepts bare usernames.
var ErrTokenEndpointDisabled = errors.New("callclient: token endpoint disabled")

// FetchToken exchanges credentials for a signaling token via POST /api/auth.
func FetchToken(ctx context.Context, hc *http.Client, baseURL, username, password, apiKey string) (string, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/auth", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return "", ErrTokenEndpointDisabled
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("request token: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("token response has no token")
	}
	return out.Token, nil
}

// FetchICEServers reads GET /webrtc/ice. The token, when set, binds TURN
// credentials to the caller.
func FetchICEServers(ctx context.Context, hc *http.Client, baseURL, token string) ([]webrtc.ICEServer, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/webrtc/ice", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request ice servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request ice servers: status %d", resp.StatusCode)
	}

	var out struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return out.ICEServers, nil
}

// SignalURL derives the WebSocket endpoint from the server's HTTP base URL.
// A token takes precedence over a bare username.
func SignalURL(baseURL, username, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/webrtc/signal"

	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	} else {
		q.Set("username", username)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
