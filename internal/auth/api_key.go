package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// APIKeyVerifier gates administrative endpoints behind a static key. A
// verifier with no expected key admits everyone.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Enabled() bool { return v.Expected != "" }

func (v APIKeyVerifier) Verify(apiKey string) error {
	if !v.Enabled() {
		return nil
	}
	if apiKey == "" {
		return ErrMissingCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// VerifyRequest checks the X-API-Key header, then an Authorization bearer.
func (v APIKeyVerifier) VerifyRequest(r *http.Request) error {
	key := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if key == "" {
		key = bearerToken(r.Header.Get("Authorization"))
	}
	return v.Verify(key)
}
