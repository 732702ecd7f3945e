package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
)

func TestCredentialFromRequest(t *testing.T) {
	t.Run("query token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/webrtc/signal?token=q", nil)
		req.Header.Set("Authorization", "Bearer h")

		cred, err := CredentialFromRequest(req)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if cred != "q" {
			t.Fatalf("cred=%q, want %q (query wins)", cred, "q")
		}
	})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/webrtc/signal", nil)
		req.Header.Set("Authorization", "bearer  h ")

		cred, err := CredentialFromRequest(req)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if cred != "h" {
			t.Fatalf("cred=%q, want %q", cred, "h")
		}
	})

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://example.com/webrtc/signal", nil)
		req.Header.Set("Authorization", "Basic abc")

		_, err := CredentialFromRequest(req)
		if !IsMissing(err) {
			t.Fatalf("err=%v, want ErrMissingCredentials", err)
		}
	})
}

func TestNewAuthenticator_None(t *testing.T) {
	a, err := NewAuthenticator(config.Config{AuthMode: config.AuthModeNone})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	id, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/webrtc/signal?username=alice", nil))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Username != "alice" {
		t.Fatalf("username=%q, want alice", id.Username)
	}

	if _, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/webrtc/signal", nil)); !IsMissing(err) {
		t.Fatalf("err=%v, want ErrMissingCredentials", err)
	}
	if _, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/webrtc/signal?username=a%3Ab", nil)); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
}

func TestNewAuthenticator_JWT(t *testing.T) {
	a, err := NewAuthenticator(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "secret"})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	issuer, err := NewIssuer("secret", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, err := issuer.Issue("bob")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/webrtc/signal?token="+token, nil)
	id, err := a.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Username != "bob" {
		t.Fatalf("username=%q, want bob", id.Username)
	}

	// A username-only request is not enough in jwt mode.
	if _, err := a.Authenticate(httptest.NewRequest(http.MethodGet, "/webrtc/signal?username=bob", nil)); !IsMissing(err) {
		t.Fatalf("err=%v, want ErrMissingCredentials", err)
	}

	if _, err := NewAuthenticator(config.Config{AuthMode: "api_key"}); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestAPIKeyVerifier(t *testing.T) {
	open := APIKeyVerifier{}
	if err := open.VerifyRequest(httptest.NewRequest(http.MethodPost, "/api/auth", nil)); err != nil {
		t.Fatalf("disabled verifier rejected request: %v", err)
	}

	v := APIKeyVerifier{Expected: "k"}
	cases := []struct {
		name    string
		header  string
		value   string
		wantErr error
	}{
		{"x-api-key", "X-API-Key", "k", nil},
		{"bearer", "Authorization", "Bearer k", nil},
		{"wrong", "X-API-Key", "nope", ErrInvalidCredentials},
		{"missing", "", "", ErrMissingCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/auth", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			err := v.VerifyRequest(req)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v, want %v", err, tc.wantErr)
			}
		})
	}
}
