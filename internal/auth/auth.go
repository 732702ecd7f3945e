package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/users"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Identity is who a signaling connection speaks for.
type Identity struct {
	Username string
}

// Authenticator resolves the identity of a WebSocket upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

func NewAuthenticator(cfg config.Config) (Authenticator, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return usernameAuthenticator{}, nil
	case config.AuthModeJWT:
		return TokenAuthenticator{Verifier: NewJWTVerifier(cfg.JWTSecret)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// usernameAuthenticator trusts the `username` query parameter. Development
// only.
type usernameAuthenticator struct{}

func (usernameAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	username := r.URL.Query().Get("username")
	if username == "" {
		return Identity{}, ErrMissingCredentials
	}
	if !users.ValidUsername(username) {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Username: username}, nil
}

type TokenAuthenticator struct {
	Verifier *JWTVerifier
}

func (a TokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token, err := CredentialFromRequest(r)
	if err != nil {
		return Identity{}, err
	}
	claims, err := a.Verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	if !users.ValidUsername(claims.Username) {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{Username: claims.Username}, nil
}

// CredentialFromRequest returns the bearer token from the `token` query
// parameter, falling back to an `Authorization: Bearer` header. Browsers
// cannot set headers on WebSocket upgrades, hence the query parameter.
func CredentialFromRequest(r *http.Request) (string, error) {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// IsMissing reports whether err means no credential was presented at all.
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissingCredentials)
}
