package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	// HMAC-SHA256 output size in bytes.
	hmacSHA256SigLen = 32
	// base64url-no-pad encoding length for a 32-byte HMAC:
	// - 32 bytes => 44 chars with one '=' padding
	// - without padding => 43 chars
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
)

// JWTVerifier checks HS256 tokens minted by Issuer (or any compatible
// issuer sharing the secret) and extracts the signaling identity from the
// `data.username` claim. exp and iat are required; nbf is honoured when
// present.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

type Claims struct {
	Username  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (v *JWTVerifier) Verify(token string) (Claims, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return Claims{}, ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	var header map[string]any
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	alg, ok := header["alg"].(string)
	if !ok {
		return Claims{}, ErrInvalidCredentials
	}
	if alg != "HS256" {
		return Claims{}, ErrUnsupportedJWT
	}
	if typRaw, ok := header["typ"]; ok {
		if _, ok := typRaw.(string); !ok {
			return Claims{}, ErrInvalidCredentials
		}
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return Claims{}, ErrInvalidCredentials
	}
	if !hmac.Equal(gotSig, sign(v.secret, headerB64, payloadB64)) {
		return Claims{}, ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	// Exactly one top-level JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Claims{}, ErrInvalidCredentials
	}

	now := v.now().Unix()

	expUnix, err := parseUnixTimestamp(claims["exp"])
	if err != nil || now >= expUnix {
		return Claims{}, ErrInvalidCredentials
	}
	iatUnix, err := parseUnixTimestamp(claims["iat"])
	if err != nil {
		return Claims{}, ErrInvalidCredentials
	}
	if nbf, ok := claims["nbf"]; ok {
		nbfUnix, err := parseUnixTimestamp(nbf)
		if err != nil || now < nbfUnix {
			return Claims{}, ErrInvalidCredentials
		}
	}

	data, ok := claims["data"].(map[string]any)
	if !ok {
		return Claims{}, ErrInvalidCredentials
	}
	username, ok := data["username"].(string)
	if !ok || username == "" {
		return Claims{}, ErrInvalidCredentials
	}

	return Claims{
		Username:  username,
		IssuedAt:  time.Unix(iatUnix, 0),
		ExpiresAt: time.Unix(expUnix, 0),
	}, nil
}

// Issuer mints HS256 tokens carrying `{"data":{"username":...}}`.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be > 0")
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

var jwtHeaderB64 = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

type issuedClaims struct {
	Data struct {
		Username string `json:"username"`
	} `json:"data"`
	Iat int64 `json:"iat"`
	Exp int64 `json:"exp"`
}

func (i *Issuer) Issue(username string) (string, error) {
	if username == "" {
		return "", errors.New("username is required")
	}
	now := i.now()
	var c issuedClaims
	c.Data.Username = username
	c.Iat = now.Unix()
	c.Exp = now.Add(i.ttl).Unix()

	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	sig := base64.RawURLEncoding.EncodeToString(sign(i.secret, jwtHeaderB64, payloadB64))
	return jwtHeaderB64 + "." + payloadB64 + "." + sig, nil
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

func sign(secret []byte, headerB64, payloadB64 string) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found {
		return "", "", "", false
	}
	if strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" || sigB64 == "" {
		return "", "", "", false
	}
	if len(headerB64) > maxJWTHeaderB64Len || len(payloadB64) > maxJWTPayloadB64Len {
		return "", "", "", false
	}
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	if !isBase64urlNoPad(headerB64, maxJWTHeaderB64Len) ||
		!isBase64urlNoPad(payloadB64, maxJWTPayloadB64Len) ||
		!isBase64urlNoPad(sigB64, hmacSHA256SigB64Len) {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

func isBase64urlNoPad(raw string, maxLen int) bool {
	if raw == "" || len(raw) > maxLen {
		return false
	}
	// Base64url without padding cannot have length mod 4 == 1.
	if len(raw)%4 == 1 {
		return false
	}
	for i := 0; i < len(raw); i++ {
		if _, ok := b64urlValue(raw[i]); !ok {
			return false
		}
	}
	// Tighten validation to canonical base64url-no-pad. Even when the length is syntactically
	// valid (mod 4 != 1), the unused bits in the final base64 quantum must be zero.
	//
	// - len % 4 == 2 => 4 unused bits (must be zero)
	// - len % 4 == 3 => 2 unused bits (must be zero)
	switch len(raw) % 4 {
	case 0:
		return true
	case 2:
		last, _ := b64urlValue(raw[len(raw)-1])
		return (last & 0x0f) == 0
	case 3:
		last, _ := b64urlValue(raw[len(raw)-1])
		return (last & 0x03) == 0
	default:
		// len%4==1 is rejected above.
		return false
	}
}

func b64urlValue(b byte) (byte, bool) {
	switch {
	case b >= 'A' && b <= 'Z':
		return b - 'A', true
	case b >= 'a' && b <= 'z':
		return b - 'a' + 26, true
	case b >= '0' && b <= '9':
		return b - '0' + 52, true
	case b == '-':
		return 62, true
	case b == '_':
		return 63, true
	default:
		return 0, false
	}
}

func parseUnixTimestamp(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("invalid timestamp %T", v)
	}
	return n.Int64()
}
