package origin

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		in       string
		wantNorm string
		wantHost string
		wantOK   bool
	}{
		{"HTTPS://Example.COM:443", "https://example.com", "example.com", true},
		{"http://localhost:5173/", "http://localhost:5173", "localhost:5173", true},
		{"http://[::1]:8080", "http://[::1]:8080", "[::1]:8080", true},
		{"http://Example.com:80", "http://example.com", "example.com", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://example.com/?q=1", "", "", false},
		{"https://example.com?", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com/#frag", "", "", false},
		{"https://example.com:0", "", "", false},
		{"https://example.com:99999", "", "", false},
	}
	for _, tc := range cases {
		norm, host, ok := NormalizeHeader(tc.in)
		if ok != tc.wantOK || norm != tc.wantNorm || host != tc.wantHost {
			t.Fatalf("NormalizeHeader(%q)=(%q,%q,%v), want (%q,%q,%v)", tc.in, norm, host, ok, tc.wantNorm, tc.wantHost, tc.wantOK)
		}
	}
}

func TestIsAllowed(t *testing.T) {
	t.Run("default is same host:port only", func(t *testing.T) {
		normalized, host, _ := NormalizeHeader("https://app.example.com")
		if !IsAllowed(normalized, host, "app.example.com", nil) {
			t.Fatalf("expected same-host to be allowed")
		}
		if !IsAllowed(normalized, host, "APP.example.com:443", nil) {
			t.Fatalf("expected default port in Host to be equivalent")
		}
		if IsAllowed(normalized, host, "app.example.com:8443", nil) {
			t.Fatalf("expected different port to be rejected")
		}
	})

	t.Run("wildcard", func(t *testing.T) {
		normalized, host, _ := NormalizeHeader("https://app.example.com")
		if !IsAllowed(normalized, host, "whatever:1234", []string{Wildcard}) {
			t.Fatalf("expected * to allow any origin")
		}
	})

	t.Run("explicit origin", func(t *testing.T) {
		normalized, host, _ := NormalizeHeader("https://app.example.com")
		if !IsAllowed(normalized, host, "signal.example.com", []string{"https://app.example.com"}) {
			t.Fatalf("expected explicit origin to be allowed")
		}
		if IsAllowed(normalized, host, "signal.example.com", []string{"https://other.example.com"}) {
			t.Fatalf("expected non-matching origin to be rejected")
		}
	})

	t.Run("null origin only when listed", func(t *testing.T) {
		normalized, host, _ := NormalizeHeader("null")
		if IsAllowed(normalized, host, "signal.example.com", nil) {
			t.Fatalf("expected null origin to be rejected by default")
		}
		if !IsAllowed(normalized, host, "signal.example.com", []string{"null"}) {
			t.Fatalf("expected null origin to be allowed when configured")
		}
	})
}

func TestCheck(t *testing.T) {
	newReq := func(origins ...string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://signal.example.com/webrtc/signal", nil)
		for _, o := range origins {
			r.Header.Add("Origin", o)
		}
		return r
	}

	if got, ok := Check(newReq(), nil); !ok || got != "" {
		t.Fatalf("no Origin: got (%q,%v), want (\"\",true)", got, ok)
	}
	if got, ok := Check(newReq("http://signal.example.com"), nil); !ok || got != "http://signal.example.com" {
		t.Fatalf("same host: got (%q,%v)", got, ok)
	}
	if _, ok := Check(newReq("https://evil.example.com"), nil); ok {
		t.Fatalf("cross origin allowed under default policy")
	}
	if _, ok := Check(newReq("https://evil.example.com"), []string{Wildcard}); !ok {
		t.Fatalf("wildcard did not allow cross origin")
	}
	if _, ok := Check(newReq("http://signal.example.com", "http://signal.example.com"), []string{Wildcard}); ok {
		t.Fatalf("repeated Origin header allowed")
	}
	if _, ok := Check(newReq("not a url"), []string{Wildcard}); ok {
		t.Fatalf("malformed Origin allowed")
	}
}
