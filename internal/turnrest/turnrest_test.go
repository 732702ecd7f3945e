package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newTestGenerator(t *testing.T, ttl int64, now time.Time) *Generator {
	t.Helper()
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "shared-secret",
		TTLSeconds:     ttl,
		UsernamePrefix: "aero",
		Now:            func() time.Time { return now },
		SubjectSource:  func() string { return "anon-1" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g := newTestGenerator(t, 3600, time.Unix(1_700_000_000, 0).UTC())

	creds, err := g.Generate("alice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if creds.ExpiryUnix != 1_700_003_600 {
		t.Fatalf("ExpiryUnix=%d, want %d", creds.ExpiryUnix, int64(1_700_003_600))
	}
	wantUsername := "1700003600:aero:alice"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}
	if want := expectedCredential(t, []byte("shared-secret"), wantUsername); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}

	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil || len(decoded) != sha1.Size {
		t.Fatalf("credential is not a base64 SHA-1 MAC: len=%d err=%v", len(decoded), err)
	}
}

func TestGenerate_RejectsBadSubjects(t *testing.T) {
	g := newTestGenerator(t, 10, time.Unix(0, 0))
	for _, subject := range []string{"", "a:b", "line\nbreak"} {
		if _, err := g.Generate(subject); !errors.Is(err, ErrInvalidSubject) {
			t.Fatalf("Generate(%q) err=%v, want ErrInvalidSubject", subject, err)
		}
	}
}

func TestGenerateAnonymous_UsesSubjectSource(t *testing.T) {
	g := newTestGenerator(t, 10, time.Unix(42, 0))
	creds, err := g.GenerateAnonymous()
	if err != nil {
		t.Fatalf("GenerateAnonymous: %v", err)
	}
	if creds.Username != "52:aero:anon-1" {
		t.Fatalf("Username=%q, want %q", creds.Username, "52:aero:anon-1")
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	cases := []GeneratorConfig{
		{TTLSeconds: 1, UsernamePrefix: "p"},
		{SharedSecret: "s", UsernamePrefix: "p"},
		{SharedSecret: "s", TTLSeconds: 1},
		{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a:b"},
	}
	for i, cfg := range cases {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestApply_OnlyTouchesTURNServers(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478?transport=udp"}},
	}
	out := Apply(servers, Credentials{Username: "u", Credential: "c"})

	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun server got credentials: %+v", out[0])
	}
	if out[1].Username != "u" || out[1].Credential != "c" {
		t.Fatalf("turn server=%+v, want u/c", out[1])
	}
	if servers[1].Username != "" {
		t.Fatalf("Apply mutated its input")
	}

	empty := []webrtc.ICEServer{}
	if got := Apply(empty, Credentials{}); got == nil {
		t.Fatalf("Apply turned an empty slice into nil")
	}
}

func expectedCredential(t *testing.T, sharedSecret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
