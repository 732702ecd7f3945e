package call

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDirectory_UniqueUsernames(t *testing.T) {
	d := NewDirectory()
	a, _ := NewClient("s1", "alice", &fakeSession{})
	dup, _ := NewClient("s2", "alice", &fakeSession{})
	sameID, _ := NewClient("s1", "bob", &fakeSession{})

	if err := d.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := d.Add(dup); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("duplicate username err=%v, want ErrUsernameTaken", err)
	}
	if err := d.Add(sameID); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("duplicate id err=%v, want ErrInvalidArgument", err)
	}
	if got, ok := d.ByUsername("alice"); !ok || got != a {
		t.Fatalf("ByUsername returned %v", got)
	}
	if d.Len() != 1 {
		t.Fatalf("Len=%d, want 1", d.Len())
	}
}

func TestDirectory_RemoveOnlyExactClient(t *testing.T) {
	d := NewDirectory()
	a, _ := NewClient("s1", "alice", &fakeSession{})
	if err := d.Add(a); err != nil {
		t.Fatal(err)
	}
	imposter, _ := NewClient("s1", "alice", &fakeSession{})
	if d.Remove(imposter) {
		t.Fatalf("Remove accepted a different client with the same id")
	}
	if !d.Remove(a) {
		t.Fatalf("Remove(a)=false")
	}
	if d.Remove(a) {
		t.Fatalf("second Remove(a)=true")
	}
	if _, ok := d.BySessionID("s1"); ok {
		t.Fatalf("client still resolvable after removal")
	}

	// Username is free again.
	again, _ := NewClient("s9", "alice", &fakeSession{})
	if err := d.Add(again); err != nil {
		t.Fatalf("re-add: %v", err)
	}
}

func TestDirectory_PresenceInConnectionOrder(t *testing.T) {
	d := NewDirectory()
	for i, name := range []string{"carol", "alice", "bob"} {
		c, _ := NewClient(string(rune('a'+i)), name, &fakeSession{})
		if err := d.Add(c); err != nil {
			t.Fatal(err)
		}
	}
	bob, _ := d.ByUsername("bob")
	bob.state = Ringing

	got, err := json.Marshal(d.Presence())
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"username":"carol","state":"IDLE"},{"username":"alice","state":"IDLE"},{"username":"bob","state":"RINGING"}]`
	if string(got) != want {
		t.Fatalf("presence=%s, want %s", got, want)
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient("", "alice", &fakeSession{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty id err=%v", err)
	}
	if _, err := NewClient("s1", " ", &fakeSession{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("blank username err=%v", err)
	}
	if _, err := NewClient("s1", "alice", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nil session err=%v", err)
	}
}

func TestState_TextRoundTrip(t *testing.T) {
	for _, s := range []State{Idle, Alerting, Ringing, Connected} {
		b, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%d): %v", s, err)
		}
		var got State
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Fatalf("UnmarshalText(%s)=%v,%v", b, got, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("idle")); err == nil {
		t.Fatalf("lowercase state accepted")
	}
}
