package signaling

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

type wsHarness struct {
	h       *Handler
	metrics *metrics.Metrics
	ts      *httptest.Server
}

func newWSHarness(t *testing.T, hcfg HandlerConfig, mutate func(*WebSocketConfig)) *wsHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	hcfg.Logger = logger
	hcfg.Metrics = m
	h := NewHandler(hcfg)

	authn, err := auth.NewAuthenticator(config.Config{AuthMode: config.AuthModeNone})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	wcfg := WebSocketConfig{
		Handler:       h,
		Authenticator: authn,
		Logger:        logger,
		Metrics:       m,
	}
	if mutate != nil {
		mutate(&wcfg)
	}

	mux := http.NewServeMux()
	NewWebSocketServer(wcfg).RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		h.Close()
		ts.Close()
	})
	return &wsHarness{h: h, metrics: m, ts: ts}
}

func (w *wsHarness) url(query url.Values) string {
	u := "ws" + strings.TrimPrefix(w.ts.URL, "http") + "/webrtc/signal"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (w *wsHarness) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(w.url(url.Values{"username": {username}}), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", username, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// dialReady dials and waits for the first presence snapshot, which arrives
// once the session is registered.
func (w *wsHarness) dialReady(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	c := w.dial(t, username)
	expectEvent(t, c, EventUsers)
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type=%d, want text", msgType)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return env
}

// expectEvent reads until event arrives, skipping presence snapshots unless
// event is itself EventUsers. Any other event fails the test.
func expectEvent(t *testing.T, c *websocket.Conn, event string) Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, c)
		if env.Event == event {
			return env
		}
		if env.Event != EventUsers {
			t.Fatalf("got event %q while waiting for %q", env.Event, event)
		}
	}
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("read err=%v, want close %d", err, code)
		}
		return
	}
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func decodeUsers(t *testing.T, env Envelope) map[string]call.State {
	t.Helper()
	var p UsersPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("unmarshal users: %v", err)
	}
	out := make(map[string]call.State, len(p.Users))
	for _, u := range p.Users {
		out[u.Username] = u.State
	}
	return out
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_CallAnswerCandidateLeave(t *testing.T) {
	w := newWSHarness(t, HandlerConfig{}, nil)
	alice := w.dialReady(t, "alice")
	bob := w.dialReady(t, "bob")

	send(t, alice, `{"event":"call","data":{"username":"bob","offer":{"type":"offer","sdp":"v=0"}}}`)
	env := expectEvent(t, bob, call.EventCall)
	var cp call.CallPayload
	if err := json.Unmarshal(env.Data, &cp); err != nil {
		t.Fatalf("unmarshal call: %v", err)
	}
	if cp.Username != "alice" || string(cp.Offer) != `{"type":"offer","sdp":"v=0"}` {
		t.Fatalf("call payload=%+v", cp)
	}

	send(t, bob, `{"event":"answer","data":{"answer":{"type":"answer","sdp":"v=0"}}}`)
	env = expectEvent(t, alice, call.EventAnswer)
	var ap call.AnswerPayload
	if err := json.Unmarshal(env.Data, &ap); err != nil {
		t.Fatalf("unmarshal answer: %v", err)
	}
	if string(ap.Answer) != `{"type":"answer","sdp":"v=0"}` {
		t.Fatalf("answer=%s", ap.Answer)
	}

	send(t, alice, `{"event":"candidate","data":{"candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}}}`)
	env = expectEvent(t, bob, call.EventCandidate)
	if !strings.Contains(string(env.Data), "typ host") {
		t.Fatalf("candidate=%s", env.Data)
	}

	send(t, bob, `{"event":"leave"}`)
	expectEvent(t, alice, call.EventLeave)

	waitUntil(t, "call teardown", func() bool { return w.h.ActiveCalls() == 0 })
	for _, p := range w.h.Presence() {
		if p.State != call.Idle {
			t.Fatalf("%s=%s after leave, want IDLE", p.Username, p.State)
		}
	}
}

func TestWebSocket_ServiceErrors(t *testing.T) {
	w := newWSHarness(t, HandlerConfig{}, nil)
	alice := w.dialReady(t, "alice")
	bob := w.dialReady(t, "bob")
	carol := w.dialReady(t, "carol")

	send(t, alice, `{"event":"call","data":{"username":"nobody","offer":{}}}`)
	env := expectEvent(t, alice, EventServiceError)
	if string(env.Data) != `{"type":"RECEIVER_NOT_FOUND"}` {
		t.Fatalf("service_error=%s", env.Data)
	}

	send(t, alice, `{"event":"call","data":{"username":"bob","offer":{}}}`)
	expectEvent(t, bob, call.EventCall)

	send(t, carol, `{"event":"call","data":{"username":"bob","offer":{}}}`)
	env = expectEvent(t, carol, EventServiceError)
	if string(env.Data) != `{"type":"RECEIVER_UNAVAILABLE"}` {
		t.Fatalf("service_error=%s", env.Data)
	}
}

func TestWebSocket_UnansweredCallExpires(t *testing.T) {
	w := newWSHarness(t, HandlerConfig{
		SweepInterval: 10 * time.Millisecond,
		CallExpiry:    50 * time.Millisecond,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.h.Run(ctx) }()

	alice := w.dialReady(t, "alice")
	bob := w.dialReady(t, "bob")

	send(t, alice, `{"event":"call","data":{"username":"bob","offer":{}}}`)
	expectEvent(t, bob, call.EventCall)
	expectEvent(t, bob, call.EventLeave)

	// The caller only sees presence: first the ringing call, then both idle.
	ringing := false
	for {
		env := readEnvelope(t, alice)
		if env.Event != EventUsers {
			t.Fatalf("caller got %q during expiry", env.Event)
		}
		users := decodeUsers(t, env)
		if users["alice"] == call.Alerting && users["bob"] == call.Ringing {
			ringing = true
			continue
		}
		if ringing && users["alice"] == call.Idle && users["bob"] == call.Idle {
			break
		}
	}
	if w.metrics.Get(metrics.CallsExpired) != 1 {
		t.Fatalf("expired=%d, want 1", w.metrics.Get(metrics.CallsExpired))
	}
}

func TestWebSocket_DuplicateUsernameRejected(t *testing.T) {
	w := newWSHarness(t, HandlerConfig{}, nil)
	first := w.dialReady(t, "alice")

	second := w.dial(t, "alice")
	expectClose(t, second, websocket.ClosePolicyViolation)

	// The first session is unaffected.
	send(t, first, `{"event":"leave"}`)
	if _, ok := w.h.ResolveByUsername("alice"); !ok {
		t.Fatalf("first alice session dropped")
	}
	if w.metrics.Get(metrics.ConnectionsRejected) != 1 {
		t.Fatalf("rejected=%d, want 1", w.metrics.Get(metrics.ConnectionsRejected))
	}
}

func TestWebSocket_AuthFailuresClosePolicyViolation(t *testing.T) {
	const secret = "test-secret"
	w := newWSHarness(t, HandlerConfig{}, func(c *WebSocketConfig) {
		c.Authenticator = auth.TokenAuthenticator{Verifier: auth.NewJWTVerifier(secret)}
	})

	for _, q := range []url.Values{
		nil,
		{"token": {"not-a-jwt"}},
		{"username": {"alice"}},
	} {
		c, _, err := websocket.DefaultDialer.Dial(w.url(q), nil)
		if err != nil {
			t.Fatalf("dial %v: %v", q, err)
		}
		expectClose(t, c, websocket.ClosePolicyViolation)
		_ = c.Close()
	}
	if got := w.metrics.Get(metrics.AuthFailure); got != 3 {
		t.Fatalf("auth failures=%d, want 3", got)
	}

	issuer, err := auth.NewIssuer(secret, time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, err := issuer.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, _, err := websocket.DefaultDialer.Dial(w.url(url.Values{"token": {token}}), nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer c.Close()
	users := decodeUsers(t, expectEvent(t, c, EventUsers))
	if users["alice"] != call.Idle || len(users) != 1 {
		t.Fatalf("users=%v, want alice idle", users)
	}
}

func TestWebSocket_MalformedFramesAreDropped(t *testing.T) {
	w := newWSHarness(t, HandlerConfig{}, nil)
	alice := w.dialReady(t, "alice")
	bob := w.dialReady(t, "bob")

	send(t, alice, `not json`)
	send(t, alice, `{"event":"call","data":{"username":"bob","offer":{}},"extra":true}`)
	send(t, alice, `{"event":"dance","data":{}}`)
	send(t, alice, `{"event":"call","data":{"username":"bob","offer":"nope"}}`)
	send(t, alice, `{"event":"call","data":{"username":"bob","offer":{}}}`)

	expectEvent(t, bob, call.EventCall)
	if got := w.metrics.Get(metrics.MalformedMessages); got != 4 {
		t.Fatalf("malformed=%d, want 4", got)
	}
}

func TestWebSocket_BinaryFrameClosesUnsupportedData(t *testing.T) {
	w := newWSHarness(t, HandlerConfig{}, nil)
	alice := w.dialReady(t, "alice")

	if err := alice.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	expectClose(t, alice, websocket.CloseUnsupportedData)
	waitUntil(t, "alice unregistered", func() bool {
		_, ok := w.h.ResolveByUsername("alice")
		return !ok
	})
}

func TestWebSocket_RateLimit(t *testing.T) {
	w := newWSHarness(t, HandlerConfig{}, func(c *WebSocketConfig) {
		c.MaxMessagesPerSecond = 3
	})
	alice := w.dialReady(t, "alice")

	for i := 0; i < 4; i++ {
		send(t, alice, `{"event":"leave"}`)
	}
	expectClose(t, alice, websocket.ClosePolicyViolation)
	if got := w.metrics.Get(metrics.DropReasonRateLimited); got != 1 {
		t.Fatalf("rate limited=%d, want 1", got)
	}
}

func TestWebSocket_OversizedMessageDisconnects(t *testing.T) {
	w := newWSHarness(t, HandlerConfig{}, func(c *WebSocketConfig) {
		c.MaxMessageBytes = 256
	})
	alice := w.dialReady(t, "alice")

	send(t, alice, `{"event":"leave","data":{"pad":"`+strings.Repeat("x", 1024)+`"}}`)
	waitUntil(t, "alice unregistered", func() bool {
		_, ok := w.h.ResolveByUsername("alice")
		return !ok
	})
	if got := w.metrics.Get(metrics.DropReasonMessageLarge); got != 1 {
		t.Fatalf("message too large=%d, want 1", got)
	}
}

func TestWebSocket_IdleTimeout(t *testing.T) {
	w := newWSHarness(t, HandlerConfig{}, func(c *WebSocketConfig) {
		c.IdleTimeout = 150 * time.Millisecond
		c.PingInterval = 50 * time.Millisecond
	})

	// A client that keeps reading answers pings and stays connected.
	alive := w.dialReady(t, "alive")
	go func() {
		for {
			_ = alive.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, _, err := alive.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// A client that never reads never answers pings.
	_ = w.dial(t, "silent")
	waitUntil(t, "silent unregistered", func() bool {
		_, silent := w.h.ResolveByUsername("silent")
		_, alive := w.h.ResolveByUsername("alive")
		return !silent && alive
	})

	time.Sleep(300 * time.Millisecond)
	if _, ok := w.h.ResolveByUsername("alive"); !ok {
		t.Fatalf("client answering pings timed out")
	}
}

func TestWebSocket_HandlerCloseSendsGoingAway(t *testing.T) {
	w := newWSHarness(t, HandlerConfig{}, nil)
	alice := w.dialReady(t, "alice")

	w.h.Close()
	expectClose(t, alice, websocket.CloseGoingAway)

	c, _, err := websocket.DefaultDialer.Dial(w.url(url.Values{"username": {"bob"}}), nil)
	if err != nil {
		t.Fatalf("dial after close: %v", err)
	}
	defer c.Close()
	expectClose(t, c, websocket.CloseGoingAway)
}

func TestWebSocket_OriginPolicy(t *testing.T) {
	w := newWSHarness(t, HandlerConfig{}, nil)
	target := w.url(url.Values{"username": {"alice"}})

	_, resp, err := websocket.DefaultDialer.Dial(target, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatalf("cross-origin dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}

	c, _, err := websocket.DefaultDialer.Dial(target, http.Header{"Origin": {w.ts.URL}})
	if err != nil {
		t.Fatalf("same-origin dial: %v", err)
	}
	defer c.Close()
	expectEvent(t, c, EventUsers)

	allowed := newWSHarness(t, HandlerConfig{}, func(c *WebSocketConfig) {
		c.AllowedOrigins = []string{"https://app.example"}
	})
	c2, _, err := websocket.DefaultDialer.Dial(allowed.url(url.Values{"username": {"bob"}}), http.Header{"Origin": {"https://app.example"}})
	if err != nil {
		t.Fatalf("allow-listed origin dial: %v", err)
	}
	defer c2.Close()
	expectEvent(t, c2, EventUsers)
}
