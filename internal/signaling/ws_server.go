package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/ratelimit"
)

// WebSocketConfig wires the transport to a Handler. Zero limits fall back to
// the config package defaults.
type WebSocketConfig struct {
	Handler       *Handler
	Authenticator auth.Authenticator

	// AllowedOrigins follows origin.IsAllowed: empty means same host only.
	AllowedOrigins []string

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueLength      int
	IdleTimeout          time.Duration
	PingInterval         time.Duration
}

// WebSocketServer serves GET /webrtc/signal.
type WebSocketServer struct {
	cfg      WebSocketConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWebSocketServer(cfg WebSocketConfig) *WebSocketServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.SendQueueLength <= 0 {
		cfg.SendQueueLength = config.DefaultSignalingSendQueueLength
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}

	s := &WebSocketServer{cfg: cfg, log: cfg.Logger}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, ok := origin.Check(r, s.cfg.AllowedOrigins)
			return ok
		},
	}
	return s
}

func (s *WebSocketServer) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /webrtc/signal", s)
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, authErr := s.cfg.Authenticator.Authenticate(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		return
	}

	if authErr != nil {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		s.log.Info("signaling auth failed", "remote_addr", r.RemoteAddr, "err", authErr)
		writeClose(conn, websocket.ClosePolicyViolation, unauthorizedReason(authErr))
		_ = conn.Close()
		return
	}

	sessionID := uuid.NewString()
	sess := newWSSession(sessionID, conn, s.cfg.SendQueueLength, s.cfg.PingInterval, s.log, s.cfg.Metrics)
	go sess.writeLoop()

	client, err := s.cfg.Handler.Connect(sessionID, identity.Username, sess)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.ConnectionsRejected)
		switch {
		case errors.Is(err, call.ErrUsernameTaken):
			s.log.Info("rejecting duplicate session", "username", identity.Username)
			sess.closeWith(websocket.ClosePolicyViolation, "username already connected")
		case errors.Is(err, ErrClosed):
			sess.closeWith(websocket.CloseGoingAway, "server shutting down")
		default:
			s.log.Error("signaling connect failed", "username", identity.Username, "err", err)
			sess.closeWith(websocket.CloseInternalServerErr, "internal error")
		}
		<-sess.done
		return
	}

	reason := s.readLoop(conn, sess, client)
	s.cfg.Handler.HandleDisconnect(client, reason)
	sess.closeWith(websocket.CloseNormalClosure, "")
	<-sess.done
}

// readLoop feeds inbound frames to the Handler until the connection ends and
// returns why it ended.
func (s *WebSocketServer) readLoop(conn *websocket.Conn, sess *wsSession, client *call.Client) string {
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	limiter := ratelimit.NewPerSecond(ratelimit.RealClock{}, s.cfg.MaxMessagesPerSecond)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return s.readErrorReason(err)
		}
		extend()

		// Limit after reading so the close frame is not lost to an abortive
		// close caused by unread bytes.
		if !limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.DropReasonRateLimited)
			sess.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return "rate limited"
		}
		if msgType != websocket.TextMessage {
			sess.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return "binary message"
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.MalformedMessages)
			s.log.Warn("received invalid message", "username", client.Username(), "err", err)
			continue
		}

		if err := s.cfg.Handler.Dispatch(client, env.Event, env.Data); err != nil {
			s.log.Debug("signaling event not applied", "username", client.Username(), "event", env.Event, "err", err)
		}
	}
}

func (s *WebSocketServer) readErrorReason(err error) string {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.cfg.Metrics.Inc(metrics.DropReasonMessageLarge)
		return "message too large"
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return "client closed"
	case isTimeout(err):
		return "idle timeout"
	default:
		return "transport error: " + err.Error()
	}
}

func unauthorizedReason(err error) string {
	if auth.IsMissing(err) {
		return "missing credentials"
	}
	return "invalid credentials"
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
