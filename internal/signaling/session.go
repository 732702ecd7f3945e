package signaling

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

const wsWriteWait = 1 * time.Second

var (
	errSessionClosed = errors.New("signaling: session closed")
	errSlowConsumer  = errors.New("signaling: send queue full")
)

// wsSession is the call.Session for one WebSocket connection.
//
// Send never touches the socket: frames go onto a bounded queue drained by
// writeLoop, which is the only goroutine that writes data frames. A client
// that lets the queue fill up is disconnected rather than allowed to stall
// the Handler.
type wsSession struct {
	id      string
	conn    *websocket.Conn
	log     *slog.Logger
	metrics *metrics.Metrics

	pingInterval time.Duration

	queue   chan []byte
	closing chan struct{}
	done    chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
	abort       bool
}

func newWSSession(id string, conn *websocket.Conn, queueLen int, pingInterval time.Duration, logger *slog.Logger, m *metrics.Metrics) *wsSession {
	return &wsSession{
		id:           id,
		conn:         conn,
		log:          logger,
		metrics:      m,
		pingInterval: pingInterval,
		queue:        make(chan []byte, queueLen),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (s *wsSession) Send(event string, payload any) error {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	select {
	case <-s.closing:
		return errSessionClosed
	default:
	}

	select {
	case s.queue <- data:
		return nil
	default:
		s.metrics.Inc(metrics.DropReasonSlowConsumer)
		s.log.Warn("signaling send queue full, disconnecting", "session_id", s.id, "event", event)
		s.terminate()
		return errSlowConsumer
	}
}

// Disconnect closes the connection. A graceful disconnect flushes queued
// frames before the close frame; a forced one drops the socket immediately.
func (s *wsSession) Disconnect(force bool) {
	if force {
		s.terminate()
		return
	}
	s.closeWith(websocket.CloseGoingAway, "disconnected by server")
}

// closeWith asks writeLoop to flush, send a close frame with code/reason and
// drop the connection. Only the first close request wins.
func (s *wsSession) closeWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.closing)
	})
}

// terminate drops the socket without flushing. It also unblocks a writeLoop
// stuck in a write to a peer that stopped reading.
func (s *wsSession) terminate() {
	s.closeOnce.Do(func() {
		s.abort = true
		close(s.closing)
	})
	_ = s.conn.Close()
}

func (s *wsSession) writeLoop() {
	defer close(s.done)
	defer s.conn.Close()

	var pingC <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case data := <-s.queue:
			if err := s.write(data); err != nil {
				s.log.Debug("signaling write failed", "session_id", s.id, "err", err)
				s.terminate()
				return
			}
		case <-pingC:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.terminate()
				return
			}
		case <-s.closing:
			if s.abort {
				return
			}
			s.flush()
			writeClose(s.conn, s.closeCode, s.closeReason)
			return
		}
	}
}

func (s *wsSession) flush() {
	for {
		select {
		case data := <-s.queue:
			if err := s.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSession) write(data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
