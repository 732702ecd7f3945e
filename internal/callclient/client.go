// Package callclient is a scriptable signaling client. It speaks the relay's
// WebSocket protocol and drives real pion PeerConnections, so a call placed
// with it negotiates an actual peer-to-peer data channel.
package callclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/signaling"
)

// DataChannelLabel names the channel the caller opens.
const DataChannelLabel = "aero-call"

const (
	writeWait   = 5 * time.Second
	eventBuffer = 128
)

var (
	ErrInCall = errors.New("callclient: already in a call")
	ErrClosed = errors.New("callclient: closed")
)

type EventKind string

const (
	EventUsers        EventKind = "users"
	EventServiceError EventKind = "service_error"
	EventIncomingCall EventKind = "incoming_call"
	EventAnswered     EventKind = "answered"
	EventLeave        EventKind = "leave"
	EventPeerState    EventKind = "peer_state"
	EventChannelOpen  EventKind = "channel_open"
	EventMessage      EventKind = "message"
	EventDisconnected EventKind = "disconnected"
)

type Event struct {
	Kind EventKind

	Users        []call.Presence
	ServiceError signaling.ServiceErrorType
	// Peer is the remote username for call events.
	Peer      string
	PeerState webrtc.PeerConnectionState
	Text      string
	Err       error
}

type Config struct {
	// BaseURL is the server's HTTP base, e.g. http://127.0.0.1:8080.
	BaseURL  string
	Username string
	// Token authenticates the connection. Empty sends Username as-is.
	Token string

	ICEServers []webrtc.ICEServer
	// AutoAnswer accepts incoming calls; otherwise they are declined.
	AutoAnswer bool

	API    *webrtc.API
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// NewAPI builds a pion API that logs through logger.
func NewAPI(logger *slog.Logger) *webrtc.API {
	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

type Client struct {
	cfg  Config
	log  *slog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	peer      string
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	events    chan Event
	readDone  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.API == nil {
		cfg.API = NewAPI(cfg.Logger)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	target, err := SignalURL(cfg.BaseURL, cfg.Username, cfg.Token)
	if err != nil {
		return nil, err
	}
	conn, _, err := cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.With("username", cfg.Username),
		conn:     conn,
		events:   make(chan Event, eventBuffer),
		readDone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Events() <-chan Event { return c.events }

// Done is closed once the signaling connection has gone away.
func (c *Client) Done() <-chan struct{} { return c.readDone }

// WaitFor discards events until one of kind arrives.
func (c *Client) WaitFor(ctx context.Context, kind EventKind) (Event, error) {
	for {
		select {
		case ev := <-c.events:
			if ev.Kind == kind {
				return ev, nil
			}
		case <-ctx.Done():
			return Event{}, fmt.Errorf("waiting for %s: %w", kind, ctx.Err())
		}
	}
}

// Call places a call to username with a fresh offer. The answer and remote
// candidates are applied as they arrive.
func (c *Client) Call(username string) error {
	pc, err := c.newPeerConnection(username)
	if err != nil {
		return err
	}
	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		c.teardown()
		return fmt.Errorf("create data channel: %w", err)
	}
	c.wireDataChannel(dc, true)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.teardown()
		return fmt.Errorf("create offer: %w", err)
	}
	// The call must reach the server before any candidate, or the candidates
	// have no peer to go to.
	if err := c.send(call.EventCall, struct {
		Username string                    `json:"username"`
		Offer    webrtc.SessionDescription `json:"offer"`
	}{username, offer}); err != nil {
		c.teardown()
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.teardown()
		return fmt.Errorf("set local offer: %w", err)
	}
	return nil
}

// Leave ends the current call, if any.
func (c *Client) Leave() error {
	c.teardown()
	return c.send(call.EventLeave, nil)
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.teardown()
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.teardown()
			c.emit(Event{Kind: EventDisconnected, Err: err})
			return
		}
		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("undecodable signaling message", "err", err)
			continue
		}
		if err := c.handle(env); err != nil {
			c.log.Warn("signaling message not applied", "event", env.Event, "err", err)
		}
	}
}

func (c *Client) handle(env signaling.Envelope) error {
	switch env.Event {
	case signaling.EventUsers:
		var p signaling.UsersPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		c.emit(Event{Kind: EventUsers, Users: p.Users})
	case signaling.EventServiceError:
		var p signaling.ServiceErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		c.teardown()
		c.emit(Event{Kind: EventServiceError, ServiceError: p.Type})
	case call.EventCall:
		var p call.CallPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return c.handleOffer(p.Username, p.Offer)
	case call.EventAnswer:
		var p call.AnswerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return c.handleAnswer(p.Answer)
	case call.EventCandidate:
		var p struct {
			Candidate webrtc.ICECandidateInit `json:"candidate"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return c.addCandidate(p.Candidate)
	case call.EventLeave:
		peer := c.teardown()
		c.emit(Event{Kind: EventLeave, Peer: peer})
	default:
		c.log.Debug("ignoring signaling event", "event", env.Event)
	}
	return nil
}

func (c *Client) handleOffer(from string, raw json.RawMessage) error {
	c.emit(Event{Kind: EventIncomingCall, Peer: from})
	if !c.cfg.AutoAnswer {
		return c.send(call.EventAnswer, map[string]any{"answer": false})
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		_ = c.send(call.EventAnswer, map[string]any{"answer": false})
		return fmt.Errorf("decode offer: %w", err)
	}
	pc, err := c.newPeerConnection(from)
	if err != nil {
		_ = c.send(call.EventAnswer, map[string]any{"answer": false})
		return err
	}
	if err := c.setRemote(pc, offer); err != nil {
		c.teardown()
		_ = c.send(call.EventAnswer, map[string]any{"answer": false})
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.teardown()
		_ = c.send(call.EventAnswer, map[string]any{"answer": false})
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.send(call.EventAnswer, map[string]any{"answer": answer}); err != nil {
		c.teardown()
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.teardown()
		return fmt.Errorf("set local answer: %w", err)
	}
	return nil
}

func (c *Client) handleAnswer(raw json.RawMessage) error {
	c.mu.Lock()
	pc, peer := c.pc, c.peer
	c.mu.Unlock()
	if pc == nil {
		return errors.New("answer without a pending call")
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := c.setRemote(pc, answer); err != nil {
		return err
	}
	c.emit(Event{Kind: EventAnswered, Peer: peer})
	return nil
}

// setRemote applies desc and flushes candidates that arrived before it.
func (c *Client) setRemote(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	c.mu.Lock()
	if c.pc != pc {
		c.mu.Unlock()
		return nil
	}
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			c.log.Warn("failed to add buffered candidate", "err", err)
		}
	}
	return nil
}

func (c *Client) addCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	pc := c.pc
	if pc == nil {
		c.mu.Unlock()
		return nil
	}
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return pc.AddICECandidate(cand)
}

func (c *Client) newPeerConnection(peer string) (*webrtc.PeerConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc != nil {
		return nil, ErrInCall
	}

	pc, err := c.cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		err := c.send(call.EventCandidate, map[string]any{"candidate": cand.ToJSON()})
		if err != nil {
			c.log.Debug("failed to send candidate", "err", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Debug("peer connection state", "peer", peer, "state", state.String())
		c.emit(Event{Kind: EventPeerState, Peer: peer, PeerState: state})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.wireDataChannel(dc, false)
	})

	c.pc = pc
	c.peer = peer
	c.remoteSet = false
	c.pending = nil
	return pc, nil
}

func (c *Client) wireDataChannel(dc *webrtc.DataChannel, greet bool) {
	dc.OnOpen(func() {
		c.emit(Event{Kind: EventChannelOpen, Text: dc.Label()})
		if greet {
			if err := dc.SendText("hello from " + c.cfg.Username); err != nil {
				c.log.Warn("failed to greet peer", "err", err)
			}
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.emit(Event{Kind: EventMessage, Text: string(msg.Data)})
	})
}

// teardown closes the current PeerConnection and returns the peer it was
// connected to.
func (c *Client) teardown() string {
	c.mu.Lock()
	pc, peer := c.pc, c.peer
	c.pc, c.peer = nil, ""
	c.remoteSet = false
	c.pending = nil
	c.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			c.log.Debug("close peer connection", "err", err)
		}
	}
	return peer
}

func (c *Client) send(event string, payload any) error {
	env := signaling.Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}
