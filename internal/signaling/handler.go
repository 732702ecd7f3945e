package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/metrics"
)

type HandlerConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// SweepInterval is how often Run expires unanswered calls.
	SweepInterval time.Duration
	// CallExpiry is how long a call may stay unanswered.
	CallExpiry time.Duration

	// Now drives call start times. Defaults to time.Now.
	Now func() time.Time
}

// Handler owns every connected client and in-flight call. All state
// transitions run under mu, so a transition that touches two clients is
// never observed half done. Nothing under mu blocks on network I/O:
// call.Session implementations only enqueue.
type Handler struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	sweepInterval time.Duration
	expiry        time.Duration

	mu      sync.Mutex
	machine *call.Machine
	closed  bool
	done    chan struct{}
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = config.DefaultCallSweepInterval
	}
	if cfg.CallExpiry <= 0 {
		cfg.CallExpiry = config.DefaultCallExpiry
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		sweepInterval: cfg.SweepInterval,
		expiry:        cfg.CallExpiry,
		machine:       call.NewMachine(call.NewDirectory(), call.NewRegistry(cfg.Now), cfg.Logger),
		done:          make(chan struct{}),
	}
}

// Connect registers an authenticated session under username and broadcasts
// the new presence snapshot. It fails with call.ErrUsernameTaken when the
// username already has a live session.
func (h *Handler) Connect(sessionID, username string, sess call.Session) (*call.Client, error) {
	c, err := call.NewClient(sessionID, username, sess)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if err := h.machine.Clients().Add(c); err != nil {
		return nil, err
	}
	h.log.Info("user connected", "username", username, "session_id", sessionID)
	h.metrics.Inc(metrics.ConnectionsAccepted)
	h.broadcastPresenceLocked()
	h.updateGaugesLocked()
	return c, nil
}

// Dispatch routes one inbound event. Malformed payloads and unknown events
// return an ErrMalformed error and change nothing.
func (h *Handler) Dispatch(c *call.Client, event string, data json.RawMessage) error {
	switch event {
	case call.EventCall:
		return h.ManageCall(c, data)
	case call.EventAnswer:
		return h.ManageAnswer(c, data)
	case call.EventCandidate:
		return h.ManageCandidate(c, data)
	case call.EventLeave:
		h.HandleLeave(c)
		return nil
	default:
		return h.malformed(c, event, fmt.Errorf("unknown event %q", event))
	}
}

// ManageCall starts a call from c to the user named in the payload.
//
// A missing receiver yields RECEIVER_NOT_FOUND and a receiver that is not
// idle yields RECEIVER_UNAVAILABLE. Any state machine refusal (calling
// yourself, calling while already in a call) is reported as
// RECEIVER_NOT_FOUND. Presence is broadcast in every case.
func (h *Handler) ManageCall(c *call.Client, data json.RawMessage) error {
	var req callRequest
	if err := decodePayload(data, &req); err != nil {
		return h.malformed(c, call.EventCall, err)
	}
	if req.Username == "" {
		return h.malformed(c, call.EventCall, fmt.Errorf("missing username"))
	}
	if !call.IsObject(req.Offer) {
		return h.malformed(c, call.EventCall, fmt.Errorf("offer must be an object"))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Info("placing call", "caller", c.Username(), "receiver", req.Username)

	var result error
	receiver, ok := h.machine.Clients().ByUsername(req.Username)
	switch {
	case !ok:
		result = h.serviceErrorLocked(c, ReceiverNotFound, nil)
	case receiver.State() != call.Idle:
		result = h.serviceErrorLocked(c, ReceiverUnavailable, nil)
	default:
		if _, err := h.machine.PlaceCall(c, receiver, req.Offer); err != nil {
			h.log.Error("place call failed", "caller", c.Username(), "receiver", req.Username, "err", err)
			result = h.serviceErrorLocked(c, ReceiverNotFound, err)
		} else {
			h.metrics.Inc(metrics.CallsPlaced)
		}
	}

	h.broadcastPresenceLocked()
	h.updateGaugesLocked()
	return result
}

// ManageAnswer applies c's answer (an object to accept, false to decline) to
// its incoming call. On failure c gets RECEIVER_NOT_FOUND and is forced back
// to idle. Presence is broadcast in every non-malformed case.
func (h *Handler) ManageAnswer(c *call.Client, data json.RawMessage) error {
	var req answerRequest
	if err := decodePayload(data, &req); err != nil {
		return h.malformed(c, call.EventAnswer, err)
	}
	decline := call.IsDecline(req.Answer)
	if !decline && !call.IsObject(req.Answer) {
		return h.malformed(c, call.EventAnswer, fmt.Errorf("answer must be an object or false"))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Info("answering call", "username", c.Username(), "accept", !decline)

	var result error
	hadCaller := h.machine.CallerOf(c) != nil
	if err := h.machine.PlaceAnswer(c, req.Answer); err != nil {
		h.log.Error("place answer failed", "username", c.Username(), "err", err)
		result = h.serviceErrorLocked(c, ReceiverNotFound, err)
		h.machine.Reset(c)
	} else if hadCaller {
		if decline {
			h.metrics.Inc(metrics.CallsDeclined)
		} else {
			h.metrics.Inc(metrics.CallsAnswered)
		}
	}

	h.broadcastPresenceLocked()
	h.updateGaugesLocked()
	return result
}

// ManageCandidate relays an ICE candidate to c's peer. Failures are logged
// and never reported to the client.
func (h *Handler) ManageCandidate(c *call.Client, data json.RawMessage) error {
	var req candidateRequest
	if err := decodePayload(data, &req); err != nil {
		return h.malformed(c, call.EventCandidate, err)
	}
	if !call.IsObject(req.Candidate) {
		return h.malformed(c, call.EventCandidate, fmt.Errorf("candidate must be an object"))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Debug("passing candidate", "username", c.Username())
	if h.machine.PeerOf(c) == nil {
		h.log.Debug("candidate dropped, no peer", "username", c.Username())
		return nil
	}
	if err := h.machine.PlaceCandidate(c, req.Candidate); err != nil {
		h.log.Error("place candidate failed", "username", c.Username(), "err", err)
		return nil
	}
	h.metrics.Inc(metrics.CandidatesRelayed)
	return nil
}

// HandleLeave ends c's call, if any, notifying the peer.
func (h *Handler) HandleLeave(c *call.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)
}

func (h *Handler) leaveLocked(c *call.Client) {
	if c.State() == call.Idle && c.CurrentCall() == nil {
		return
	}
	peer := h.machine.LeaveCall(c)
	h.log.Info("user left call", "username", c.Username(), "peer", usernameOf(peer))
	h.metrics.Inc(metrics.CallsLeft)
	h.broadcastPresenceLocked()
	h.updateGaugesLocked()
}

// HandleDisconnect tears down c after its transport has gone away: any call
// is left as if c had sent leave, then c is unregistered and the remaining
// clients get a fresh presence snapshot.
func (h *Handler) HandleDisconnect(c *call.Client, reason string) {
	if c == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.log.Info("user disconnecting", "username", c.Username(), "reason", reason)
	if c.State() != call.Idle || c.CurrentCall() != nil {
		h.machine.LeaveCall(c)
		h.metrics.Inc(metrics.CallsLeft)
	}
	if h.machine.Clients().Remove(c) {
		h.broadcastPresenceLocked()
	}
	h.updateGaugesLocked()
}

// BroadcastPresence sends every connected client the current users snapshot.
func (h *Handler) BroadcastPresence() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastPresenceLocked()
}

func (h *Handler) broadcastPresenceLocked() {
	payload := UsersPayload{Users: h.machine.Clients().Presence()}
	for _, c := range h.machine.Clients().Clients() {
		if err := c.Session().Send(EventUsers, payload); err != nil {
			h.log.Warn("failed to deliver presence", "username", c.Username(), "err", err)
		}
	}
}

func (h *Handler) ResolveByUsername(username string) (*call.Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.machine.Clients().ByUsername(username)
}

func (h *Handler) ResolveBySessionID(id string) (*call.Client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.machine.Clients().BySessionID(id)
}

// Presence returns the current users snapshot.
func (h *Handler) Presence() []call.Presence {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.machine.Clients().Presence()
}

// ActiveCalls returns the number of registered calls, answered or not.
func (h *Handler) ActiveCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.machine.Calls().Len()
}

// Sweep expires every unanswered call older than the configured expiry and
// returns how many it removed.
func (h *Handler) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	expired := h.machine.Sweep(h.expiry)
	if len(expired) == 0 {
		return 0
	}
	h.metrics.Add(metrics.CallsExpired, uint64(len(expired)))
	h.broadcastPresenceLocked()
	h.updateGaugesLocked()
	return len(expired)
}

// Run sweeps on every interval until ctx is done or the Handler is closed.
func (h *Handler) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case <-ticker.C:
			if n := h.Sweep(); n > 0 {
				h.log.Debug("sweep expired calls", "count", n)
			}
		}
	}
}

// Close stops Run, refuses new connections and asks every session to
// disconnect. Sessions unregister themselves through HandleDisconnect as
// their transports wind down.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	for _, c := range h.machine.Clients().Clients() {
		c.Session().Disconnect(false)
	}
}

func (h *Handler) serviceErrorLocked(c *call.Client, typ ServiceErrorType, cause error) error {
	h.metrics.Inc(metrics.ServiceErrorPrefix + string(typ))
	if err := c.Session().Send(EventServiceError, ServiceErrorPayload{Type: typ}); err != nil {
		h.log.Warn("failed to deliver service error", "username", c.Username(), "type", typ, "err", err)
	}
	return &ServiceError{Type: typ, Err: cause}
}

func (h *Handler) malformed(c *call.Client, event string, err error) error {
	h.log.Warn("received invalid payload", "event", event, "username", c.Username(), "err", err)
	h.metrics.Inc(metrics.MalformedMessages)
	return fmt.Errorf("%w: %s: %v", ErrMalformed, event, err)
}

func (h *Handler) updateGaugesLocked() {
	h.metrics.Set(metrics.ConnectedClients, int64(h.machine.Clients().Len()))
	h.metrics.Set(metrics.ActiveCalls, int64(h.machine.Calls().Len()))
}

func usernameOf(c *call.Client) string {
	if c == nil {
		return ""
	}
	return c.Username()
}
