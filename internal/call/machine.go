package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Machine applies call state transitions to pairs of clients.
//
// The Call record is the single source of truth for who is talking to whom:
// clients point at their current Call, and caller/receiver links are resolved
// through the Directory. Every exit path goes through detach, which resets
// both ends and drops the record in one step.
type Machine struct {
	clients *Directory
	calls   *Registry
	log     *slog.Logger
}

func NewMachine(clients *Directory, calls *Registry, logger *slog.Logger) *Machine {
	if clients == nil {
		clients = NewDirectory()
	}
	if calls == nil {
		calls = NewRegistry(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{clients: clients, calls: calls, log: logger}
}

func (m *Machine) Clients() *Directory { return m.clients }
func (m *Machine) Calls() *Registry    { return m.calls }

// CallerOf returns the client that is calling c, or nil when c is not the
// receiving side of a live call.
func (m *Machine) CallerOf(c *Client) *Client {
	if c == nil || c.call == nil || c.call.receiverID != c.id {
		return nil
	}
	return m.linked(c.call, c.call.callerID)
}

// ReceiverOf returns the client c is calling (or talking to as the caller),
// or nil.
func (m *Machine) ReceiverOf(c *Client) *Client {
	if c == nil || c.call == nil || c.call.callerID != c.id {
		return nil
	}
	return m.linked(c.call, c.call.receiverID)
}

// PeerOf returns whichever of CallerOf/ReceiverOf is set.
func (m *Machine) PeerOf(c *Client) *Client {
	if peer := m.CallerOf(c); peer != nil {
		return peer
	}
	return m.ReceiverOf(c)
}

func (m *Machine) linked(call *Call, id string) *Client {
	peer, ok := m.clients.BySessionID(id)
	if !ok || peer.call != call {
		return nil
	}
	return peer
}

// PlaceCall links caller and receiver in a new call and delivers the offer to
// the receiver. The receiver must be Idle.
func (m *Machine) PlaceCall(caller, receiver *Client, offer json.RawMessage) (*Call, error) {
	if !m.clients.Contains(caller) {
		return nil, fmt.Errorf("%w: caller is not a connected client", ErrInvalidArgument)
	}
	if !m.clients.Contains(receiver) {
		return nil, fmt.Errorf("%w: receiver is not a connected client", ErrInvalidArgument)
	}
	if caller == receiver {
		return nil, fmt.Errorf("%w: client %q cannot call itself", ErrInvalidArgument, caller.username)
	}
	if !IsObject(offer) {
		return nil, fmt.Errorf("%w: offer must be an object", ErrInvalidArgument)
	}
	if caller.state != Idle {
		return nil, fmt.Errorf("%w: caller %q is %s", ErrBusy, caller.username, caller.state)
	}
	if receiver.state != Idle {
		return nil, fmt.Errorf("%w: receiver %q is %s", ErrBusy, receiver.username, receiver.state)
	}

	call, err := m.calls.Register(caller.id, receiver.id)
	if err != nil {
		return nil, err
	}
	caller.state, caller.call = Alerting, call
	receiver.state, receiver.call = Ringing, call

	m.send(receiver, EventCall, CallPayload{Username: caller.username, Offer: offer})
	return call, nil
}

// PlaceAnswer handles the answerer's response to an incoming call.
//
// A decline (literal false), or any answer from a client without a caller,
// resets both linked clients to Idle and drops the call. An accept moves both
// clients to Connected and forwards the answer to the caller. Accepting
// without a caller returns ErrNoCaller after the reset.
func (m *Machine) PlaceAnswer(answerer *Client, answer json.RawMessage) error {
	if !m.clients.Contains(answerer) {
		return fmt.Errorf("%w: answerer is not a connected client", ErrInvalidArgument)
	}
	decline := IsDecline(answer)
	if !decline && !IsObject(answer) {
		return fmt.Errorf("%w: answer must be an object or false", ErrInvalidArgument)
	}

	caller := m.CallerOf(answerer)
	if decline || caller == nil {
		if decline && caller != nil {
			m.markAnswered(caller, answerer)
		}
		m.detach(answerer)
		if !decline {
			return ErrNoCaller
		}
		return nil
	}

	m.markAnswered(caller, answerer)
	answerer.state = Connected
	caller.state = Connected
	m.send(caller, EventAnswer, AnswerPayload{Answer: answer})
	return nil
}

// PlaceCandidate forwards an ICE candidate to the sender's linked peer. It is
// a no-op when the sender is not in a call.
func (m *Machine) PlaceCandidate(sender *Client, candidate json.RawMessage) error {
	if !IsObject(candidate) {
		return fmt.Errorf("%w: candidate must be an object", ErrInvalidArgument)
	}
	peer := m.PeerOf(sender)
	if peer == nil {
		return nil
	}
	m.send(peer, EventCandidate, CandidatePayload{Candidate: candidate})
	return nil
}

// LeaveCall notifies the sender's peer (if any) and resets both to Idle. It
// returns the peer that was notified. Calling it on an Idle client changes
// nothing and sends nothing.
func (m *Machine) LeaveCall(sender *Client) *Client {
	peer := m.PeerOf(sender)
	if peer != nil {
		m.send(peer, EventLeave, nil)
	}
	m.detach(sender)
	return peer
}

// Reset forces c back to Idle without notifying anyone. If c was in a call,
// the other side of that call is reset too and the record is dropped, so the
// two views can never disagree.
func (m *Machine) Reset(c *Client) {
	m.detach(c)
}

// Sweep ends every unanswered call older than expiry as if the caller had
// left, and returns the calls it removed.
func (m *Machine) Sweep(expiry time.Duration) []*Call {
	expired := m.calls.Expired(expiry)
	for _, call := range expired {
		m.log.Info("call expired",
			"call_id", call.id,
			"caller_id", call.callerID,
			"receiver_id", call.receiverID,
			"started_at", call.startedAt,
		)
		if caller := m.linked(call, call.callerID); caller != nil {
			m.LeaveCall(caller)
		} else if receiver := m.linked(call, call.receiverID); receiver != nil {
			// Caller is already gone; the receiver still needs to stop ringing.
			m.send(receiver, EventLeave, nil)
			m.detach(receiver)
		}
		if m.calls.Contains(call) {
			m.remove(call)
		}
	}
	return expired
}

// detach resets c and, if c was in a call, the peer still attached to that
// call, then drops the call record.
func (m *Machine) detach(c *Client) {
	if c == nil {
		return
	}
	call := c.call
	var peer *Client
	if call != nil {
		peer = m.PeerOf(c)
	}
	c.reset()
	if peer != nil {
		peer.reset()
	}
	if call != nil {
		m.remove(call)
	}
}

func (m *Machine) remove(call *Call) {
	if err := m.calls.Remove(call); err != nil {
		if errors.Is(err, ErrStaleCall) {
			m.log.Debug("call already removed", "call_id", call.id)
			return
		}
		m.log.Error("failed to remove call", "call_id", call.id, "err", err)
	}
}

func (m *Machine) markAnswered(caller, receiver *Client) {
	if !m.calls.MarkAnswered(caller.id, receiver.id) {
		m.log.Warn("no call found to mark answered",
			"caller", caller.username,
			"receiver", receiver.username,
		)
	}
}

func (m *Machine) send(to *Client, event string, payload any) {
	if err := to.session.Send(event, payload); err != nil {
		m.log.Warn("failed to deliver signaling message",
			"event", event,
			"username", to.username,
			"err", err,
		)
	}
}
