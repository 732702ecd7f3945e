package call

import (
	"fmt"
	"strings"
)

// Session is the transport capability the state machine needs from a
// connected client.
//
// Send must not block on network I/O; implementations queue the message and
// report an error only when the message can never be delivered.
type Session interface {
	Send(event string, payload any) error
	Disconnect(force bool)
}

// Client is one authenticated, connected participant.
//
// A client only knows which Call (if any) currently involves it. The caller
// and receiver are derived from that Call through the Directory, see
// Machine.CallerOf and Machine.ReceiverOf.
type Client struct {
	id       string
	username string
	session  Session

	state State
	call  *Call
}

func NewClient(id, username string, session Session) (*Client, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrInvalidArgument)
	}
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("%w: empty username", ErrInvalidArgument)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: nil session", ErrInvalidArgument)
	}
	return &Client{id: id, username: username, session: session}, nil
}

func (c *Client) ID() string         { return c.id }
func (c *Client) Username() string   { return c.username }
func (c *Client) Session() Session   { return c.session }
func (c *Client) State() State       { return c.state }
func (c *Client) CurrentCall() *Call { return c.call }

func (c *Client) reset() {
	c.state = Idle
	c.call = nil
}
