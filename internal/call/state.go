package call

import "fmt"

// State is the signaling state of a single client.
type State int

const (
	// Idle clients accept new calls.
	Idle State = iota
	// Alerting clients have placed a call and wait for the receiver.
	Alerting
	// Ringing clients have an incoming call.
	Ringing
	// Connected clients are in an answered call.
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Alerting:
		return "ALERTING"
	case Ringing:
		return "RINGING"
	case Connected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	switch s {
	case Idle, Alerting, Ringing, Connected:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("invalid call state %d", int(s))
	}
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "IDLE":
		*s = Idle
	case "ALERTING":
		*s = Alerting
	case "RINGING":
		*s = Ringing
	case "CONNECTED":
		*s = Connected
	default:
		return fmt.Errorf("invalid call state %q", b)
	}
	return nil
}
