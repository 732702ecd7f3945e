package call

import (
	"bytes"
	"encoding/json"
)

// Outbound event names delivered by the state machine.
const (
	EventCall      = "call"
	EventAnswer    = "answer"
	EventCandidate = "candidate"
	EventLeave     = "leave"
)

// CallPayload is delivered to the receiver of a call.
type CallPayload struct {
	Username string          `json:"username"`
	Offer    json.RawMessage `json:"offer"`
}

// AnswerPayload is delivered to the caller when the receiver accepts.
type AnswerPayload struct {
	Answer json.RawMessage `json:"answer"`
}

// CandidatePayload carries an ICE candidate to the linked peer.
type CandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
}

// Presence is one entry of the connected-users snapshot.
type Presence struct {
	Username string `json:"username"`
	State    State  `json:"state"`
}

// IsObject reports whether raw is a single well-formed JSON object. Offers,
// answers and candidates are opaque to the relay but must be structured.
func IsObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < 2 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}

// IsDecline reports whether raw is the literal JSON value false.
func IsDecline(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("false"))
}
