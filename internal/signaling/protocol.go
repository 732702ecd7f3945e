package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/call"
)

// Events only the server emits.
const (
	EventUsers        = "users"
	EventServiceError = "service_error"
)

type ServiceErrorType string

const (
	ReceiverNotFound    ServiceErrorType = "RECEIVER_NOT_FOUND"
	ReceiverUnavailable ServiceErrorType = "RECEIVER_UNAVAILABLE"
)

var (
	// ErrMalformed marks inbound messages that were dropped without touching
	// any state.
	ErrMalformed = errors.New("signaling: malformed message")
	// ErrClosed is returned by Connect once the Handler has been closed.
	ErrClosed = errors.New("signaling: handler closed")
)

// ServiceError reports that a service_error event was sent to the client.
type ServiceError struct {
	Type ServiceErrorType
	Err  error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Type, e.Err)
	}
	return string(e.Type)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Envelope is the JSON text frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ServiceErrorPayload struct {
	Type ServiceErrorType `json:"type"`
}

type UsersPayload struct {
	Users []call.Presence `json:"users"`
}

type callRequest struct {
	Username string          `json:"username"`
	Offer    json.RawMessage `json:"offer"`
}

type answerRequest struct {
	Answer json.RawMessage `json:"answer"`
}

type candidateRequest struct {
	Candidate json.RawMessage `json:"candidate"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// decodeEnvelope parses one inbound frame. The frame must be exactly one JSON
// object with a non-empty event name and no other top-level fields.
func decodeEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return env, nil
}

// decodePayload requires data to be a JSON object before decoding it into v.
func decodePayload(data json.RawMessage, v any) error {
	if !call.IsObject(data) {
		return errors.New("payload must be an object")
	}
	return json.Unmarshal(data, v)
}
