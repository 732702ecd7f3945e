package call

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Call is one call attempt between two clients, referenced by session id.
type Call struct {
	id         string
	callerID   string
	receiverID string
	startedAt  time.Time
	answered   bool
}

func (c *Call) ID() string           { return c.id }
func (c *Call) CallerID() string     { return c.callerID }
func (c *Call) ReceiverID() string   { return c.receiverID }
func (c *Call) StartedAt() time.Time { return c.startedAt }
func (c *Call) Answered() bool       { return c.answered }

// Involves reports whether the client with the given session id is either
// side of the call.
func (c *Call) Involves(clientID string) bool {
	return c.callerID == clientID || c.receiverID == clientID
}

type pairKey struct{ a, b string }

func newPairKey(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

// Registry tracks in-flight call attempts independently of client state so
// calls that ring forever can be found and reaped.
type Registry struct {
	now   func() time.Time
	calls map[pairKey]*Call
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:   now,
		calls: make(map[pairKey]*Call),
	}
}

// Register records a new unanswered call. At most one call may exist for an
// unordered pair of clients.
func (r *Registry) Register(callerID, receiverID string) (*Call, error) {
	if callerID == "" || receiverID == "" || callerID == receiverID {
		return nil, fmt.Errorf("%w: call between %q and %q", ErrInvalidArgument, callerID, receiverID)
	}
	key := newPairKey(callerID, receiverID)
	if _, ok := r.calls[key]; ok {
		return nil, fmt.Errorf("%w: %s <-> %s", ErrAlreadyExists, callerID, receiverID)
	}
	c := &Call{
		id:         uuid.NewString(),
		callerID:   callerID,
		receiverID: receiverID,
		startedAt:  r.now(),
	}
	r.calls[key] = c
	return c, nil
}

// MarkAnswered flags the call from callerID to receiverID as answered. It
// reports false when no such call is registered.
func (r *Registry) MarkAnswered(callerID, receiverID string) bool {
	c, ok := r.calls[newPairKey(callerID, receiverID)]
	if !ok || c.callerID != callerID {
		return false
	}
	c.answered = true
	return true
}

// Remove deletes c. It returns ErrStaleCall when c is no longer registered.
func (r *Registry) Remove(c *Call) error {
	if c == nil {
		return fmt.Errorf("%w: nil call", ErrInvalidArgument)
	}
	key := newPairKey(c.callerID, c.receiverID)
	if r.calls[key] != c {
		return fmt.Errorf("%w: %s", ErrStaleCall, c.id)
	}
	delete(r.calls, key)
	return nil
}

// Contains reports whether c is still registered.
func (r *Registry) Contains(c *Call) bool {
	return c != nil && r.calls[newPairKey(c.callerID, c.receiverID)] == c
}

// Find returns a call involving the given client, if any.
func (r *Registry) Find(clientID string) (*Call, bool) {
	for _, c := range r.calls {
		if c.Involves(clientID) {
			return c, true
		}
	}
	return nil, false
}

// Expired returns every unanswered call started more than threshold ago,
// oldest first.
func (r *Registry) Expired(threshold time.Duration) []*Call {
	cutoff := r.now().Add(-threshold)
	var out []*Call
	for _, c := range r.calls {
		if !c.answered && c.startedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].startedAt.Before(out[j].startedAt) })
	return out
}

func (r *Registry) Len() int { return len(r.calls) }
