package call

import "fmt"

// Directory is the client registry: every connected client keyed by session
// id and by username. Usernames are unique.
type Directory struct {
	byID       map[string]*Client
	byUsername map[string]*Client
	// order preserves connection order for presence snapshots.
	order []*Client
}

func NewDirectory() *Directory {
	return &Directory{
		byID:       make(map[string]*Client),
		byUsername: make(map[string]*Client),
	}
}

// Add registers c. It fails with ErrUsernameTaken when the username already
// has an active client.
func (d *Directory) Add(c *Client) error {
	if c == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidArgument)
	}
	if _, ok := d.byUsername[c.username]; ok {
		return fmt.Errorf("%w: %q", ErrUsernameTaken, c.username)
	}
	if _, ok := d.byID[c.id]; ok {
		return fmt.Errorf("%w: duplicate session id %q", ErrInvalidArgument, c.id)
	}
	d.byID[c.id] = c
	d.byUsername[c.username] = c
	d.order = append(d.order, c)
	return nil
}

// Remove unregisters c. It reports false when c is not the registered client
// for its session id (already removed, or never added).
func (d *Directory) Remove(c *Client) bool {
	if c == nil || d.byID[c.id] != c {
		return false
	}
	delete(d.byID, c.id)
	if d.byUsername[c.username] == c {
		delete(d.byUsername, c.username)
	}
	for i, other := range d.order {
		if other == c {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

func (d *Directory) ByUsername(username string) (*Client, bool) {
	c, ok := d.byUsername[username]
	return c, ok
}

func (d *Directory) BySessionID(id string) (*Client, bool) {
	c, ok := d.byID[id]
	return c, ok
}

// Contains reports whether c itself (not just its username) is registered.
func (d *Directory) Contains(c *Client) bool {
	return c != nil && d.byID[c.id] == c
}

func (d *Directory) Len() int { return len(d.order) }

// Clients returns the connected clients in connection order.
func (d *Directory) Clients() []*Client {
	out := make([]*Client, len(d.order))
	copy(out, d.order)
	return out
}

// Presence returns a username/state snapshot of every connected client.
func (d *Directory) Presence() []Presence {
	out := make([]Presence, 0, len(d.order))
	for _, c := range d.order {
		out = append(out, Presence{Username: c.username, State: c.state})
	}
	return out
}
