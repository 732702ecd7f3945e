package call

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned when an operation receives a payload or
	// client that it cannot act on. No state is changed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNoCaller is returned when an accept is placed by a client that has no
	// incoming call. It is an ErrInvalidArgument.
	ErrNoCaller = fmt.Errorf("%w: no caller to answer", ErrInvalidArgument)
	// ErrBusy is returned when the calling side is itself already in a call.
	ErrBusy = errors.New("client is not idle")
	// ErrAlreadyExists is returned when a call is registered twice for the same
	// pair of clients.
	ErrAlreadyExists = errors.New("call already exists")
	// ErrStaleCall is returned when removing a call that is no longer registered.
	// Callers should treat it as "already cleaned up".
	ErrStaleCall = errors.New("call already removed")
	// ErrUsernameTaken is returned when a username already has an active client.
	ErrUsernameTaken = errors.New("username already connected")
)
