package ratelimit

import "time"

// Clock abstracts time so buckets can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a plain function, e.g. a handler's injectable now.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
