// Package call implements the per-client call state machine and the registry of
// in-flight call attempts.
//
// Nothing in this package is safe for concurrent use. The owner (normally
// signaling.Handler) must serialise every call into a Machine behind a single
// lock so that transitions touching two clients are never observed half-done.
package call
