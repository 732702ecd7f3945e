// Package signaling binds WebSocket connections to the call state machine.
//
// A Handler owns the client directory and call registry behind one mutex and
// turns inbound events (call, answer, candidate, leave) into state machine
// transitions, service errors and presence broadcasts. WebSocketServer is the
// transport: it authenticates the upgrade, feeds decoded envelopes to the
// Handler and delivers outbound envelopes through a bounded per-connection
// queue.
package signaling
