// Package session implements the device connection lifecycle: the
// pending -> authenticating -> authenticated state machine, the auth
// deadline, pre-auth message queueing, per-device rate limiting, and
// wire message validation.
//
// A Session is transport-agnostic: it receives raw frames through Handle
// and replies through the Conn interface. Message semantics (heartbeats,
// command acks) stay with the caller via the OnMessage callback; the
// session only guarantees that the callback never fires before
// authentication succeeds.
package session
