// Package conn owns the connection handshake and reliability state machine.
//
// Ownership boundary:
// - initiator and responder handshake transitions
// - ordered per-stream delivery and acknowledgment
// - retransmission, linger and keepalive policy
//
// A Machine consumes events strictly one at a time and performs all side effects
// through its Env. It holds no locks; the owner must serialize calls to Handle.
// The Responder answers Init and validates CookieEcho without allocating any
// per-peer state until the cookie checks out.
package conn
