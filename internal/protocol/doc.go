// Package protocol groups the miknet wire contract.
//
// Ownership boundary:
// - gram: datagram and unit codec
// - event: state machine inputs
// - timer: timer keys, backoff and scheduling
// - cookie: stateless handshake cookies
// - conn: per-connection state machine
// - frame: length-prefixed frames for the stream backend
package protocol
