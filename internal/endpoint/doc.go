// Package endpoint runs miknet connections over one shared datagram socket.
//
// An Endpoint owns the socket, a read loop that demultiplexes inbound Messages
// by (token, peer address), the stateless responder, and one goroutine per
// connection that feeds its state machine strictly in order. Connections never
// share mutable state; everything reaches them through their inbox.
package endpoint
