// Package shim adapts real sockets to the two transport shapes the endpoint and
// the bench harness consume: a datagram PacketTransport, and a reliable
// StreamConn whose items are tagged with a delivery mode.
package shim
