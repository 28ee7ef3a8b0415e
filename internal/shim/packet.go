package shim

import (
	"errors"
	"fmt"
	"net"
)

var ErrClosed = errors.New("shim: transport closed")

// PacketTransport is an unreliable datagram socket shared by many connections.
// Send must be safe for concurrent use and write each datagram atomically.
type PacketTransport interface {
	Send(peer net.Addr, b []byte) error
	// Receive blocks for the next datagram. It returns ErrClosed after Close.
	Receive(buf []byte) (int, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// UDP is a PacketTransport over a net.PacketConn.
type UDP struct {
	pc net.PacketConn
}

func ListenUDP(addr string) (*UDP, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("shim: listen udp %s: %w", addr, err)
	}
	return NewUDP(pc), nil
}

func NewUDP(pc net.PacketConn) *UDP {
	return &UDP{pc: pc}
}

func (u *UDP) Send(peer net.Addr, b []byte) error {
	_, err := u.pc.WriteTo(b, peer)
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (u *UDP) Receive(buf []byte) (int, net.Addr, error) {
	n, addr, err := u.pc.ReadFrom(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, nil, ErrClosed
		}
		return 0, nil, err
	}
	return n, addr, nil
}

func (u *UDP) LocalAddr() net.Addr {
	return u.pc.LocalAddr()
}

func (u *UDP) Close() error {
	return u.pc.Close()
}
