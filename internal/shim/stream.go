package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/danmuck/miknet/internal/protocol/frame"
	"github.com/danmuck/miknet/internal/protocol/gram"
	"github.com/rs/zerolog/log"
)

// DeliveryMode tags an outbound stream item.
type DeliveryMode struct {
	Kind   frame.Mode
	Stream uint16
}

func ReliableOrdered(stream uint16) DeliveryMode {
	return DeliveryMode{Kind: frame.ModeReliableOrdered, Stream: stream}
}

func ReliableUnordered() DeliveryMode {
	return DeliveryMode{Kind: frame.ModeReliableUnordered}
}

func Unreliable() DeliveryMode {
	return DeliveryMode{Kind: frame.ModeUnreliable}
}

// SendCmd is one outbound item.
type SendCmd struct {
	Mode DeliveryMode
	Data []byte
}

// Datagram is one inbound item. Position is set for ordered modes.
type Datagram struct {
	Data     []byte
	Position *gram.StreamPosition
}

// StreamConn carries tagged items over one TCP connection. The byte stream is
// already reliable and ordered, so only ReliableOrdered items are carried and
// other modes are dropped at the sender.
type StreamConn struct {
	c      net.Conn
	limits frame.Limits

	writeMu  sync.Mutex
	ordinals map[uint16]uint64
}

func newStreamConn(c net.Conn) *StreamConn {
	return &StreamConn{c: c, limits: frame.DefaultLimits(), ordinals: make(map[uint16]uint64)}
}

func DialStream(ctx context.Context, addr string) (*StreamConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("shim: dial stream %s: %w", addr, err)
	}
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return newStreamConn(c), nil
}

// Send writes cmd. It is safe for concurrent use.
func (s *StreamConn) Send(cmd SendCmd) error {
	if cmd.Mode.Kind != frame.ModeReliableOrdered {
		log.Debug().Str("mode", cmd.Mode.Kind.String()).Msg("stream backend dropped item")
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ordinals[cmd.Mode.Stream]++
	f := frame.Frame{
		Header: frame.Header{
			Mode:    frame.ModeReliableOrdered,
			Stream:  cmd.Mode.Stream,
			Ordinal: s.ordinals[cmd.Mode.Stream],
		},
		Payload: cmd.Data,
	}
	if err := frame.WriteFrame(s.c, f, s.limits); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Receive reads the next item. It returns io.EOF once the peer closed cleanly.
// Only one goroutine may call Receive at a time.
func (s *StreamConn) Receive() (Datagram, error) {
	f, err := frame.ReadFrame(s.c, s.limits)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, io.EOF
		}
		return Datagram{}, err
	}
	d := Datagram{Data: f.Payload}
	if f.Header.Mode == frame.ModeReliableOrdered {
		d.Position = &gram.StreamPosition{Stream: f.Header.Stream, Ordinal: f.Header.Ordinal}
	}
	return d, nil
}

func (s *StreamConn) RemoteAddr() net.Addr {
	return s.c.RemoteAddr()
}

func (s *StreamConn) Close() error {
	return s.c.Close()
}

// StreamListener accepts StreamConns.
type StreamListener struct {
	ln net.Listener
}

func ListenStream(addr string) (*StreamListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("shim: listen stream %s: %w", addr, err)
	}
	return &StreamListener{ln: ln}, nil
}

func (l *StreamListener) Accept() (*StreamConn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return newStreamConn(c), nil
}

func (l *StreamListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *StreamListener) Close() error {
	return l.ln.Close()
}
