package endpoint

import (
	"context"
	"io"
	"iter"
	"net"
	"sync"
	"sync/atomic"

	"github.com/danmuck/miknet/internal/observability"
	"github.com/danmuck/miknet/internal/protocol/conn"
	"github.com/danmuck/miknet/internal/protocol/event"
	"github.com/danmuck/miknet/internal/protocol/gram"
	"github.com/rs/zerolog"
)

// Delivery is one payload released in stream order.
type Delivery = conn.Delivery

type envelope struct {
	ev    event.Event
	reply chan error
}

// Conn is the application handle of one connection. Its methods are safe for
// concurrent use; the state machine itself only runs on the connection's own
// goroutine.
type Conn struct {
	id      string
	ep      *Endpoint
	peer    net.Addr
	peerKey string
	role    conn.Role
	log     zerolog.Logger
	m       *conn.Machine
	token   uint32 // guarded by ep.mu

	inbox       chan envelope
	established chan struct{}
	estOnce     sync.Once
	done        chan struct{}
	doneOnce    sync.Once
	err         error

	snap  atomic.Pointer[conn.Snapshot]
	stats atomic.Pointer[conn.Stats]

	qmu    sync.Mutex
	queue  []Delivery
	notify chan struct{}
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) RemoteAddr() net.Addr { return c.peer }
func (c *Conn) Role() conn.Role      { return c.role }

// Done is closed once the connection reached its final state.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err is the terminal error, nil while open or after an orderly close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) Snapshot() conn.Snapshot {
	if s := c.snap.Load(); s != nil {
		return *s
	}
	return conn.Snapshot{ID: c.id, Role: c.role}
}

func (c *Conn) Stats() conn.Stats {
	if s := c.stats.Load(); s != nil {
		return *s
	}
	return conn.Stats{}
}

// Send queues b for reliable ordered delivery on stream. It returns once the
// state machine accepted the data, not when the peer acknowledged it.
func (c *Conn) Send(ctx context.Context, stream uint16, b []byte) error {
	if len(b) > gram.MaxPayload {
		return ErrPayloadTooLarge
	}
	return c.call(ctx, event.Send{Stream: stream, Payload: b})
}

// Disconnect starts an orderly close and waits until the peer acknowledged it
// or the linger period ran out.
func (c *Conn) Disconnect(ctx context.Context) error {
	if err := c.call(ctx, event.Disconnect{}); err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next delivery. After the connection closed and every
// buffered delivery was read it returns io.EOF, or the failure that closed it.
func (c *Conn) Receive(ctx context.Context) (Delivery, error) {
	for {
		c.qmu.Lock()
		if len(c.queue) > 0 {
			d := c.queue[0]
			c.queue[0] = Delivery{}
			c.queue = c.queue[1:]
			c.qmu.Unlock()
			return d, nil
		}
		c.qmu.Unlock()

		select {
		case <-c.done:
			c.qmu.Lock()
			pending := len(c.queue)
			c.qmu.Unlock()
			if pending > 0 {
				continue
			}
			if c.err != nil {
				return Delivery{}, c.err
			}
			return Delivery{}, io.EOF
		default:
		}

		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

// Deliveries yields deliveries until the connection closes or ctx ends. The
// sequence is not restartable: once closed it yields nothing.
func (c *Conn) Deliveries(ctx context.Context) iter.Seq[Delivery] {
	return func(yield func(Delivery) bool) {
		for {
			d, err := c.Receive(ctx)
			if err != nil {
				return
			}
			if !yield(d) {
				return
			}
		}
	}
}

func (c *Conn) run() {
	for {
		select {
		case env := <-c.inbox:
			err := c.m.Handle(env.ev)
			c.publish()
			if env.reply != nil {
				env.reply <- err
			}
			if c.m.Terminated() {
				return
			}
		case <-c.ep.done:
			c.finish(ErrClosed)
			return
		}
	}
}

func (c *Conn) publish() {
	snap := c.m.Snapshot()
	stats := c.m.Stats()
	c.snap.Store(&snap)
	c.stats.Store(&stats)
}

// post hands ev to the connection goroutine without waiting for it to be
// handled. It blocks while the inbox is full.
func (c *Conn) post(ev event.Event) {
	select {
	case c.inbox <- envelope{ev: ev}:
	case <-c.done:
	case <-c.ep.done:
	}
}

// offer is post for inbound datagrams: a full inbox drops the event instead of
// stalling the shared read loop. The peer retransmits what was lost.
func (c *Conn) offer(ev event.Event) bool {
	select {
	case c.inbox <- envelope{ev: ev}:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) call(ctx context.Context, call event.Call) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- envelope{ev: event.Api{Call: call}, reply: reply}:
	case <-c.done:
		return conn.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return conn.ErrNotConnected
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort tears down a dial nobody waits for anymore.
func (c *Conn) abort() {
	select {
	case c.inbox <- envelope{ev: event.Api{Call: event.Disconnect{}}}:
	case <-c.done:
	default:
		c.log.Warn().Msg("inbox full, abandoning dial")
	}
}

func (c *Conn) finish(err error) {
	c.doneOnce.Do(func() {
		c.ep.remove(c)
		c.err = err
		close(c.done)
	})
}

// connEnv is the state machine's view of its connection.
type connEnv struct {
	c *Conn
}

func (e connEnv) Transmit(b []byte) error {
	if err := e.c.ep.tr.Send(e.c.peer, b); err != nil {
		return err
	}
	observability.RecordDatagram("out")
	return nil
}

func (e connEnv) Bind(token uint32) {
	e.c.ep.bind(e.c, token)
}

func (e connEnv) Established() {
	e.c.estOnce.Do(func() { close(e.c.established) })
}

func (e connEnv) Deliver(d Delivery) {
	c := e.c
	c.qmu.Lock()
	c.queue = append(c.queue, d)
	c.qmu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (e connEnv) Closed(err error) {
	e.c.finish(err)
}
