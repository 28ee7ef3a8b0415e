package endpoint

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danmuck/miknet/internal/observability"
	"github.com/danmuck/miknet/internal/protocol/conn"
	"github.com/danmuck/miknet/internal/protocol/cookie"
	"github.com/danmuck/miknet/internal/protocol/event"
	"github.com/danmuck/miknet/internal/protocol/gram"
	"github.com/danmuck/miknet/internal/protocol/timer"
	"github.com/danmuck/miknet/internal/shim"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// readBufferSize admits datagrams larger than the MTU so the codec, not the
// socket, rejects them.
const readBufferSize = 64 * 1024

// closeGrace bounds how long Close waits for connections to shut down.
const closeGrace = time.Second

type routeKey struct {
	token uint32
	peer  string
}

// Endpoint owns one datagram socket and every connection running over it.
type Endpoint struct {
	tr     shim.PacketTransport
	cfg    Config
	log    zerolog.Logger
	resp   *conn.Responder
	timers *timer.Runtime

	mu     sync.Mutex
	byID   map[string]*Conn
	routes map[routeKey]*Conn
	dials  map[string]*Conn
	closed bool

	accepts chan *Conn
	done    chan struct{}
	wg      sync.WaitGroup
}

// Listen opens a UDP socket on addr and serves it.
func Listen(addr string, cfg Config) (*Endpoint, error) {
	tr, err := shim.ListenUDP(addr)
	if err != nil {
		return nil, err
	}
	ep, err := New(tr, cfg)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return ep, nil
}

// New serves tr. The Endpoint takes ownership of tr and closes it on Close.
func New(tr shim.PacketTransport, cfg Config) (*Endpoint, error) {
	cfg = cfg.withDefaults()
	secret := cfg.CookieSecret
	if secret == nil {
		secret = cookie.Secret()
	}
	jar, err := cookie.NewJar(secret, cfg.Conn.CookieLifetime)
	if err != nil {
		return nil, err
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	ep := &Endpoint{
		tr:      tr,
		cfg:     cfg,
		log:     base.With().Str("component", "endpoint").Str("local", tr.LocalAddr().String()).Logger(),
		resp:    conn.NewResponder(jar, cfg.Conn, cfg.Random, time.Now),
		byID:    make(map[string]*Conn),
		routes:  make(map[routeKey]*Conn),
		dials:   make(map[string]*Conn),
		accepts: make(chan *Conn, cfg.AcceptBacklog),
		done:    make(chan struct{}),
	}
	ep.timers = timer.NewRuntime(ep.fireTimer)
	ep.wg.Add(1)
	go ep.readLoop()
	ep.log.Info().Msg("endpoint serving")
	return ep, nil
}

func (ep *Endpoint) LocalAddr() net.Addr {
	return ep.tr.LocalAddr()
}

// Dial runs the handshake with addr and returns the Established connection.
func (ep *Endpoint) Dial(ctx context.Context, addr string) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("endpoint: resolve %s: %w", addr, err)
	}
	c := ep.newConn(raddr, conn.RoleInitiator)
	c.m = conn.NewInitiator(conn.Options{
		ID:     c.id,
		Config: ep.cfg.Conn,
		Env:    connEnv{c},
		Timers: timer.NewSet(c.id, ep.timers),
		Random: ep.cfg.Random,
		Logger: &c.log,
	})

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := ep.dials[c.peerKey]; busy {
		ep.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDialInProgress, c.peerKey)
	}
	ep.dials[c.peerKey] = c
	ep.byID[c.id] = c
	ep.mu.Unlock()

	c.publish()
	ep.start(c)
	if err := c.call(ctx, event.Connect{}); err != nil {
		c.abort()
		return nil, err
	}
	select {
	case <-c.established:
		return c, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		c.abort()
		return nil, ctx.Err()
	}
}

// Accept returns the next connection established by a remote peer.
func (ep *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-ep.accepts:
		return c, nil
	case <-ep.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ConnInfo is one live connection as reported by Snapshot.
type ConnInfo struct {
	conn.Snapshot
	Peer  string
	Stats conn.Stats
}

// Snapshot lists live connections.
func (ep *Endpoint) Snapshot() []ConnInfo {
	ep.mu.Lock()
	conns := make([]*Conn, 0, len(ep.byID))
	for _, c := range ep.byID {
		conns = append(conns, c)
	}
	ep.mu.Unlock()
	out := make([]ConnInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnInfo{Snapshot: c.Snapshot(), Peer: c.peerKey, Stats: c.Stats()})
	}
	return out
}

// Close sends Shutdown on every Established connection and waits up to
// closeGrace for them to finish. Connections still open after that end with
// ErrClosed. Then it closes the socket.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	conns := make([]*Conn, 0, len(ep.byID))
	for _, c := range ep.byID {
		conns = append(conns, c)
	}
	ep.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	for _, c := range conns {
		_ = c.call(ctx, event.Disconnect{})
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
		}
	}
	cancel()

	close(ep.done)
	ep.timers.Stop()
	err := ep.tr.Close()
	ep.wg.Wait()
	ep.log.Info().Int("conns", len(conns)).Msg("endpoint closed")
	return err
}

func (ep *Endpoint) newConn(peer net.Addr, role conn.Role) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:          id,
		ep:          ep,
		peer:        peer,
		peerKey:     peer.String(),
		role:        role,
		log:         ep.log.With().Str("peer", peer.String()).Logger(),
		inbox:       make(chan envelope, ep.cfg.InboxSize),
		established: make(chan struct{}),
		done:        make(chan struct{}),
		notify:      make(chan struct{}, 1),
	}
}

func (ep *Endpoint) start(c *Conn) {
	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		c.run()
	}()
}

func (ep *Endpoint) readLoop() {
	defer ep.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, peer, err := ep.tr.Receive(buf)
		if err != nil {
			select {
			case <-ep.done:
				return
			default:
			}
			if errors.Is(err, shim.ErrClosed) {
				return
			}
			ep.log.Warn().Err(err).Msg("receive failed")
			continue
		}
		observability.RecordDatagram("in")
		ep.route(peer, bytes.Clone(buf[:n]))
	}
}

func (ep *Endpoint) lookup(key routeKey) *Conn {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.routes[key]
}

func (ep *Endpoint) route(peer net.Addr, b []byte) {
	msg, err := gram.Decode(b)
	if err != nil {
		// attribute to a connection when the header token still resolves
		if len(b) >= 4 {
			if c := ep.lookup(routeKey{token: binary.BigEndian.Uint32(b), peer: peer.String()}); c != nil {
				ep.deliver(c, event.InvalidMessage{Err: err})
				return
			}
		}
		ep.drop("invalid_message", peer, err)
		return
	}
	if len(msg.Units) == 0 {
		ep.drop("empty_message", peer, nil)
		return
	}

	if msg.Token != 0 {
		if c := ep.lookup(routeKey{token: msg.Token, peer: peer.String()}); c != nil {
			ep.deliver(c, event.Message{Message: msg})
			return
		}
		switch msg.Units[0].(type) {
		case gram.CookieEcho:
			ep.accept(peer, msg)
		case gram.Shutdown:
			ep.replyOutOfTheBlue(peer, msg.Token)
		default:
			ep.drop("unknown_token", peer, nil)
		}
		return
	}

	switch msg.Units[0].(type) {
	case gram.Init:
		ack, ok := ep.resp.HandleInit(peer.String(), msg)
		if !ok {
			ep.drop("unexpected_unit", peer, nil)
			return
		}
		ep.send(peer, ack)
	case gram.InitAck:
		ep.mu.Lock()
		c := ep.dials[peer.String()]
		ep.mu.Unlock()
		if c == nil {
			ep.drop("no_pending_dial", peer, nil)
			return
		}
		ep.deliver(c, event.Message{Message: msg})
	default:
		ep.drop("unexpected_unit", peer, nil)
	}
}

func (ep *Endpoint) deliver(c *Conn, ev event.Event) {
	if !c.offer(ev) {
		ep.drop("inbox_full", c.peer, nil)
	}
}

// accept validates a CookieEcho and only then allocates a connection.
func (ep *Endpoint) accept(peer net.Addr, msg gram.Message) {
	if len(ep.accepts) == cap(ep.accepts) {
		ep.drop("accept_backlog", peer, nil)
		return
	}
	ep.mu.Lock()
	closed := ep.closed
	ep.mu.Unlock()
	if closed {
		return
	}

	c, err := ep.establish(peer, msg)
	if err != nil {
		ep.drop("invalid_cookie", peer, err)
		return
	}
	if c.m.Terminated() {
		return
	}
	ep.admit(c)
}

func (ep *Endpoint) establish(peer net.Addr, msg gram.Message) (*Conn, error) {
	c := ep.newConn(peer, conn.RoleResponder)
	m, err := ep.resp.Accept(peer.String(), msg, conn.Options{
		ID:     c.id,
		Env:    connEnv{c},
		Timers: timer.NewSet(c.id, ep.timers),
		Logger: &c.log,
	})
	if err != nil {
		return nil, err
	}
	c.m = m
	c.publish()
	return c, nil
}

// admit hands an Established responder connection to Accept. When the backlog
// is full the connection is shut down and unrouted instead.
func (ep *Endpoint) admit(c *Conn) {
	ep.mu.Lock()
	ep.byID[c.id] = c
	ep.mu.Unlock()
	select {
	case ep.accepts <- c:
		ep.start(c)
	default:
		_ = c.m.Handle(event.Api{Call: event.Disconnect{}})
		c.finish(ErrAcceptBacklog)
		ep.drop("accept_backlog", c.peer, nil)
	}
}

func (ep *Endpoint) replyOutOfTheBlue(peer net.Addr, token uint32) {
	ep.log.Debug().Str("peer", peer.String()).Uint32("token", token).Msg("out of the blue shutdown")
	ep.send(peer, gram.Message{Token: token, Units: []gram.Unit{gram.ShutdownAck{}}})
}

func (ep *Endpoint) send(peer net.Addr, msg gram.Message) {
	b, err := gram.Encode(msg)
	if err != nil {
		ep.log.Error().Err(err).Msg("encode reply")
		return
	}
	if err := ep.tr.Send(peer, b); err != nil {
		ep.log.Warn().Err(err).Str("peer", peer.String()).Msg("send reply")
		return
	}
	observability.RecordDatagram("out")
}

func (ep *Endpoint) drop(reason string, peer net.Addr, err error) {
	observability.RecordDrop(reason)
	ev := ep.log.Debug().Str("reason", reason).Str("peer", peer.String())
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("datagram dropped")
}

func (ep *Endpoint) fireTimer(key timer.Key) {
	ep.mu.Lock()
	c := ep.byID[key.Conn]
	ep.mu.Unlock()
	if c != nil {
		c.post(event.Timer{Key: key})
	}
}

func (ep *Endpoint) bind(c *Conn, token uint32) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	c.token = token
	ep.routes[routeKey{token: token, peer: c.peerKey}] = c
	if ep.dials[c.peerKey] == c {
		delete(ep.dials, c.peerKey)
	}
}

func (ep *Endpoint) remove(c *Conn) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.byID, c.id)
	if ep.dials[c.peerKey] == c {
		delete(ep.dials, c.peerKey)
	}
	key := routeKey{token: c.token, peer: c.peerKey}
	if ep.routes[key] == c {
		delete(ep.routes, key)
	}
}
