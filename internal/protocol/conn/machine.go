package conn

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/miknet/internal/observability"
	"github.com/danmuck/miknet/internal/protocol/event"
	"github.com/danmuck/miknet/internal/protocol/gram"
	"github.com/danmuck/miknet/internal/protocol/timer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options wires a Machine to its collaborators.
type Options struct {
	ID     string
	Config Config
	Env    Env
	Timers *timer.Set
	// Random defaults to CryptoSource.
	Random Source
	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// Machine is one connection's state machine.
type Machine struct {
	id     string
	role   Role
	cfg    Config
	env    Env
	timers *timer.Set
	random Source
	log    zerolog.Logger

	state      State
	started    bool
	terminated bool

	token    uint32
	localSeq uint32
	peerSeq  uint32
	nextTSN  uint32
	cookie   []byte

	handshake   *gram.Message
	hsRetries   int
	dataRetries int

	sendOrdinal map[uint16]uint64
	streams     map[uint16]*reorder
	outstanding []gram.Data
	backlog     []gram.Data
	pending     []gram.Unit

	// peerShutdown holds the ShutdownAck until outstanding data is acked.
	peerShutdown bool

	lastInbound time.Time
	hbNonce     uint32
	stats       Stats
}

func newMachine(role Role, opts Options) *Machine {
	m := &Machine{
		id:          opts.ID,
		role:        role,
		cfg:         opts.Config.WithDefaults(),
		env:         opts.Env,
		timers:      opts.Timers,
		random:      opts.Random,
		sendOrdinal: make(map[uint16]uint64),
		streams:     make(map[uint16]*reorder),
		stats:       Stats{Dropped: make(map[DropReason]int)},
	}
	if m.random == nil {
		m.random = CryptoSource()
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}
	m.log = base.With().Str("conn", opts.ID).Str("role", role.String()).Logger()
	return m
}

// NewInitiator returns a Closed machine that starts the handshake on event.Connect.
func NewInitiator(opts Options) *Machine {
	return newMachine(RoleInitiator, opts)
}

func (m *Machine) ID() string    { return m.id }
func (m *Machine) State() State  { return m.state }
func (m *Machine) Token() uint32 { return m.token }

// Terminated reports whether the machine reached its final Closed state.
func (m *Machine) Terminated() bool { return m.terminated }

func (m *Machine) Stats() Stats {
	out := m.stats
	out.Dropped = make(map[DropReason]int, len(m.stats.Dropped))
	for k, v := range m.stats.Dropped {
		out.Dropped[k] = v
	}
	return out
}

func (m *Machine) Snapshot() Snapshot {
	buffered := 0
	for _, rb := range m.streams {
		buffered += len(rb.buffered)
	}
	return Snapshot{
		ID:          m.id,
		Role:        m.role,
		State:       m.state,
		Token:       m.token,
		LocalSeq:    m.localSeq,
		PeerSeq:     m.peerSeq,
		NextTSN:     m.nextTSN,
		Outstanding: len(m.outstanding),
		Backlog:     len(m.backlog),
		Buffered:    buffered,
		LastInbound: m.lastInbound,
	}
}

// Handle processes one event. The returned error is reserved for application
// calls that are rejected outright; connection failures are reported through
// Env.Closed.
func (m *Machine) Handle(ev event.Event) error {
	switch ev := ev.(type) {
	case event.Api:
		return m.handleCall(ev.Call)
	case event.Message:
		m.handleMessage(ev.Message)
	case event.Unit:
		m.handleUnit(ev)
		m.flush()
	case event.Timer:
		m.handleTimer(ev.Key)
	case event.InvalidMessage:
		m.drop(DropInvalid)
	default:
		return fmt.Errorf("conn: unhandled event %T", ev)
	}
	return nil
}

func (m *Machine) handleCall(call event.Call) error {
	switch c := call.(type) {
	case event.Connect:
		if m.terminated {
			return ErrNotConnected
		}
		if m.started {
			return ErrAlreadyStarted
		}
		m.connect()
		return nil
	case event.Send:
		return m.send(c.Stream, c.Payload)
	case event.Disconnect:
		return m.disconnect()
	default:
		return fmt.Errorf("conn: unhandled call %T", call)
	}
}

func (m *Machine) connect() {
	m.started = true
	m.localSeq = m.random.Uint32()
	m.nextTSN = m.localSeq
	m.state = InitSent
	m.handshake = &gram.Message{Units: []gram.Unit{gram.Init{Token: 0, Seq: m.localSeq}}}
	m.hsRetries = 0
	m.log.Debug().Uint32("seq", m.localSeq).Msg("init sent")
	if m.transmit(*m.handshake) {
		m.timers.Arm(timer.Handshake, m.backoff(1))
	}
}

func (m *Machine) send(stream uint16, payload []byte) error {
	if m.terminated || !m.started {
		return ErrNotConnected
	}
	if m.state == Closing {
		return ErrClosing
	}
	m.sendOrdinal[stream]++
	d := gram.Data{
		TSN:     m.nextTSN,
		Stream:  stream,
		Ordinal: m.sendOrdinal[stream],
		Payload: bytes.Clone(payload),
	}
	m.nextTSN++
	if m.state != Established {
		m.backlog = append(m.backlog, d)
		return nil
	}
	m.outstanding = append(m.outstanding, d)
	if m.transmit(gram.Message{Token: m.token, Units: []gram.Unit{d}}) && !m.timers.Armed(timer.Retransmit) {
		m.dataRetries = 0
		m.timers.Arm(timer.Retransmit, m.backoff(1))
	}
	return nil
}

func (m *Machine) disconnect() error {
	if m.terminated || !m.started {
		return ErrNotConnected
	}
	switch m.state {
	case InitSent, CookieEchoed:
		m.terminate(nil)
	case Established:
		m.enterClosing()
		if len(m.outstanding) == 0 {
			m.sendShutdown()
			return nil
		}
		m.log.Debug().Int("outstanding", len(m.outstanding)).Msg("shutdown pending")
	}
	return nil
}

// enterClosing stops keepalives and bounds the rest of the close by linger.
// Outstanding data keeps its retransmit timer.
func (m *Machine) enterClosing() {
	if m.state == Closing {
		return
	}
	m.state = Closing
	m.timers.Disarm(timer.Keepalive)
	m.timers.Arm(timer.Linger, m.cfg.LingerTimeout)
}

func (m *Machine) sendShutdown() {
	m.handshake = &gram.Message{Token: m.token, Units: []gram.Unit{gram.Shutdown{}}}
	m.hsRetries = 0
	m.log.Debug().Msg("shutdown sent")
	if m.transmit(*m.handshake) {
		m.timers.Arm(timer.Handshake, m.backoff(1))
	}
}

// drained completes a pending close once nothing is outstanding.
func (m *Machine) drained() {
	if m.state != Closing || len(m.outstanding) > 0 {
		return
	}
	if m.peerShutdown {
		m.pending = append(m.pending, gram.ShutdownAck{})
		m.flush()
		m.log.Debug().Msg("peer shutdown acknowledged")
		m.terminate(nil)
		return
	}
	if m.handshake == nil {
		m.sendShutdown()
	}
}

func (m *Machine) tokenOK(token uint32) bool {
	return token == m.token
}

func (m *Machine) handleMessage(msg gram.Message) {
	if m.terminated {
		m.drop(DropClosed)
		return
	}
	if !m.tokenOK(msg.Token) {
		m.drop(DropToken)
		return
	}
	for _, ev := range event.Expand(msg) {
		m.handleUnit(ev.(event.Unit))
	}
	m.flush()
}

func (m *Machine) handleUnit(ev event.Unit) {
	if m.terminated {
		m.drop(DropClosed)
		return
	}
	if !m.tokenOK(ev.Token) {
		m.drop(DropToken)
		return
	}
	m.lastInbound = m.timers.Now()

	switch u := ev.Unit.(type) {
	case gram.Init:
		m.drop(DropUnexpected)
	case gram.InitAck:
		m.onInitAck(u)
	case gram.CookieEcho:
		if m.role == RoleResponder && (m.state == Established || m.state == Closing) && bytes.Equal(u.Cookie, m.cookie) {
			m.pending = append(m.pending, gram.CookieAck{})
			return
		}
		m.drop(DropUnexpected)
	case gram.CookieAck:
		if m.state != CookieEchoed {
			m.drop(DropUnexpected)
			return
		}
		m.establish()
	case gram.Data:
		if m.state != Established && m.state != Closing {
			m.drop(DropUnexpected)
			return
		}
		m.receive(u)
	case gram.Ack:
		m.ack(u.TSN)
	case gram.Shutdown:
		if m.state != Established && m.state != Closing {
			m.drop(DropUnexpected)
			return
		}
		m.log.Debug().Int("outstanding", len(m.outstanding)).Msg("peer shutdown")
		m.peerShutdown = true
		m.enterClosing()
		m.drained()
	case gram.ShutdownAck:
		if m.state != Closing {
			m.drop(DropUnexpected)
			return
		}
		m.terminate(nil)
	case gram.Heartbeat:
		if m.state == Established || m.state == Closing {
			m.pending = append(m.pending, gram.HeartbeatAck{Nonce: u.Nonce})
		}
	case gram.HeartbeatAck:
		if u.Nonce != m.hbNonce {
			m.drop(DropUnexpected)
		}
	default:
		m.drop(DropUnexpected)
	}
}

func (m *Machine) onInitAck(u gram.InitAck) {
	if m.state != InitSent || u.Token == 0 {
		m.drop(DropUnexpected)
		return
	}
	m.token = u.Token
	m.peerSeq = u.Seq
	m.cookie = bytes.Clone(u.Cookie)
	m.state = CookieEchoed
	m.env.Bind(m.token)

	echo := gram.Message{Token: m.token, Units: []gram.Unit{gram.CookieEcho{Cookie: m.cookie}}}
	for len(m.backlog) > 0 && gram.Fits(echo, m.backlog[0]) {
		echo.Units = append(echo.Units, m.backlog[0])
		m.outstanding = append(m.outstanding, m.backlog[0])
		m.backlog = m.backlog[1:]
	}
	m.handshake = &echo
	m.hsRetries = 0
	m.log.Debug().Uint32("token", m.token).Int("piggyback", len(echo.Units)-1).Msg("cookie echoed")
	if m.transmit(echo) {
		m.timers.Arm(timer.Handshake, m.backoff(1))
	}
}

func (m *Machine) establish() {
	m.state = Established
	m.handshake = nil
	m.timers.Disarm(timer.Handshake)
	m.timers.Arm(timer.Keepalive, m.cfg.KeepaliveInterval)
	observability.RecordHandshake(m.role.String(), "established")
	m.log.Info().Uint32("token", m.token).Msg("established")
	m.env.Established()

	if len(m.backlog) > 0 {
		units := make([]gram.Unit, 0, len(m.backlog))
		for _, d := range m.backlog {
			units = append(units, d)
		}
		m.outstanding = append(m.outstanding, m.backlog...)
		m.backlog = nil
		if !m.transmitUnits(units) {
			return
		}
	}
	if len(m.outstanding) > 0 {
		m.dataRetries = 0
		m.timers.Arm(timer.Retransmit, m.backoff(1))
	}
}

func (m *Machine) receive(d gram.Data) {
	m.pending = append(m.pending, gram.Ack{TSN: d.TSN})
	rb, ok := m.streams[d.Stream]
	if !ok {
		rb = newReorder()
		m.streams[d.Stream] = rb
	}
	if d.Ordinal < rb.next {
		m.stats.Duplicates++
		return
	}
	if d.Ordinal-rb.next >= m.cfg.ReorderWindow {
		// unacked: the sender retransmits once the window has moved
		m.pending = m.pending[:len(m.pending)-1]
		m.drop(DropReorderWindow)
		return
	}
	if _, dup := rb.buffered[d.Ordinal]; dup {
		m.stats.Duplicates++
		return
	}
	rb.buffered[d.Ordinal] = d.Payload
	for {
		payload, ok := rb.buffered[rb.next]
		if !ok {
			break
		}
		delete(rb.buffered, rb.next)
		m.stats.Delivered++
		m.env.Deliver(Delivery{
			Position: gram.StreamPosition{Stream: d.Stream, Ordinal: rb.next},
			Payload:  payload,
		})
		rb.next++
	}
}

func (m *Machine) ack(tsn uint32) {
	for i, d := range m.outstanding {
		if d.TSN != tsn {
			continue
		}
		m.outstanding = append(m.outstanding[:i], m.outstanding[i+1:]...)
		m.dataRetries = 0
		if len(m.outstanding) == 0 {
			m.timers.Disarm(timer.Retransmit)
			m.drained()
		} else if m.established() {
			m.timers.Arm(timer.Retransmit, m.backoff(1))
		}
		return
	}
}

func (m *Machine) handleTimer(key timer.Key) {
	if !m.timers.Live(key) {
		m.drop(DropStaleTimer)
		return
	}
	switch key.Purpose {
	case timer.Handshake:
		m.retryHandshake()
	case timer.Retransmit:
		m.retransmit()
	case timer.Linger:
		if m.state != Closing {
			return
		}
		if len(m.outstanding) > 0 {
			m.fail(ErrLingerTimeout)
			return
		}
		m.log.Debug().Msg("linger expired")
		m.terminate(nil)
	case timer.Keepalive:
		m.keepalive()
	}
}

func (m *Machine) retryHandshake() {
	if m.handshake == nil {
		return
	}
	if m.hsRetries >= m.cfg.HandshakeRetries {
		if m.state == Closing {
			m.terminate(nil)
			return
		}
		m.fail(ErrHandshakeTimeout)
		return
	}
	m.hsRetries++
	m.stats.Retransmits++
	observability.RecordRetransmits("handshake", 1)
	m.log.Debug().Int("attempt", m.hsRetries).Str("state", m.state.String()).Msg("handshake retry")
	if m.transmit(*m.handshake) {
		m.timers.Arm(timer.Handshake, m.backoff(m.hsRetries+1))
	}
}

func (m *Machine) retransmit() {
	if len(m.outstanding) == 0 || !m.established() {
		return
	}
	if m.dataRetries >= m.cfg.DataRetries {
		m.fail(ErrRetransmitTimeout)
		return
	}
	m.dataRetries++
	units := make([]gram.Unit, 0, len(m.outstanding))
	for _, d := range m.outstanding {
		units = append(units, d)
	}
	m.stats.Retransmits += len(units)
	observability.RecordRetransmits("data", len(units))
	m.log.Debug().Int("attempt", m.dataRetries).Int("units", len(units)).Msg("data retransmit")
	if m.transmitUnits(units) {
		m.timers.Arm(timer.Retransmit, m.backoff(m.dataRetries+1))
	}
}

func (m *Machine) keepalive() {
	if m.state != Established {
		return
	}
	idle := m.timers.Now().Sub(m.lastInbound)
	if idle >= m.cfg.IdleTimeout {
		m.fail(ErrIdleTimeout)
		return
	}
	if idle >= m.cfg.KeepaliveInterval {
		m.hbNonce++
		if !m.transmit(gram.Message{Token: m.token, Units: []gram.Unit{gram.Heartbeat{Nonce: m.hbNonce}}}) {
			return
		}
	}
	m.timers.Arm(timer.Keepalive, m.cfg.KeepaliveInterval)
}

// flush sends the acknowledgments and replies queued while handling input.
func (m *Machine) flush() {
	if len(m.pending) == 0 {
		return
	}
	units := m.pending
	m.pending = nil
	m.transmitUnits(units)
}

func (m *Machine) transmitUnits(units []gram.Unit) bool {
	msgs, err := gram.Pack(m.token, units)
	if err != nil {
		m.fail(fmt.Errorf("%w: %w", ErrOversize, err))
		return false
	}
	for _, msg := range msgs {
		if !m.transmit(msg) {
			return false
		}
	}
	return true
}

// transmit encodes and hands msg to the Env. It returns false once the
// connection has failed.
func (m *Machine) transmit(msg gram.Message) bool {
	b, err := gram.Encode(msg)
	if err != nil {
		m.fail(fmt.Errorf("%w: %w", ErrOversize, err))
		return false
	}
	m.stats.Sent++
	if err := m.env.Transmit(b); err != nil {
		// datagram loss; retry timers cover it
		m.log.Warn().Err(err).Msg("transmit failed")
	}
	return true
}

func (m *Machine) backoff(attempt int) time.Duration {
	return timer.NextDelay(m.cfg.Backoff, attempt, nil)
}

func (m *Machine) drop(reason DropReason) {
	m.stats.Dropped[reason]++
	observability.RecordDrop(string(reason))
}

func (m *Machine) fail(err error) {
	if m.terminated {
		return
	}
	m.log.Warn().Err(err).Str("state", m.state.String()).Msg("connection failed")
	var te *TimeoutError
	if errors.As(err, &te) && !m.established() {
		observability.RecordHandshake(m.role.String(), "timeout")
	}
	m.terminate(err)
}

func (m *Machine) established() bool {
	return m.state == Established || m.state == Closing
}

func (m *Machine) terminate(err error) {
	if m.terminated {
		return
	}
	m.terminated = true
	m.state = Closed
	m.handshake = nil
	m.pending = nil
	m.outstanding = nil
	m.backlog = nil
	m.timers.Close()
	outcome := "orderly"
	if err != nil {
		outcome = "failed"
	}
	observability.RecordClosed(outcome)
	m.log.Info().Str("outcome", outcome).Msg("closed")
	m.env.Closed(err)
}
