package conn

import (
	"testing"
	"time"

	"github.com/danmuck/miknet/internal/protocol/cookie"
	"github.com/danmuck/miknet/internal/protocol/event"
	"github.com/danmuck/miknet/internal/protocol/gram"
	"github.com/danmuck/miknet/internal/protocol/timer"
)

const peerAddr = "192.0.2.10:7400"

type recorder struct {
	sent        [][]byte
	bound       []uint32
	established int
	delivered   []Delivery
	closed      []error
}

func (r *recorder) Transmit(b []byte) error { r.sent = append(r.sent, b); return nil }
func (r *recorder) Bind(token uint32)       { r.bound = append(r.bound, token) }
func (r *recorder) Established()            { r.established++ }
func (r *recorder) Deliver(d Delivery)      { r.delivered = append(r.delivered, d) }
func (r *recorder) Closed(err error)        { r.closed = append(r.closed, err) }

type fixedSource struct {
	vals []uint32
	i    int
}

func (f *fixedSource) Uint32() uint32 {
	v := f.vals[f.i%len(f.vals)]
	f.i++
	return v
}

type wired struct {
	fromA bool
	msg   gram.Message
}

// link wires an initiator to a responder through an in-memory wire driven by
// a manual clock.
type link struct {
	t      *testing.T
	clock  *timer.Manual
	resp   *Responder
	a, b   *Machine
	ra, rb *recorder
	ca, cb int
	wire   []wired
	// drop suppresses a Message in flight. fromA is true for initiator output.
	drop func(fromA bool, msg gram.Message) bool
}

func newLink(t *testing.T, cfg Config) *link {
	t.Helper()
	clock := timer.NewManual(time.Unix(1_700_000_000, 0))
	jar, err := cookie.NewJar(cookie.Secret(), cfg.WithDefaults().CookieLifetime)
	if err != nil {
		t.Fatalf("new jar: %v", err)
	}
	l := &link{
		t:     t,
		clock: clock,
		resp:  NewResponder(jar, cfg, &fixedSource{vals: []uint32{42, 7}}, clock.Now),
		ra:    &recorder{},
		rb:    &recorder{},
	}
	l.a = NewInitiator(Options{
		ID:     "a",
		Config: cfg,
		Env:    l.ra,
		Timers: timer.NewSet("a", clock),
		Random: &fixedSource{vals: []uint32{100}},
	})
	return l
}

func (l *link) call(m *Machine, c event.Call) error {
	return m.Handle(event.Api{Call: c})
}

func (l *link) connect() {
	l.t.Helper()
	if err := l.call(l.a, event.Connect{}); err != nil {
		l.t.Fatalf("connect: %v", err)
	}
	l.pump()
}

func (l *link) established() {
	l.t.Helper()
	l.connect()
	if l.a.State() != Established || l.b == nil || l.b.State() != Established {
		l.t.Fatalf("handshake did not complete: initiator=%s responder=%v", l.a.State(), l.b)
	}
}

// pump moves transmitted datagrams across the wire until both sides are quiet.
func (l *link) pump() {
	l.t.Helper()
	for moved := true; moved; {
		moved = false
		for l.ca < len(l.ra.sent) {
			b := l.ra.sent[l.ca]
			l.ca++
			moved = true
			msg := l.record(true, b)
			if l.drop != nil && l.drop(true, msg) {
				continue
			}
			l.toResponder(b, msg)
		}
		for l.cb < len(l.rb.sent) {
			b := l.rb.sent[l.cb]
			l.cb++
			moved = true
			msg := l.record(false, b)
			if l.drop != nil && l.drop(false, msg) {
				continue
			}
			l.a.Handle(event.FromDatagram(b))
		}
	}
}

func (l *link) record(fromA bool, b []byte) gram.Message {
	l.t.Helper()
	msg, err := gram.Decode(b)
	if err != nil {
		l.t.Fatalf("decode transmitted datagram: %v", err)
	}
	l.wire = append(l.wire, wired{fromA: fromA, msg: msg})
	return msg
}

func (l *link) toResponder(b []byte, msg gram.Message) {
	l.t.Helper()
	if l.b != nil {
		l.b.Handle(event.FromDatagram(b))
		return
	}
	if msg.Token == 0 {
		ack, ok := l.resp.HandleInit(peerAddr, msg)
		if !ok {
			return
		}
		out, err := gram.Encode(ack)
		if err != nil {
			l.t.Fatalf("encode init ack: %v", err)
		}
		l.wire = append(l.wire, wired{msg: ack})
		if l.drop != nil && l.drop(false, ack) {
			return
		}
		l.a.Handle(event.FromDatagram(out))
		return
	}
	m, err := l.resp.Accept(peerAddr, msg, Options{ID: "b", Env: l.rb, Timers: timer.NewSet("b", l.clock)})
	if err == nil {
		l.b = m
	}
}

// advance runs every timer due within d, pumping the wire after each batch.
func (l *link) advance(d time.Duration) {
	l.t.Helper()
	deadline := l.clock.Now().Add(d)
	for {
		next, ok := l.clock.Next()
		if !ok || l.clock.Now().Add(next).After(deadline) {
			break
		}
		for _, key := range l.clock.Advance(next) {
			switch {
			case key.Conn == "a":
				l.a.Handle(event.Timer{Key: key})
			case key.Conn == "b" && l.b != nil:
				l.b.Handle(event.Timer{Key: key})
			}
		}
		l.pump()
	}
	if rest := deadline.Sub(l.clock.Now()); rest > 0 {
		l.clock.Advance(rest)
	}
}

// count reports how many units of kind one side put on the wire.
func (l *link) count(fromA bool, kind gram.Kind) int {
	n := 0
	for _, w := range l.wire {
		if w.fromA != fromA {
			continue
		}
		for _, u := range w.msg.Units {
			if u.Kind() == kind {
				n++
			}
		}
	}
	return n
}

func dropAll(bool, gram.Message) bool { return true }
