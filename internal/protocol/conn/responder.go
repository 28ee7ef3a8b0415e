package conn

import (
	"bytes"
	"time"

	"github.com/danmuck/miknet/internal/observability"
	"github.com/danmuck/miknet/internal/protocol/cookie"
	"github.com/danmuck/miknet/internal/protocol/event"
	"github.com/danmuck/miknet/internal/protocol/gram"
	"github.com/danmuck/miknet/internal/protocol/timer"
)

// Responder answers Init without allocating anything and turns a valid
// CookieEcho into an Established Machine. It is safe for concurrent use as
// long as its Source is.
type Responder struct {
	jar    *cookie.Jar
	cfg    Config
	random Source
	now    func() time.Time
}

func NewResponder(jar *cookie.Jar, cfg Config, random Source, now func() time.Time) *Responder {
	if random == nil {
		random = CryptoSource()
	}
	if now == nil {
		now = time.Now
	}
	return &Responder{jar: jar, cfg: cfg.WithDefaults(), random: random, now: now}
}

// HandleInit returns the InitAck for an Init message from peer. ok is false
// when msg is not a well-formed Init.
func (r *Responder) HandleInit(peer string, msg gram.Message) (gram.Message, bool) {
	if msg.Token != 0 || len(msg.Units) == 0 {
		return gram.Message{}, false
	}
	init, ok := msg.Units[0].(gram.Init)
	if !ok {
		return gram.Message{}, false
	}
	p := cookie.Params{
		Peer:      peer,
		InitToken: init.Token,
		InitSeq:   init.Seq,
		Token:     nonZero(r.random),
		Seq:       r.random.Uint32(),
		IssuedAt:  r.now(),
	}
	return gram.Message{
		Token: 0,
		Units: []gram.Unit{gram.InitAck{Token: p.Token, Seq: p.Seq, Cookie: r.jar.Issue(p)}},
	}, true
}

// Accept validates the CookieEcho leading msg. Only on success is a Machine
// allocated; it is Established, has queued its CookieAck and has processed the
// rest of msg. opts.Config and opts.Random default to the Responder's.
func (r *Responder) Accept(peer string, msg gram.Message, opts Options) (*Machine, error) {
	if len(msg.Units) == 0 {
		return nil, ErrNoCookie
	}
	echo, ok := msg.Units[0].(gram.CookieEcho)
	if !ok {
		return nil, ErrNoCookie
	}
	p, err := r.jar.Verify(peer, echo.Cookie, r.now())
	if err != nil {
		return nil, err
	}
	if p.Token != msg.Token {
		return nil, ErrCookieToken
	}

	if opts.Config == (Config{}) {
		opts.Config = r.cfg
	}
	if opts.Random == nil {
		opts.Random = r.random
	}
	m := newMachine(RoleResponder, opts)
	m.started = true
	m.state = Established
	m.token = p.Token
	m.localSeq = p.Seq
	m.nextTSN = p.Seq
	m.peerSeq = p.InitSeq
	m.cookie = bytes.Clone(echo.Cookie)
	m.lastInbound = m.timers.Now()

	m.env.Bind(m.token)
	observability.RecordHandshake(m.role.String(), "established")
	m.log.Info().Str("peer", peer).Uint32("token", m.token).Msg("established")
	m.env.Established()

	m.pending = append(m.pending, gram.CookieAck{})
	m.timers.Arm(timer.Keepalive, m.cfg.KeepaliveInterval)
	for _, ev := range event.Expand(msg)[1:] {
		m.handleUnit(ev.(event.Unit))
	}
	m.flush()
	return m, nil
}
