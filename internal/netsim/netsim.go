// Package netsim degrades a PacketTransport with seeded loss, delay, jitter
// and a bandwidth cap.
package netsim

import (
	"bytes"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/miknet/internal/protocol/gram"
	"github.com/danmuck/miknet/internal/shim"
	"github.com/rs/zerolog/log"
)

// Config describes outbound link conditions.
type Config struct {
	// Loss is the probability in [0,1] that a datagram is dropped.
	Loss   float64
	Delay  time.Duration
	Jitter time.Duration
	// RateLimitKbps caps outbound bandwidth; zero is unlimited. Datagrams
	// beyond the send queue are dropped.
	RateLimitKbps int
	Seed          int64
}

// Filter drops a datagram when it returns true.
type Filter func(peer net.Addr, b []byte) bool

// Stats counts what the simulated link did.
type Stats struct {
	Sent    uint64
	Dropped uint64
}

// Lossy wraps a PacketTransport. Receive, LocalAddr and Close pass through.
type Lossy struct {
	inner shim.PacketTransport
	cfg   Config

	mu     sync.Mutex
	rng    *rand.Rand
	filter Filter
	pacer  *Pacer

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func Wrap(inner shim.PacketTransport, cfg Config) *Lossy {
	l := &Lossy{
		inner: inner,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	if cfg.RateLimitKbps > 0 {
		l.pacer = NewPacer(cfg.RateLimitKbps, rateQueue)
	}
	return l
}

// SetFilter installs f, replacing any previous filter. nil removes it.
func (l *Lossy) SetFilter(f Filter) {
	l.mu.Lock()
	l.filter = f
	l.mu.Unlock()
}

func (l *Lossy) Send(peer net.Addr, b []byte) error {
	l.mu.Lock()
	filter := l.filter
	lost := l.cfg.Loss > 0 && l.rng.Float64() < l.cfg.Loss
	delay := l.cfg.Delay
	if l.cfg.Jitter > 0 {
		delay += time.Duration(l.rng.Int63n(int64(l.cfg.Jitter)))
	}
	l.mu.Unlock()

	if lost || (filter != nil && filter(peer, b)) {
		l.dropped.Add(1)
		return nil
	}
	if l.pacer != nil {
		wait, ok := l.pacer.Reserve(len(b))
		if !ok {
			l.dropped.Add(1)
			return nil
		}
		delay += wait
	}
	l.sent.Add(1)
	if delay <= 0 {
		return l.inner.Send(peer, b)
	}
	out := bytes.Clone(b)
	time.AfterFunc(delay, func() {
		if err := l.inner.Send(peer, out); err != nil {
			log.Debug().Err(err).Str("peer", peer.String()).Msg("delayed send failed")
		}
	})
	return nil
}

func (l *Lossy) Receive(buf []byte) (int, net.Addr, error) {
	return l.inner.Receive(buf)
}

func (l *Lossy) LocalAddr() net.Addr {
	return l.inner.LocalAddr()
}

func (l *Lossy) Close() error {
	return l.inner.Close()
}

func (l *Lossy) Stats() Stats {
	return Stats{Sent: l.sent.Load(), Dropped: l.dropped.Load()}
}

// DropKinds returns a Filter that drops any Message carrying one of kinds.
// Undecodable datagrams pass.
func DropKinds(kinds ...gram.Kind) Filter {
	return func(_ net.Addr, b []byte) bool {
		msg, err := gram.Decode(b)
		if err != nil {
			return false
		}
		for _, u := range msg.Units {
			for _, k := range kinds {
				if u.Kind() == k {
					return true
				}
			}
		}
		return false
	}
}
