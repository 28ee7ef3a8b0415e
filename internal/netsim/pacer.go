package netsim

import (
	"sync"
	"time"
)

// rateQueue is how much send backlog a rate-limited Lossy holds before it
// tail-drops.
const rateQueue = 500 * time.Millisecond

// Pacer serializes bytes onto a link of fixed bandwidth.
type Pacer struct {
	mu    sync.Mutex
	bps   float64
	limit time.Duration
	free  time.Time
	now   func() time.Time
}

// NewPacer models a kbps link (1 kbit = 1000 bits). A positive limit bounds
// the backlog Reserve accepts.
func NewPacer(kbps int, limit time.Duration) *Pacer {
	return &Pacer{bps: float64(kbps) * 1000, limit: limit, now: time.Now}
}

// Reserve books n bytes and returns how long until they are fully on the wire.
// ok is false, and nothing is booked, when the backlog ahead exceeds the limit.
func (p *Pacer) Reserve(n int) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	start := p.free
	if start.Before(now) {
		start = now
	}
	if p.limit > 0 && start.Sub(now) > p.limit {
		return 0, false
	}
	p.free = start.Add(time.Duration(float64(n*8) / p.bps * float64(time.Second)))
	return p.free.Sub(now), true
}
