package timer

import (
	"fmt"
	"time"
)

// Purpose is the logical action a timer drives.
type Purpose uint8

const (
	Handshake Purpose = iota
	Retransmit
	Linger
	Keepalive

	purposeCount
)

func (p Purpose) String() string {
	switch p {
	case Handshake:
		return "handshake"
	case Retransmit:
		return "retransmit"
	case Linger:
		return "linger"
	case Keepalive:
		return "keepalive"
	default:
		return fmt.Sprintf("purpose(%d)", uint8(p))
	}
}

// Key identifies one scheduled firing.
type Key struct {
	Conn       string
	Purpose    Purpose
	Generation uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Conn, k.Purpose, k.Generation)
}

// Scheduler fires keys after a delay. Fired keys are delivered through whatever
// callback the implementation was built with.
type Scheduler interface {
	Schedule(key Key, after time.Duration)
	// Cancel drops pending firings for conn. Firings already in flight may still arrive.
	Cancel(conn string)
	Now() time.Time
}

// Set tracks the live generation of each purpose for one connection.
// It is owned by the connection's event loop and is not safe for concurrent use.
type Set struct {
	conn   string
	sched  Scheduler
	gens   [purposeCount]uint64
	armed  [purposeCount]bool
	closed bool
}

func NewSet(conn string, sched Scheduler) *Set {
	return &Set{conn: conn, sched: sched}
}

func (s *Set) Conn() string {
	return s.conn
}

// Arm supersedes any pending timer for p and schedules a new one.
func (s *Set) Arm(p Purpose, after time.Duration) Key {
	s.gens[p]++
	key := Key{Conn: s.conn, Purpose: p, Generation: s.gens[p]}
	if s.closed {
		return key
	}
	s.armed[p] = true
	s.sched.Schedule(key, after)
	return key
}

// Disarm invalidates any pending timer for p.
func (s *Set) Disarm(p Purpose) {
	if !s.armed[p] {
		return
	}
	s.gens[p]++
	s.armed[p] = false
}

func (s *Set) Armed(p Purpose) bool {
	return !s.closed && s.armed[p]
}

// Live reports whether key is the newest armed generation of an open set.
// A live key is consumed: the purpose counts as unarmed until re-armed.
func (s *Set) Live(key Key) bool {
	if s.closed || key.Conn != s.conn || key.Purpose >= purposeCount {
		return false
	}
	if !s.armed[key.Purpose] || s.gens[key.Purpose] != key.Generation {
		return false
	}
	s.armed[key.Purpose] = false
	return true
}

// Close invalidates every generation and cancels pending firings.
func (s *Set) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for p := range s.gens {
		s.gens[p]++
		s.armed[p] = false
	}
	s.sched.Cancel(s.conn)
}

func (s *Set) Now() time.Time {
	return s.sched.Now()
}
