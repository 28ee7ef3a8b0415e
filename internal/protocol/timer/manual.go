package timer

import (
	"sort"
	"sync"
	"time"
)

// Manual is a deterministic Scheduler for tests. Time only moves through Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	entries []manualEntry
}

type manualEntry struct {
	key Key
	due time.Time
	seq uint64
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Schedule(key Key, after time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.entries = append(m.entries, manualEntry{key: key, due: m.now.Add(after), seq: m.seq})
}

func (m *Manual) Cancel(conn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.key.Conn != conn {
			kept = append(kept, e)
		}
	}
	m.entries = kept
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the keys that came due, in
// deadline order. Superseded keys are returned too; filtering them is the
// owner's job.
func (m *Manual) Advance(d time.Duration) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	sort.SliceStable(m.entries, func(i, j int) bool {
		if m.entries[i].due.Equal(m.entries[j].due) {
			return m.entries[i].seq < m.entries[j].seq
		}
		return m.entries[i].due.Before(m.entries[j].due)
	})
	var fired []Key
	kept := m.entries[:0]
	for _, e := range m.entries {
		if !e.due.After(m.now) {
			fired = append(fired, e.key)
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return fired
}

// Next returns the earliest pending deadline relative to now.
func (m *Manual) Next() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return 0, false
	}
	next := m.entries[0].due
	for _, e := range m.entries[1:] {
		if e.due.Before(next) {
			next = e.due
		}
	}
	return next.Sub(m.now), true
}

// Pending lists scheduled keys for conn.
func (m *Manual) Pending(conn string) []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Key
	for _, e := range m.entries {
		if e.key.Conn == conn {
			out = append(out, e.key)
		}
	}
	return out
}
