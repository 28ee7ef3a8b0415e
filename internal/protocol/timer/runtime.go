package timer

import (
	"sync"
	"time"
)

// Runtime is the production Scheduler backed by time.AfterFunc.
type Runtime struct {
	fire func(Key)

	mu      sync.Mutex
	pending map[string]map[Key]*time.Timer
	stopped bool
}

// NewRuntime returns a scheduler that calls fire on its own goroutine for every
// key that comes due. fire must not block indefinitely.
func NewRuntime(fire func(Key)) *Runtime {
	return &Runtime{
		fire:    fire,
		pending: make(map[string]map[Key]*time.Timer),
	}
}

func (r *Runtime) Schedule(key Key, after time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	byConn, ok := r.pending[key.Conn]
	if !ok {
		byConn = make(map[Key]*time.Timer)
		r.pending[key.Conn] = byConn
	}
	byConn[key] = time.AfterFunc(after, func() {
		r.mu.Lock()
		if conn, ok := r.pending[key.Conn]; ok {
			delete(conn, key)
			if len(conn) == 0 {
				delete(r.pending, key.Conn)
			}
		}
		stopped := r.stopped
		r.mu.Unlock()
		if !stopped {
			r.fire(key)
		}
	})
}

func (r *Runtime) Cancel(conn string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.pending[conn] {
		t.Stop()
	}
	delete(r.pending, conn)
}

func (r *Runtime) Now() time.Time {
	return time.Now()
}

// PendingCount is the number of timers not yet fired or cancelled.
func (r *Runtime) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, conn := range r.pending {
		n += len(conn)
	}
	return n
}

// Stop cancels every pending timer. Later Schedule calls are ignored.
func (r *Runtime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for conn, byConn := range r.pending {
		for _, t := range byConn {
			t.Stop()
		}
		delete(r.pending, conn)
	}
}
