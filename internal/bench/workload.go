package bench

import (
	"cmp"
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/miknet/internal/observability"
	"golang.org/x/sync/errgroup"
)

// headerLen prefixes every message: a big-endian sequence number and the echo
// flag.
const headerLen = 9

const echoFlag = 1

func wantsEcho(b []byte) bool {
	return len(b) >= headerLen && b[8] == echoFlag
}

// link is the client side of one connection under test.
type link struct {
	send func(stream uint16, b []byte) error
	recv func(ctx context.Context) (uint16, []byte, error)
	// abort unblocks a recv that ignores ctx. It may run after a clean finish.
	abort func()
}

// flow is one transfer in progress.
type flow struct {
	t       Transfer
	replied chan struct{}

	mu      sync.Mutex
	sent    map[uint64]time.Time
	replies int
}

func newFlow(t Transfer) *flow {
	return &flow{t: t, replied: make(chan struct{}, 1), sent: make(map[uint64]time.Time)}
}

// finish matches a reply to its request. done reports the transfer's last
// expected reply.
func (f *flow) finish(seq uint64) (time.Duration, bool, error) {
	f.mu.Lock()
	start, ok := f.sent[seq]
	if ok {
		delete(f.sent, seq)
		f.replies++
	}
	done := f.replies == f.t.ReturnCount
	f.mu.Unlock()
	if !ok {
		return 0, false, fmt.Errorf("unexpected reply %d on stream %d", seq, f.t.Stream)
	}
	select {
	case f.replied <- struct{}{}:
	default:
	}
	return time.Since(start), done, nil
}

// run sends the transfer's messages until it sent ReturnCount of them, or
// until ctx ends for background load.
func (f *flow) run(ctx context.Context, send func(uint16, []byte) error) error {
	var tick <-chan time.Time
	if f.t.Hertz > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(f.t.Hertz))
		defer ticker.Stop()
		tick = ticker.C
	}
	for seq := uint64(0); !f.t.measured() || seq < uint64(f.t.ReturnCount); seq++ {
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return nil
			}
		}
		msg := make([]byte, f.t.Size)
		binary.BigEndian.PutUint64(msg, seq)
		if f.t.measured() {
			msg[8] = echoFlag
			f.mu.Lock()
			f.sent[seq] = time.Now()
			f.mu.Unlock()
		}
		if err := send(f.t.Stream, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if tick == nil {
			select {
			case <-f.replied:
			case <-ctx.Done():
				return nil
			}
		}
	}
	return nil
}

// drive runs every transfer of sc concurrently over l and returns the measured
// round trips ordered by stream and sequence.
func drive(ctx context.Context, sc Scenario, p Protocol, l link) ([]TripReport, error) {
	flows := make(map[uint16]*flow, len(sc.Transfers))
	pending := 0
	for _, t := range sc.Transfers {
		flows[t.Stream] = newFlow(t)
		if t.measured() {
			pending++
		}
	}
	var sendMu sync.Mutex
	send := func(stream uint16, b []byte) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return l.send(stream, b)
	}

	g, gctx := errgroup.WithContext(ctx)
	if l.abort != nil {
		stop := context.AfterFunc(gctx, l.abort)
		defer stop()
	}
	background, stopBackground := context.WithCancel(gctx)
	defer stopBackground()

	trips := make([]TripReport, 0, sc.returns())
	g.Go(func() error {
		defer stopBackground()
		for pending > 0 {
			stream, b, err := l.recv(gctx)
			if err != nil {
				return err
			}
			f, ok := flows[stream]
			if !ok || !f.t.measured() || len(b) < headerLen {
				return fmt.Errorf("unexpected reply on stream %d", stream)
			}
			seq := binary.BigEndian.Uint64(b)
			rtt, done, err := f.finish(seq)
			if err != nil {
				return err
			}
			observability.RecordRoundTrip(string(p), rtt)
			trips = append(trips, TripReport{Stream: stream, Seq: int(seq), RoundTripMS: float64(rtt) / float64(time.Millisecond)})
			if done {
				pending--
			}
		}
		return nil
	})
	for _, f := range flows {
		fctx := gctx
		if !f.t.measured() {
			fctx = background
		}
		g.Go(func() error { return f.run(fctx, send) })
	}
	err := g.Wait()
	slices.SortFunc(trips, func(a, b TripReport) int {
		return cmp.Or(cmp.Compare(a.Stream, b.Stream), cmp.Compare(a.Seq, b.Seq))
	})
	return trips, err
}
