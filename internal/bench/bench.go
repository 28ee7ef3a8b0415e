// Package bench measures request/response round trips over miknet, the TCP
// stream backend and QUIC under the same simulated link conditions.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/danmuck/miknet/internal/endpoint"
	"github.com/danmuck/miknet/internal/netsim"
	"github.com/danmuck/miknet/internal/protocol/gram"
	"github.com/danmuck/miknet/internal/shim"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Protocol string

const (
	ProtocolMiknet Protocol = "miknet"
	ProtocolTCP    Protocol = "tcp"
	ProtocolQUIC   Protocol = "quic"
)

// Protocols lists every protocol Compare considers, in report order.
var Protocols = []Protocol{ProtocolMiknet, ProtocolTCP, ProtocolQUIC}

// Transfer is one message flow of a scenario, running on its own stream.
type Transfer struct {
	Stream uint16
	// Size is the message size in bytes, header included.
	Size int
	// Hertz paces sends. Zero sends the next message once the previous reply
	// arrived.
	Hertz int
	// ReturnCount is how many echoed round trips to measure. Zero makes the
	// transfer background load: the peer does not echo it and it runs until
	// every measured transfer finished.
	ReturnCount int
}

func (t Transfer) measured() bool { return t.ReturnCount > 0 }

// Scenario is a set of concurrent transfers under one set of link conditions.
type Scenario struct {
	Name      string
	Transfers []Transfer
	Loss      float64
	Delay     time.Duration
	Jitter    time.Duration
	// RateLimitKbps caps each direction of the link; zero is unlimited.
	RateLimitKbps int
	Seed          int64
	// Endpoint overrides the miknet endpoint settings when non-nil.
	Endpoint *endpoint.Config
}

// TripReport is one measured round trip.
type TripReport struct {
	Stream      uint16
	Seq         int
	RoundTripMS float64
}

type Summary struct {
	Protocol    Protocol
	MeanMS      float64
	DeviationMS float64
	Trips       []TripReport
}

func (s Scenario) validate() error {
	if len(s.Transfers) == 0 {
		return fmt.Errorf("bench: scenario %q has no transfers", s.Name)
	}
	if s.Loss < 0 || s.Loss >= 1 {
		return fmt.Errorf("bench: scenario %q loss must be within [0,1)", s.Name)
	}
	if s.RateLimitKbps < 0 {
		return fmt.Errorf("bench: scenario %q has negative rate_limit_kbps", s.Name)
	}
	streams := make(map[uint16]struct{}, len(s.Transfers))
	measured := false
	for i, t := range s.Transfers {
		if _, dup := streams[t.Stream]; dup {
			return fmt.Errorf("bench: scenario %q uses stream %d twice", s.Name, t.Stream)
		}
		streams[t.Stream] = struct{}{}
		if t.Size < headerLen || t.Size > gram.MaxPayload {
			return fmt.Errorf("bench: scenario %q transfer %d size must be within [%d,%d]", s.Name, i, headerLen, gram.MaxPayload)
		}
		if t.Hertz < 0 || t.ReturnCount < 0 {
			return fmt.Errorf("bench: scenario %q transfer %d has negative hertz or return_count", s.Name, i)
		}
		if !t.measured() && t.Hertz == 0 {
			return fmt.Errorf("bench: scenario %q transfer %d is background load and needs hertz", s.Name, i)
		}
		measured = measured || t.measured()
	}
	if !measured {
		return fmt.Errorf("bench: scenario %q has no transfer with return_count", s.Name)
	}
	return nil
}

// returns is the number of round trips the scenario measures.
func (s Scenario) returns() int {
	n := 0
	for _, t := range s.Transfers {
		n += t.ReturnCount
	}
	return n
}

func (s Scenario) link(seed int64) netsim.Config {
	return netsim.Config{
		Loss:          s.Loss,
		Delay:         s.Delay,
		Jitter:        s.Jitter,
		RateLimitKbps: s.RateLimitKbps,
		Seed:          s.Seed + seed,
	}
}

// Run executes sc against p on loopback and summarizes the round trips.
func Run(ctx context.Context, sc Scenario, p Protocol) (Summary, error) {
	if err := sc.validate(); err != nil {
		return Summary{}, err
	}
	logger := log.With().Str("scenario", sc.Name).Str("protocol", string(p)).Logger()
	logger.Info().Int("transfers", len(sc.Transfers)).Int("returns", sc.returns()).Msg("bench run")

	var (
		trips []TripReport
		err   error
	)
	switch p {
	case ProtocolMiknet:
		trips, err = runMiknet(ctx, sc)
	case ProtocolTCP:
		trips, err = runTCP(ctx, sc)
	case ProtocolQUIC:
		trips, err = runQUIC(ctx, sc)
	default:
		return Summary{}, fmt.Errorf("bench: unknown protocol %q", p)
	}
	if err != nil {
		return Summary{}, fmt.Errorf("bench: %s/%s: %w", sc.Name, p, err)
	}
	s := summarize(p, trips)
	logger.Info().Float64("mean_ms", s.MeanMS).Float64("deviation_ms", s.DeviationMS).Msg("bench done")
	return s, nil
}

func runMiknet(ctx context.Context, sc Scenario) ([]TripReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := endpoint.DefaultConfig()
	if sc.Endpoint != nil {
		cfg = *sc.Endpoint
	}
	server, err := lossyEndpoint(cfg, sc.link(1))
	if err != nil {
		return nil, err
	}
	defer server.Close()
	client, err := lossyEndpoint(cfg, sc.link(2))
	if err != nil {
		return nil, err
	}
	defer client.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := server.Accept(gctx)
		if err != nil {
			return ignoreCanceled(err)
		}
		for d := range c.Deliveries(gctx) {
			if !wantsEcho(d.Payload) {
				continue
			}
			if err := c.Send(gctx, d.Position.Stream, d.Payload); err != nil {
				return ignoreCanceled(err)
			}
		}
		return nil
	})

	c, err := client.Dial(ctx, server.LocalAddr().String())
	if err != nil {
		cancel()
		_ = g.Wait()
		return nil, err
	}
	trips, err := drive(ctx, sc, ProtocolMiknet, link{
		send: func(stream uint16, b []byte) error { return c.Send(ctx, stream, b) },
		recv: func(ctx context.Context) (uint16, []byte, error) {
			d, err := c.Receive(ctx)
			return d.Position.Stream, d.Payload, err
		},
	})
	if err == nil {
		err = c.Disconnect(ctx)
	}
	if err != nil {
		cancel()
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return trips, err
}

func lossyEndpoint(cfg endpoint.Config, sim netsim.Config) (*endpoint.Endpoint, error) {
	udp, err := shim.ListenUDP("127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	ep, err := endpoint.New(netsim.Wrap(udp, sim), cfg)
	if err != nil {
		_ = udp.Close()
		return nil, err
	}
	return ep, nil
}

// runTCP echoes over the stream backend.
func runTCP(ctx context.Context, sc Scenario) ([]TripReport, error) {
	ln, err := shim.ListenStream("127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := ln.Accept()
		if err != nil {
			if errors.Is(err, shim.ErrClosed) {
				return nil
			}
			return err
		}
		defer s.Close()
		sh := newShaper(sc)
		for {
			d, err := s.Receive()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if d.Position == nil {
				continue
			}
			echo, ok := sh.hold(gctx, d.Data)
			if !ok {
				return nil
			}
			if !echo {
				continue
			}
			if err := s.Send(shim.SendCmd{Mode: shim.ReliableOrdered(d.Position.Stream), Data: d.Data}); err != nil {
				return err
			}
		}
	})

	c, err := shim.DialStream(ctx, ln.Addr().String())
	if err != nil {
		_ = ln.Close()
		_ = g.Wait()
		return nil, err
	}
	trips, err := drive(ctx, sc, ProtocolTCP, link{
		send: func(stream uint16, b []byte) error {
			return c.Send(shim.SendCmd{Mode: shim.ReliableOrdered(stream), Data: b})
		},
		recv: func(context.Context) (uint16, []byte, error) {
			d, err := c.Receive()
			if err != nil {
				return 0, nil, err
			}
			if d.Position == nil {
				return 0, nil, errors.New("reply without stream position")
			}
			return d.Position.Stream, d.Data, nil
		},
		abort: func() { _ = c.Close() },
	})
	_ = c.Close()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return trips, err
}

func summarize(p Protocol, trips []TripReport) Summary {
	s := Summary{Protocol: p, Trips: trips}
	if len(trips) == 0 {
		return s
	}
	var sum float64
	for _, t := range trips {
		sum += t.RoundTripMS
	}
	s.MeanMS = sum / float64(len(trips))
	var sq float64
	for _, t := range trips {
		d := t.RoundTripMS - s.MeanMS
		sq += d * d
	}
	s.DeviationMS = math.Sqrt(sq / float64(len(trips)))
	return s
}

// shaper stands in for the simulated link on the echo side of the stream
// backends. Loss cannot be injected below kernel TCP or quic-go's socket, so
// only delay, jitter and the rate limit apply.
type shaper struct {
	sc       Scenario
	rng      *rand.Rand
	up, down *netsim.Pacer
}

func newShaper(sc Scenario) *shaper {
	s := &shaper{sc: sc, rng: rand.New(rand.NewSource(sc.Seed))}
	if sc.RateLimitKbps > 0 {
		s.up = netsim.NewPacer(sc.RateLimitKbps, 0)
		s.down = netsim.NewPacer(sc.RateLimitKbps, 0)
	}
	return s
}

// hold books the inbound message b on the link. Messages to echo then wait out
// both directions. ok is false when ctx ended first.
func (s *shaper) hold(ctx context.Context, b []byte) (echo, ok bool) {
	wait := reserve(s.up, len(b))
	if !wantsEcho(b) {
		return false, true
	}
	wait += 2*s.sc.Delay + jitter(s.rng, s.sc.Jitter) + jitter(s.rng, s.sc.Jitter) + reserve(s.down, len(b))
	if wait <= 0 {
		return true, true
	}
	select {
	case <-time.After(wait):
		return true, true
	case <-ctx.Done():
		return true, false
	}
}

func reserve(p *netsim.Pacer, n int) time.Duration {
	if p == nil {
		return 0
	}
	wait, _ := p.Reserve(n)
	return wait
}

func jitter(rng *rand.Rand, j time.Duration) time.Duration {
	if j <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(j)))
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, endpoint.ErrClosed) {
		return nil
	}
	return err
}
