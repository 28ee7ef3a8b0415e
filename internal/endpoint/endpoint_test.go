package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/miknet/internal/netsim"
	"github.com/danmuck/miknet/internal/protocol/conn"
	"github.com/danmuck/miknet/internal/protocol/event"
	"github.com/danmuck/miknet/internal/protocol/gram"
	"github.com/danmuck/miknet/internal/protocol/timer"
	"github.com/danmuck/miknet/internal/shim"
	"github.com/danmuck/miknet/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Conn.Backoff = timer.Backoff{InitialDelay: 20 * time.Millisecond, Multiplier: 1.5, MaxDelay: 200 * time.Millisecond}
	cfg.Conn.LingerTimeout = 500 * time.Millisecond
	return cfg
}

func listen(t *testing.T, cfg Config) *Endpoint {
	t.Helper()
	ep, err := Listen("127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func lossy(t *testing.T, cfg Config, sim netsim.Config) (*Endpoint, *netsim.Lossy) {
	t.Helper()
	udp, err := shim.ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	link := netsim.Wrap(udp, sim)
	ep, err := New(link, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	return ep, link
}

// connect dials server from client and returns both ends.
func connect(t *testing.T, ctx context.Context, client, server *Endpoint) (*Conn, *Conn) {
	t.Helper()
	var dialed, accepted *Conn
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := server.Accept(gctx)
		accepted = c
		return err
	})
	g.Go(func() error {
		c, err := client.Dial(gctx, server.LocalAddr().String())
		dialed = c
		return err
	})
	require.NoError(t, g.Wait())
	return dialed, accepted
}

func TestDialAcceptExchange(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server := listen(t, fastConfig())
	client := listen(t, fastConfig())
	c, s := connect(t, ctx, client, server)

	require.Equal(t, conn.Established, c.Snapshot().State)
	require.Equal(t, conn.RoleResponder, s.Role())
	require.Equal(t, c.Snapshot().Token, s.Snapshot().Token)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send(ctx, 1, []byte(fmt.Sprintf("a-%d", i))))
		require.NoError(t, c.Send(ctx, 2, []byte(fmt.Sprintf("b-%d", i))))
	}
	next := map[uint16]int{}
	for i := 0; i < 10; i++ {
		d, err := s.Receive(ctx)
		require.NoError(t, err)
		prefix := map[uint16]string{1: "a", 2: "b"}[d.Position.Stream]
		require.Equal(t, fmt.Sprintf("%s-%d", prefix, next[d.Position.Stream]), string(d.Payload))
		require.Equal(t, uint64(next[d.Position.Stream]+1), d.Position.Ordinal)
		next[d.Position.Stream]++
	}

	require.NoError(t, s.Send(ctx, 9, []byte("pong")))
	d, err := c.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "pong", string(d.Payload))
	require.Equal(t, gram.StreamPosition{Stream: 9, Ordinal: 1}, d.Position)

	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, c.Err())
	_, err = s.Receive(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, s.Err())

	require.ErrorIs(t, c.Send(ctx, 1, []byte("late")), conn.ErrNotConnected)
	require.Eventually(t, func() bool { return len(server.Snapshot()) == 0 && len(client.Snapshot()) == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestDeliveriesEndsAtClose(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server := listen(t, fastConfig())
	client := listen(t, fastConfig())
	c, s := connect(t, ctx, client, server)

	var got []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for d := range s.Deliveries(gctx) {
			got = append(got, string(d.Payload))
		}
		return nil
	})
	for _, p := range []string{"x", "y", "z"} {
		require.NoError(t, c.Send(ctx, 4, []byte(p)))
	}
	require.Eventually(t, func() bool { return s.Stats().Delivered == 3 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, g.Wait())
	require.Equal(t, []string{"x", "y", "z"}, got)

	for range s.Deliveries(ctx) {
		t.Fatalf("closed connection yielded a delivery")
	}
}

func TestDialSilentPeerTimesOut(t *testing.T) {
	testlog.Start(t)
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	cfg := fastConfig()
	cfg.Conn.HandshakeRetries = 3
	client := listen(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = client.Dial(ctx, silent.LocalAddr().String())
	require.ErrorIs(t, err, conn.ErrHandshakeTimeout)
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout())
	require.Empty(t, client.Snapshot())
}

func TestLossyLinkDeliversInOrder(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cfg := fastConfig()
	cfg.Conn.HandshakeRetries = 12
	cfg.Conn.DataRetries = 30
	sim := netsim.Config{Loss: 0.1, Delay: time.Millisecond, Jitter: 3 * time.Millisecond, Seed: 11}
	server, _ := lossy(t, cfg, sim)
	sim.Seed = 12
	client, _ := lossy(t, cfg, sim)
	c, s := connect(t, ctx, client, server)

	const n = 60
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := 0; i < n; i++ {
			if err := c.Send(gctx, 3, []byte{byte(i)}); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < n; i++ {
			d, err := s.Receive(gctx)
			if err != nil {
				return err
			}
			if int(d.Payload[0]) != i || d.Position.Ordinal != uint64(i+1) {
				return fmt.Errorf("delivery %d out of order: %+v", i, d)
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
}

func TestFailingConnectionIsolated(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := fastConfig()
	cfg.Conn.DataRetries = 3
	server := listen(t, cfg)
	doomed, link := lossy(t, cfg, netsim.Config{})
	healthy := listen(t, cfg)

	dc, _ := connect(t, ctx, doomed, server)
	hc, hs := connect(t, ctx, healthy, server)

	link.SetFilter(func(net.Addr, []byte) bool { return true })
	require.NoError(t, dc.Send(ctx, 1, []byte("into the void")))
	select {
	case <-dc.Done():
	case <-ctx.Done():
		t.Fatalf("doomed connection never failed")
	}
	require.ErrorIs(t, dc.Err(), conn.ErrRetransmitTimeout)

	require.NoError(t, hc.Send(ctx, 1, []byte("still here")))
	d, err := hs.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "still here", string(d.Payload))
}

func TestOutOfTheBlueShutdownAnswered(t *testing.T) {
	testlog.Start(t)
	server := listen(t, fastConfig())
	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer raw.Close()

	b, err := gram.Encode(gram.Message{Token: 77, Units: []gram.Unit{gram.Shutdown{}}})
	require.NoError(t, err)
	_, err = raw.WriteTo(b, server.LocalAddr())
	require.NoError(t, err)

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, gram.MTU)
	n, _, err := raw.ReadFrom(buf)
	require.NoError(t, err)
	msg, err := gram.Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, uint32(77), msg.Token)
	require.Len(t, msg.Units, 1)
	require.Equal(t, gram.KindShutdownAck, msg.Units[0].Kind())
}

func TestForeignDatagramsIgnored(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server := listen(t, fastConfig())
	client := listen(t, fastConfig())
	c, s := connect(t, ctx, client, server)
	before := s.Snapshot()

	raw, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer raw.Close()
	spoof, err := gram.Encode(gram.Message{Token: before.Token, Units: []gram.Unit{
		gram.Data{TSN: before.PeerSeq, Stream: 1, Ordinal: 1, Payload: []byte("spoof")},
	}})
	require.NoError(t, err)
	for _, b := range [][]byte{spoof, {0xde, 0xad}, make([]byte, gram.MTU+1)} {
		_, err = raw.WriteTo(b, server.LocalAddr())
		require.NoError(t, err)
	}

	require.NoError(t, c.Send(ctx, 1, []byte("real")))
	d, err := s.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "real", string(d.Payload))
	require.Equal(t, conn.Established, s.Snapshot().State)
}

func TestSendValidation(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server := listen(t, fastConfig())
	client := listen(t, fastConfig())
	c, s := connect(t, ctx, client, server)

	require.ErrorIs(t, c.Send(ctx, 1, make([]byte, gram.MaxPayload+1)), ErrPayloadTooLarge)
	require.NoError(t, c.Send(ctx, 1, make([]byte, gram.MaxPayload)))
	d, err := s.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, d.Payload, gram.MaxPayload)
}

func TestCloseEndsAccept(t *testing.T) {
	testlog.Start(t)
	ep, err := Listen("127.0.0.1:0", fastConfig())
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() {
		_, err := ep.Accept(context.Background())
		errc <- err
	}()
	require.NoError(t, ep.Close())
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatalf("accept did not return after close")
	}
	_, err = ep.Dial(context.Background(), "127.0.0.1:9")
	require.ErrorIs(t, err, ErrClosed)
}

func TestCloseShutsDownLiveConnections(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := listen(t, fastConfig())
	server := listen(t, fastConfig())
	c, s := connect(t, ctx, client, server)

	require.NoError(t, client.Close())
	select {
	case <-c.Done():
	default:
		t.Fatalf("connection still open after close")
	}
	require.NoError(t, c.Err())

	select {
	case <-s.Done():
	case <-ctx.Done():
		t.Fatalf("peer never saw the shutdown")
	}
	require.NoError(t, s.Err())
	_, err := s.Receive(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestFullBacklogShutsDownNewConnection(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	cfg.AcceptBacklog = 1
	server := listen(t, cfg)

	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, readBufferSize)
	read := func() gram.Message {
		n, _, err := peer.ReadFrom(buf)
		require.NoError(t, err)
		msg, err := gram.Decode(buf[:n])
		require.NoError(t, err)
		return msg
	}

	hello, err := gram.Encode(gram.Message{Units: []gram.Unit{gram.Init{Token: 7, Seq: 1}}})
	require.NoError(t, err)
	_, err = peer.WriteTo(hello, server.LocalAddr())
	require.NoError(t, err)
	ack, ok := read().Units[0].(gram.InitAck)
	require.True(t, ok)

	server.accepts <- &Conn{}
	echo := gram.Message{Token: ack.Token, Units: []gram.Unit{gram.CookieEcho{Cookie: ack.Cookie}}}
	c, err := server.establish(peer.LocalAddr(), echo)
	require.NoError(t, err)
	server.admit(c)

	if !errors.Is(c.Err(), ErrAcceptBacklog) {
		t.Fatalf("err = %v, want %v", c.Err(), ErrAcceptBacklog)
	}
	require.Empty(t, server.Snapshot())
	require.Nil(t, server.lookup(routeKey{token: ack.Token, peer: peer.LocalAddr().String()}))

	for {
		msg := read()
		require.Equal(t, ack.Token, msg.Token)
		if _, ok := msg.Units[0].(gram.Shutdown); ok {
			break
		}
	}
}

func TestOfferDropsWhenInboxFull(t *testing.T) {
	testlog.Start(t)
	cfg := fastConfig()
	cfg.InboxSize = 1
	ep := listen(t, cfg)
	c := ep.newConn(ep.LocalAddr(), conn.RoleInitiator)

	if !c.offer(event.Timer{}) {
		t.Fatalf("offer into empty inbox failed")
	}
	if c.offer(event.Timer{}) {
		t.Fatalf("offer into full inbox succeeded")
	}
	c.finish(nil)
	if !c.offer(event.Timer{}) {
		t.Fatalf("offer to finished connection should be absorbed")
	}
}
