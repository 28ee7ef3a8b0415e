package bench

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/danmuck/miknet/internal/protocol/frame"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"
)

const quicALPN = "miknet-bench"

// runQUIC echoes frames over one bidirectional QUIC stream. Each frame header
// names the transfer's stream. Like the TCP backend, the echo side stands in
// for the simulated link.
func runQUIC(ctx context.Context, sc Scenario) ([]TripReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverTLS, err := selfSignedTLS()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr("127.0.0.1:0", serverTLS, nil)
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	limits := frame.DefaultLimits()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conn, err := ln.Accept(gctx)
		if err != nil {
			return ignoreCanceled(err)
		}
		defer conn.CloseWithError(0, "done")
		stream, err := conn.AcceptStream(gctx)
		if err != nil {
			return ignoreCanceled(err)
		}
		defer stream.Close()
		sh := newShaper(sc)
		for {
			f, err := frame.ReadFrame(stream, limits)
			if err != nil {
				if errors.Is(err, io.EOF) || gctx.Err() != nil {
					return nil
				}
				var appErr *quic.ApplicationError
				if errors.As(err, &appErr) {
					return nil
				}
				return err
			}
			echo, ok := sh.hold(gctx, f.Payload)
			if !ok {
				return nil
			}
			if !echo {
				continue
			}
			if err := frame.WriteFrame(stream, f, limits); err != nil {
				return err
			}
		}
	})

	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{quicALPN}}
	conn, err := quic.DialAddr(ctx, ln.Addr().String(), clientTLS, nil)
	if err != nil {
		cancel()
		_ = g.Wait()
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open failed")
		cancel()
		_ = g.Wait()
		return nil, err
	}

	ordinals := make(map[uint16]uint64)
	trips, err := drive(ctx, sc, ProtocolQUIC, link{
		send: func(id uint16, b []byte) error {
			ordinals[id]++
			return frame.WriteFrame(stream, frame.Frame{
				Header:  frame.Header{Mode: frame.ModeReliableOrdered, Stream: id, Ordinal: ordinals[id]},
				Payload: b,
			}, limits)
		},
		recv: func(context.Context) (uint16, []byte, error) {
			f, err := frame.ReadFrame(stream, limits)
			return f.Header.Stream, f.Payload, err
		},
		abort: func() { _ = conn.CloseWithError(0, "aborted") },
	})
	_ = stream.Close()
	if err != nil {
		cancel()
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	_ = conn.CloseWithError(0, "done")
	return trips, err
}

// selfSignedTLS builds a throwaway loopback certificate for the QUIC listener.
func selfSignedTLS() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{quicALPN},
	}, nil
}
