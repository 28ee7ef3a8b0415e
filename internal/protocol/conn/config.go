package conn

import (
	"time"

	"github.com/danmuck/miknet/internal/protocol/timer"
)

// Config defines handshake and reliability policy for one connection.
type Config struct {
	// HandshakeRetries is the number of retransmissions of Init, CookieEcho or
	// Shutdown before giving up.
	HandshakeRetries int
	// DataRetries is the number of retransmission rounds without ack progress
	// before the connection fails.
	DataRetries       int
	Backoff           timer.Backoff
	LingerTimeout     time.Duration
	KeepaliveInterval time.Duration
	IdleTimeout       time.Duration
	CookieLifetime    time.Duration
	// ReorderWindow bounds how far past the next expected ordinal a stream buffers.
	ReorderWindow uint64
}

func DefaultConfig() Config {
	return Config{
		HandshakeRetries:  5,
		DataRetries:       8,
		Backoff:           timer.DefaultBackoff(),
		LingerTimeout:     2 * time.Second,
		KeepaliveInterval: 5 * time.Second,
		IdleTimeout:       15 * time.Second,
		CookieLifetime:    10 * time.Second,
		ReorderWindow:     4096,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeRetries <= 0 {
		c.HandshakeRetries = d.HandshakeRetries
	}
	if c.DataRetries <= 0 {
		c.DataRetries = d.DataRetries
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.LingerTimeout <= 0 {
		c.LingerTimeout = d.LingerTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.CookieLifetime <= 0 {
		c.CookieLifetime = d.CookieLifetime
	}
	if c.ReorderWindow == 0 {
		c.ReorderWindow = d.ReorderWindow
	}
	return c
}
