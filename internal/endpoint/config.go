package endpoint

import (
	"github.com/danmuck/miknet/internal/protocol/conn"
	"github.com/rs/zerolog"
)

// Config controls one Endpoint.
type Config struct {
	Conn conn.Config
	// AcceptBacklog bounds established connections waiting for Accept. Cookie
	// echoes beyond it are dropped and left for the peer to retry.
	AcceptBacklog int
	// InboxSize is the per-connection event queue depth.
	InboxSize int
	// CookieSecret defaults to the process-wide secret.
	CookieSecret []byte
	// Random defaults to crypto/rand.
	Random conn.Source
	Logger *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Conn:          conn.DefaultConfig(),
		AcceptBacklog: 64,
		InboxSize:     256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	c.Conn = c.Conn.WithDefaults()
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = d.AcceptBacklog
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	return c
}
