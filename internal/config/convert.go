package config

import (
	"github.com/danmuck/miknet/internal/endpoint"
	"github.com/danmuck/miknet/internal/netsim"
	"github.com/danmuck/miknet/internal/protocol/conn"
)

// EndpointConfig resolves the file into runtime settings. Unset fields keep
// their defaults. The file must have passed ValidateEndpointConfig.
func (f EndpointFile) EndpointConfig() endpoint.Config {
	cfg := endpoint.DefaultConfig()
	if f.AcceptBacklog > 0 {
		cfg.AcceptBacklog = f.AcceptBacklog
	}
	if f.InboxSize > 0 {
		cfg.InboxSize = f.InboxSize
	}
	cfg.Conn = f.Protocol.connConfig()
	return cfg
}

func (p ProtocolConfig) connConfig() conn.Config {
	cfg := conn.DefaultConfig()
	if p.HandshakeRetries > 0 {
		cfg.HandshakeRetries = p.HandshakeRetries
	}
	if p.DataRetries > 0 {
		cfg.DataRetries = p.DataRetries
	}
	if d, _ := parseDuration(p.InitialBackoff); d > 0 {
		cfg.Backoff.InitialDelay = d
	}
	if p.BackoffMultiplier >= 1 {
		cfg.Backoff.Multiplier = p.BackoffMultiplier
	}
	if d, _ := parseDuration(p.MaxBackoff); d > 0 {
		cfg.Backoff.MaxDelay = d
	}
	cfg.Backoff.Jitter = p.Jitter
	if d, _ := parseDuration(p.Linger); d > 0 {
		cfg.LingerTimeout = d
	}
	if d, _ := parseDuration(p.KeepaliveInterval); d > 0 {
		cfg.KeepaliveInterval = d
	}
	if d, _ := parseDuration(p.IdleTimeout); d > 0 {
		cfg.IdleTimeout = d
	}
	if d, _ := parseDuration(p.CookieLifetime); d > 0 {
		cfg.CookieLifetime = d
	}
	if p.ReorderWindow > 0 {
		cfg.ReorderWindow = p.ReorderWindow
	}
	return cfg
}

// Degraded reports whether the link section asks for simulated conditions.
func (l LinkConfig) Degraded() bool {
	return l.Loss > 0 || l.Delay != "" || l.Jitter != "" || l.RateLimitKbps > 0
}

func (l LinkConfig) NetsimConfig() netsim.Config {
	delay, _ := parseDuration(l.Delay)
	jitter, _ := parseDuration(l.Jitter)
	return netsim.Config{Loss: l.Loss, Delay: delay, Jitter: jitter, RateLimitKbps: l.RateLimitKbps, Seed: l.Seed}
}
