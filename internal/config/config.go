package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// EndpointFile is the on-disk endpoint configuration.
type EndpointFile struct {
	Name          string         `toml:"name"`
	Listen        string         `toml:"listen"`
	AdminAddr     string         `toml:"admin_addr"`
	AcceptBacklog int            `toml:"accept_backlog"`
	InboxSize     int            `toml:"inbox_size"`
	Protocol      ProtocolConfig `toml:"protocol"`
	Link          LinkConfig     `toml:"link"`
}

// ProtocolConfig mirrors the connection policy. Durations are Go duration strings.
type ProtocolConfig struct {
	HandshakeRetries  int     `toml:"handshake_retries"`
	DataRetries       int     `toml:"data_retries"`
	InitialBackoff    string  `toml:"initial_backoff"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	MaxBackoff        string  `toml:"max_backoff"`
	Jitter            bool    `toml:"jitter"`
	Linger            string  `toml:"linger"`
	KeepaliveInterval string  `toml:"keepalive_interval"`
	IdleTimeout       string  `toml:"idle_timeout"`
	CookieLifetime    string  `toml:"cookie_lifetime"`
	ReorderWindow     uint64  `toml:"reorder_window"`
}

// LinkConfig optionally degrades the socket for testing.
type LinkConfig struct {
	Loss          float64 `toml:"loss"`
	Delay         string  `toml:"delay"`
	Jitter        string  `toml:"jitter"`
	RateLimitKbps int     `toml:"rate_limit_kbps"`
	Seed          int64   `toml:"seed"`
}

func LoadEndpointConfig(path string) (EndpointFile, error) {
	var cfg EndpointFile
	if err := loadToml(path, &cfg); err != nil {
		return EndpointFile{}, err
	}
	return normalizeEndpoint(cfg)
}

// ParseEndpointConfig is LoadEndpointConfig for in-memory data.
func ParseEndpointConfig(data []byte) (EndpointFile, error) {
	var cfg EndpointFile
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return EndpointFile{}, fmt.Errorf("config parse failed: %w", err)
	}
	return normalizeEndpoint(cfg)
}

func normalizeEndpoint(cfg EndpointFile) (EndpointFile, error) {
	if cfg.Name == "" {
		cfg.Name = "miknet"
	}
	if cfg.Listen == "" {
		cfg.Listen = ":7400"
	}
	if err := ValidateEndpointConfig(cfg); err != nil {
		return EndpointFile{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateEndpointConfig(cfg EndpointFile) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("endpoint config missing name")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("endpoint config missing listen")
	}
	if cfg.AcceptBacklog < 0 || cfg.InboxSize < 0 {
		return fmt.Errorf("endpoint config queue sizes must not be negative")
	}
	p := cfg.Protocol
	if p.HandshakeRetries < 0 || p.DataRetries < 0 {
		return fmt.Errorf("protocol retries must not be negative")
	}
	if p.BackoffMultiplier != 0 && p.BackoffMultiplier < 1 {
		return fmt.Errorf("protocol backoff_multiplier must be >= 1")
	}
	for name, raw := range map[string]string{
		"initial_backoff":    p.InitialBackoff,
		"max_backoff":        p.MaxBackoff,
		"linger":             p.Linger,
		"keepalive_interval": p.KeepaliveInterval,
		"idle_timeout":       p.IdleTimeout,
		"cookie_lifetime":    p.CookieLifetime,
		"link.delay":         cfg.Link.Delay,
		"link.jitter":        cfg.Link.Jitter,
	} {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}
	if cfg.Link.Loss < 0 || cfg.Link.Loss > 1 {
		return fmt.Errorf("link loss must be within [0,1]")
	}
	if cfg.Link.RateLimitKbps < 0 {
		return fmt.Errorf("link rate_limit_kbps must not be negative")
	}
	return nil
}

// parseDuration treats an empty string as unset.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}
