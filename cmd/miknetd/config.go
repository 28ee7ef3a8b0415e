package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/miknet/internal/config"
	"github.com/danmuck/miknet/internal/endpoint"
	"github.com/danmuck/miknet/internal/netsim"
)

type serviceConfig struct {
	Name        string
	Listen      string
	AdminAddr   string
	CorsOrigins []string
	AdminToken  string
	Echo        bool
	Endpoint    endpoint.Config
	// Link degrades the socket when non-nil.
	Link *netsim.Config
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Name:     "miknetd",
		Listen:   ":7400",
		Echo:     true,
		Endpoint: endpoint.DefaultConfig(),
	}
}

type fileConfig struct {
	Name              string   `toml:"name"`
	Listen            string   `toml:"listen"`
	AdminAddr         string   `toml:"admin_addr"`
	CorsOrigins       []string `toml:"cors_origins"`
	AdminToken        string   `toml:"admin_token"`
	Echo              bool     `toml:"echo"`
	EndpointFile      string   `toml:"endpoint_file"`
	AcceptBacklog     int      `toml:"accept_backlog"`
	KeepaliveInterval string   `toml:"keepalive_interval"`
	IdleTimeout       string   `toml:"idle_timeout"`
	IdleTimeoutMS     int64    `toml:"idle_timeout_ms"`
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load miknetd config: %w", err)
	}

	// endpoint_file first so the keys below override it.
	if meta.IsDefined("endpoint_file") {
		file, err := config.LoadEndpointConfig(resolveRelative(path, strings.TrimSpace(raw.EndpointFile)))
		if err != nil {
			return serviceConfig{}, err
		}
		cfg.Name = file.Name
		cfg.Listen = file.Listen
		cfg.AdminAddr = file.AdminAddr
		cfg.Endpoint = file.EndpointConfig()
		if file.Link.Degraded() {
			link := file.Link.NetsimConfig()
			cfg.Link = &link
		}
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}

	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	if meta.IsDefined("echo") {
		cfg.Echo = raw.Echo
	}

	if meta.IsDefined("accept_backlog") {
		if raw.AcceptBacklog <= 0 {
			return serviceConfig{}, fmt.Errorf("accept_backlog must be > 0")
		}
		cfg.Endpoint.AcceptBacklog = raw.AcceptBacklog
	}

	if meta.IsDefined("keepalive_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.KeepaliveInterval))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse keepalive_interval: %w", err)
		}
		cfg.Endpoint.Conn.KeepaliveInterval = d
	}

	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.Endpoint.Conn.IdleTimeout = d
	}

	if meta.IsDefined("idle_timeout_ms") {
		cfg.Endpoint.Conn.IdleTimeout = time.Duration(raw.IdleTimeoutMS) * time.Millisecond
	}

	if cfg.Listen == "" {
		return serviceConfig{}, fmt.Errorf("listen is required")
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// resolveRelative anchors p at the directory of the file that named it.
func resolveRelative(from, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(from), p)
}
