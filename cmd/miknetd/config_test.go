package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/miknet/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigExample(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadServiceConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Name != "miknetd.local" {
		t.Fatalf("unexpected name: %q", cfg.Name)
	}
	if cfg.Listen != "127.0.0.1:7400" {
		t.Fatalf("unexpected listen: %q", cfg.Listen)
	}
	if cfg.AdminAddr != "127.0.0.1:7401" {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminAddr)
	}
	if len(cfg.CorsOrigins) != 1 || cfg.CorsOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %+v", cfg.CorsOrigins)
	}
	if cfg.AdminToken != "local-dev-token" {
		t.Fatalf("unexpected admin token: %q", cfg.AdminToken)
	}
	if !cfg.Echo {
		t.Fatalf("expected echo enabled")
	}
	if cfg.Endpoint.AcceptBacklog != 32 {
		t.Fatalf("unexpected accept backlog: %d", cfg.Endpoint.AcceptBacklog)
	}
	if cfg.Endpoint.InboxSize != 128 {
		t.Fatalf("unexpected inbox size: %d", cfg.Endpoint.InboxSize)
	}
	if cfg.Endpoint.Conn.HandshakeRetries != 4 {
		t.Fatalf("unexpected handshake retries: %d", cfg.Endpoint.Conn.HandshakeRetries)
	}
	if cfg.Endpoint.Conn.Backoff.InitialDelay != 100*time.Millisecond {
		t.Fatalf("unexpected initial backoff: %v", cfg.Endpoint.Conn.Backoff.InitialDelay)
	}
	if cfg.Endpoint.Conn.KeepaliveInterval != 2*time.Second {
		t.Fatalf("unexpected keepalive: %v", cfg.Endpoint.Conn.KeepaliveInterval)
	}
	if cfg.Endpoint.Conn.IdleTimeout != 6*time.Second {
		t.Fatalf("unexpected idle timeout: %v", cfg.Endpoint.Conn.IdleTimeout)
	}
	if cfg.Link == nil {
		t.Fatalf("expected degraded link")
	}
	if cfg.Link.Loss != 0.01 || cfg.Link.Delay != 5*time.Millisecond || cfg.Link.Jitter != 2*time.Millisecond || cfg.Link.RateLimitKbps != 2048 || cfg.Link.Seed != 7 {
		t.Fatalf("unexpected link: %+v", *cfg.Link)
	}
}

func TestLoadServiceConfigDefaults(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadServiceConfig(writeConfig(t, "echo = false\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Name != "miknetd" || cfg.Listen != ":7400" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Echo {
		t.Fatalf("expected echo disabled")
	}
	if cfg.Link != nil {
		t.Fatalf("expected clean link")
	}
	if cfg.AdminAddr != "" {
		t.Fatalf("unexpected admin addr: %q", cfg.AdminAddr)
	}
}

func TestLoadServiceConfigIdleTimeoutMillis(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadServiceConfig(writeConfig(t, "idle_timeout_ms = 1200\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Endpoint.Conn.IdleTimeout != 1200*time.Millisecond {
		t.Fatalf("unexpected idle timeout: %v", cfg.Endpoint.Conn.IdleTimeout)
	}
}

func TestLoadServiceConfigBadDuration(t *testing.T) {
	testlog.Start(t)

	if _, err := loadServiceConfig(writeConfig(t, "keepalive_interval = \"abc\"\n")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadServiceConfigRejectsEmptyListen(t *testing.T) {
	testlog.Start(t)

	if _, err := loadServiceConfig(writeConfig(t, "listen = \"  \"\n")); err == nil {
		t.Fatalf("expected listen error")
	}
}

func TestLoadServiceConfigMissingEndpointFile(t *testing.T) {
	testlog.Start(t)

	if _, err := loadServiceConfig(writeConfig(t, "endpoint_file = \"nope.toml\"\n")); err == nil {
		t.Fatalf("expected endpoint file error")
	}
}
