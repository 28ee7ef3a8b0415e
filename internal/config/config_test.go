package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/miknet/internal/testutil/testlog"
)

func TestEndpointTemplateRoundTrip(t *testing.T) {
	testlog.Start(t)
	tmpl, err := Template("endpoint")
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	cfg, err := ParseEndpointConfig([]byte(tmpl))
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	if cfg.Listen != ":7400" || cfg.AdminAddr != "127.0.0.1:7401" {
		t.Fatalf("unexpected addrs: %+v", cfg)
	}
	ep := cfg.EndpointConfig()
	if ep.Conn.Backoff.InitialDelay != 200*time.Millisecond || ep.Conn.IdleTimeout != 15*time.Second {
		t.Fatalf("unexpected protocol config: %+v", ep.Conn)
	}
	if cfg.Link.Degraded() {
		t.Fatalf("template link should be clean")
	}
}

func TestLoadEndpointConfigDefaults(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "endpoint.toml")
	content := `
[protocol]
handshake_retries = 9
linger = "750ms"

[link]
loss = 0.2
delay = "5ms"
rate_limit_kbps = 512
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadEndpointConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Name != "miknet" || cfg.Listen != ":7400" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	ep := cfg.EndpointConfig()
	if ep.Conn.HandshakeRetries != 9 || ep.Conn.LingerTimeout != 750*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", ep.Conn)
	}
	if ep.Conn.DataRetries != 8 || ep.AcceptBacklog != 64 {
		t.Fatalf("unset fields lost their defaults: %+v", ep)
	}
	sim := cfg.Link.NetsimConfig()
	if !cfg.Link.Degraded() || sim.Loss != 0.2 || sim.Delay != 5*time.Millisecond || sim.RateLimitKbps != 512 {
		t.Fatalf("unexpected link config: %+v", sim)
	}
}

func TestValidateEndpointConfigRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duration":   "[protocol]\nlinger = \"soon\"\n",
		"multiplier": "[protocol]\nbackoff_multiplier = 0.5\n",
		"loss":       "[link]\nloss = 1.5\n",
		"negative":   "[protocol]\nidle_timeout = \"-1s\"\n",
		"rate":       "[link]\nrate_limit_kbps = -1\n",
	}
	for name, content := range cases {
		if _, err := ParseEndpointConfig([]byte(content)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestWriteTemplateRefusesOverwrite(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bench.toml")
	if err := WriteTemplate(path, "bench", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	err := WriteTemplate(path, "bench", false)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if err := WriteTemplate(path, "bench", true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}
