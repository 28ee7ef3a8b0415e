package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "endpoint":
		return endpointTemplate, nil
	case "bench":
		return benchTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const endpointTemplate = `name = "miknet"
listen = ":7400"
admin_addr = "127.0.0.1:7401"
accept_backlog = 64
inbox_size = 256

[protocol]
handshake_retries = 5
data_retries = 8
initial_backoff = "200ms"
backoff_multiplier = 2.0
max_backoff = "3s"
jitter = false
linger = "2s"
keepalive_interval = "5s"
idle_timeout = "15s"
cookie_lifetime = "10s"
reorder_window = 4096

[link]
loss = 0.0
delay = ""
jitter = ""
rate_limit_kbps = 0
seed = 1
`

const benchTemplate = `output = "bench.csv"
trips_dir = ""

[[scenario]]
name = "clean"

[[scenario.transfer]]
stream = 0
size = 200
hertz = 60
return_count = 200

[[scenario]]
name = "lossy-1024kbps"
loss = 0.05
delay = "2ms"
jitter = "3ms"
rate_limit_kbps = 1024

[[scenario.transfer]]
stream = 0
size = 200
hertz = 60
return_count = 200

[[scenario.transfer]]
stream = 1
size = 200
hertz = 240
`
