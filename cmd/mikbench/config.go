package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/miknet/internal/bench"
)

type benchConfig struct {
	Output    string
	TripsDir  string
	Scenarios []bench.Scenario
}

type fileTransfer struct {
	Stream      uint16 `toml:"stream"`
	Size        int    `toml:"size"`
	Hertz       int    `toml:"hertz"`
	ReturnCount int    `toml:"return_count"`
}

type fileScenario struct {
	Name          string         `toml:"name"`
	Loss          float64        `toml:"loss"`
	Delay         string         `toml:"delay"`
	Jitter        string         `toml:"jitter"`
	RateLimitKbps int            `toml:"rate_limit_kbps"`
	Seed          int64          `toml:"seed"`
	Transfers     []fileTransfer `toml:"transfer"`
}

type fileConfig struct {
	Output    string         `toml:"output"`
	TripsDir  string         `toml:"trips_dir"`
	Scenarios []fileScenario `toml:"scenario"`
}

// defaultBenchConfig runs the built-in scenarios.
func defaultBenchConfig() benchConfig {
	return benchConfig{Output: "bench.csv", Scenarios: bench.DefaultScenarios()}
}

func loadBenchConfig(path string) (benchConfig, error) {
	cfg := benchConfig{Output: "bench.csv"}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return benchConfig{}, fmt.Errorf("load bench config: %w", err)
	}

	if meta.IsDefined("output") {
		cfg.Output = strings.TrimSpace(raw.Output)
	}
	if meta.IsDefined("trips_dir") {
		cfg.TripsDir = strings.TrimSpace(raw.TripsDir)
	}

	scenarios, err := parseScenarios(raw.Scenarios)
	if err != nil {
		return benchConfig{}, err
	}
	cfg.Scenarios = scenarios
	return cfg, nil
}

func parseScenarios(in []fileScenario) ([]bench.Scenario, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("bench config has no [[scenario]] entries")
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]bench.Scenario, 0, len(in))
	for i, raw := range in {
		name := strings.TrimSpace(raw.Name)
		if name == "" {
			return nil, fmt.Errorf("scenario[%d] missing name", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("scenario %q defined twice", name)
		}
		seen[name] = struct{}{}

		delay, err := parseOptionalDuration(raw.Delay)
		if err != nil {
			return nil, fmt.Errorf("scenario %q delay: %w", name, err)
		}
		jitter, err := parseOptionalDuration(raw.Jitter)
		if err != nil {
			return nil, fmt.Errorf("scenario %q jitter: %w", name, err)
		}
		if len(raw.Transfers) == 0 {
			return nil, fmt.Errorf("scenario %q has no [[scenario.transfer]] entries", name)
		}
		seed := raw.Seed
		if seed == 0 {
			seed = int64(i + 1)
		}
		transfers := make([]bench.Transfer, 0, len(raw.Transfers))
		for _, t := range raw.Transfers {
			transfers = append(transfers, bench.Transfer{
				Stream:      t.Stream,
				Size:        t.Size,
				Hertz:       t.Hertz,
				ReturnCount: t.ReturnCount,
			})
		}
		out = append(out, bench.Scenario{
			Name:          name,
			Transfers:     transfers,
			Loss:          raw.Loss,
			Delay:         delay,
			Jitter:        jitter,
			RateLimitKbps: raw.RateLimitKbps,
			Seed:          seed,
		})
	}
	return out, nil
}

func parseOptionalDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}
