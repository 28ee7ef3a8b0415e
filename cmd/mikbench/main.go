package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/danmuck/miknet/internal/bench"
	"github.com/danmuck/miknet/internal/observability"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "scenario file path; empty runs the built-in scenarios")
	output := flag.String("output", "", "override comparison csv path")
	filter := flag.String("filter", "", "only run scenarios whose name contains this")
	flag.Parse()

	observability.InitLogger("mikbench")
	cfg := defaultBenchConfig()
	if *configPath != "" {
		loaded, err := loadBenchConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load bench config")
		}
		cfg = loaded
	}
	if *output != "" {
		cfg.Output = *output
	}
	cfg.Scenarios = bench.Filter(cfg.Scenarios, *filter)
	if len(cfg.Scenarios) == 0 {
		log.Fatal().Str("filter", *filter).Msg("no scenario matches the filter")
	}
	log.Info().Str("path", *configPath).Str("filter", *filter).Int("scenarios", len(cfg.Scenarios)).Msg("loaded bench config")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("bench failed")
	}
}

func run(ctx context.Context, cfg benchConfig) error {
	comps, err := bench.CompareAll(ctx, cfg.Scenarios)
	if err != nil {
		return err
	}
	for _, c := range comps {
		log.Info().
			Str("scenario", c.Scenario.Name).
			Str("least_latent", string(c.LeastLatent)).
			Str("least_variant", string(c.LeastVariant)).
			Msg("compared")
	}

	if err := writeFile(cfg.Output, func(f *os.File) error { return bench.WriteCSV(f, comps) }); err != nil {
		return err
	}
	log.Info().Str("path", cfg.Output).Msg("wrote comparison")

	if cfg.TripsDir == "" {
		return nil
	}
	if err := os.MkdirAll(cfg.TripsDir, 0o755); err != nil {
		return err
	}
	for _, c := range comps {
		for _, p := range bench.Protocols {
			s, ok := c.Summaries[p]
			if !ok {
				continue
			}
			path := filepath.Join(cfg.TripsDir, fmt.Sprintf("%s_%s.csv", c.Scenario.Name, p))
			if err := writeFile(path, func(f *os.File) error { return bench.WriteTrips(f, s) }); err != nil {
				return err
			}
		}
	}
	log.Info().Str("dir", cfg.TripsDir).Msg("wrote trip reports")
	return nil
}

func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
