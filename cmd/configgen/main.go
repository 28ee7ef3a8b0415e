package main

import (
	"flag"
	"log"

	"github.com/danmuck/miknet/internal/config"
)

func defaultPath(kind string) string {
	switch kind {
	case "endpoint":
		return "cmd/miknetd/endpoint.toml"
	case "bench":
		return "cmd/mikbench/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

func main() {
	kind := flag.String("kind", "endpoint", "config kind: endpoint|bench")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing endpoint config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		if *kind != "endpoint" {
			log.Fatalf("validation supports kind endpoint only, got %s", *kind)
		}
		if _, err := config.LoadEndpointConfig(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
