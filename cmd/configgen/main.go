package main

import (
	"flag"
	"log"

	"github.com/danmuck/towerctl/internal/config"
)

func main() {
	kind := flag.String("kind", "towers", "config kind: towers|towerctl")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing towers file")
	input := flag.String("input", "", "config path for validation (defaults to cmd/towerctl/towers.toml)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if *kind != "towers" {
			log.Fatalf("validation supports kind=towers only, got %s", *kind)
		}
		path := *input
		if path == "" {
			path = "cmd/towerctl/towers.toml"
		}
		cfg, err := config.LoadTowersConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %d towers at %s", len(cfg.Towers), path)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "towers":
			target = "cmd/towerctl/towers.toml"
		case "towerctl":
			target = "cmd/towerctl/config.toml"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
