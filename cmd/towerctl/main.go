package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/towerctl/internal/agent"
	"github.com/danmuck/towerctl/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to towerctl TOML config")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := agent.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "towerctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	svc := agent.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "towerctl: %v\n", err)
		os.Exit(1)
	}
}
