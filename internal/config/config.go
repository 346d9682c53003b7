package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/danmuck/towerctl/internal/domain"
	"github.com/pelletier/go-toml/v2"
)

// TowersConfig is the static list of towers registered at startup.
type TowersConfig struct {
	Towers []TowerEntry `toml:"towers"`
}

type TowerEntry struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
	PubKey  string `toml:"pubkey"`
}

func LoadTowersConfig(path string) (TowersConfig, error) {
	var cfg TowersConfig
	if err := loadToml(path, &cfg); err != nil {
		return TowersConfig{}, err
	}
	for i := range cfg.Towers {
		cfg.Towers[i].Name = strings.TrimSpace(cfg.Towers[i].Name)
		cfg.Towers[i].Address = strings.TrimSpace(cfg.Towers[i].Address)
		cfg.Towers[i].PubKey = strings.ToLower(strings.TrimSpace(cfg.Towers[i].PubKey))
	}
	if err := ValidateTowersConfig(cfg); err != nil {
		return TowersConfig{}, err
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

func ValidateTowersConfig(cfg TowersConfig) error {
	seen := make(map[string]int, len(cfg.Towers))
	for i, entry := range cfg.Towers {
		if err := ValidateTowerEntry(entry); err != nil {
			return fmt.Errorf("tower[%d] invalid: %w", i, err)
		}
		if prev, ok := seen[entry.PubKey]; ok {
			return fmt.Errorf("tower[%d] duplicates tower[%d] pubkey", i, prev)
		}
		seen[entry.PubKey] = i
	}
	return nil
}

func ValidateTowerEntry(entry TowerEntry) error {
	if entry.Address == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(entry.Address); err != nil {
		return fmt.Errorf("%w: %q", domain.ErrInvalidAddress, entry.Address)
	}
	if entry.PubKey == "" {
		return fmt.Errorf("pubkey is required")
	}
	if _, err := domain.ParseTowerPubKey(entry.PubKey); err != nil {
		return err
	}
	return nil
}
