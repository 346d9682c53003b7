package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/towerctl/internal/domain"
	"github.com/danmuck/towerctl/internal/testutil/testlog"
)

const generatorKey = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "towers.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTowersConfigNormalizesEntries(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
[[towers]]
name = " primary "
address = " 10.0.0.5:9814 "
pubkey = "`+strings.ToUpper(generatorKey)+`"
`)
	cfg, err := LoadTowersConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Towers) != 1 {
		t.Fatalf("towers=%d", len(cfg.Towers))
	}
	got := cfg.Towers[0]
	if got.Name != "primary" || got.Address != "10.0.0.5:9814" || got.PubKey != generatorKey {
		t.Fatalf("entry=%+v", got)
	}
}

func TestLoadTowersConfigRejectsBadEntries(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"missing address": `[[towers]]
pubkey = "` + generatorKey + `"`,
		"address without port": `[[towers]]
address = "10.0.0.5"
pubkey = "` + generatorKey + `"`,
		"missing pubkey": `[[towers]]
address = "10.0.0.5:9814"`,
		"bad pubkey": `[[towers]]
address = "10.0.0.5:9814"
pubkey = "02abcd"`,
		"duplicate": `[[towers]]
address = "10.0.0.5:9814"
pubkey = "` + generatorKey + `"
[[towers]]
address = "10.0.0.6:9814"
pubkey = "` + generatorKey + `"`,
	}
	for name, body := range cases {
		if _, err := LoadTowersConfig(writeFile(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidateTowerEntryWrapsDomainErrors(t *testing.T) {
	testlog.Start(t)
	err := ValidateTowerEntry(TowerEntry{Address: "nope", PubKey: generatorKey})
	if !errors.Is(err, domain.ErrInvalidAddress) {
		t.Fatalf("address err=%v", err)
	}
	err = ValidateTowerEntry(TowerEntry{Address: "10.0.0.5:9814", PubKey: "zz"})
	if !errors.Is(err, domain.ErrInvalidTowerKey) {
		t.Fatalf("pubkey err=%v", err)
	}
}

func TestLoadTowersConfigMissingFile(t *testing.T) {
	testlog.Start(t)
	if _, err := LoadTowersConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestTemplatesParse(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "towers.toml")
	if err := WriteTemplate(path, "towers", false); err != nil {
		t.Fatalf("write towers template: %v", err)
	}
	cfg, err := LoadTowersConfig(path)
	if err != nil {
		t.Fatalf("towers template does not load: %v", err)
	}
	if len(cfg.Towers) != 1 {
		t.Fatalf("towers=%d", len(cfg.Towers))
	}
	if err := WriteTemplate(path, "towers", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, "towers", true); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
	if _, err := Template("watchtower"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, err := Template("towerctl"); err != nil {
		t.Fatalf("towerctl template: %v", err)
	}
}
