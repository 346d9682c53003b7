package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "towerctl":
		return towerctlTemplate, nil
	case "towers":
		return towersTemplate, nil
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

const towerctlTemplate = `data_dir = "local/towerctl/db"
key_file = "local/towerctl/user.key"
towers_file = "cmd/towerctl/towers.toml"
admin_listen_addr = "127.0.0.1:7020"
cors_origins = ["http://localhost:3000"]
admin_tokens = []
heartbeat_interval = "30s"

max_retries = 5
send_rate = 0.0
send_burst = 1

connect_timeout_ms = 5000
handshake_timeout_ms = 5000
request_timeout_ms = 15000
backoff_initial_ms = 1000
backoff_multiplier = 2.0
backoff_max_ms = 60000
backoff_jitter = false

security_mode = "development"
tls_enabled = false
tls_mutual = false
tls_ca_file = ""
tls_cert_file = ""
tls_key_file = ""
tls_server_name = ""
`

const towersTemplate = `# Towers registered at startup. pubkey is the hex compressed secp256k1 key.
[[towers]]
name = "local"
address = "127.0.0.1:9814"
pubkey = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
`
