package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/towerctl/internal/agent"
	"github.com/danmuck/towerctl/internal/protocol/session"
)

type fileConfig struct {
	DataDir           string   `toml:"data_dir"`
	KeyFile           string   `toml:"key_file"`
	TowersFile        string   `toml:"towers_file"`
	AdminListenAddr   string   `toml:"admin_listen_addr"`
	CorsOrigins       []string `toml:"cors_origins"`
	AdminTokens       []string `toml:"admin_tokens"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`

	MaxRetries int     `toml:"max_retries"`
	SendRate   float64 `toml:"send_rate"`
	SendBurst  int     `toml:"send_burst"`

	ConnectTimeoutMS   int64   `toml:"connect_timeout_ms"`
	HandshakeTimeoutMS int64   `toml:"handshake_timeout_ms"`
	RequestTimeoutMS   int64   `toml:"request_timeout_ms"`
	MaxPayload         uint64  `toml:"max_payload"`
	BackoffInitialMS   int64   `toml:"backoff_initial_ms"`
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	BackoffMaxMS       int64   `toml:"backoff_max_ms"`
	BackoffJitter      bool    `toml:"backoff_jitter"`

	SecurityMode          string `toml:"security_mode"`
	TLSEnabled            bool   `toml:"tls_enabled"`
	TLSMutual             bool   `toml:"tls_mutual"`
	TLSCAFile             string `toml:"tls_ca_file"`
	TLSCertFile           string `toml:"tls_cert_file"`
	TLSKeyFile            string `toml:"tls_key_file"`
	TLSServerName         string `toml:"tls_server_name"`
	TLSInsecureSkipVerify bool   `toml:"tls_insecure_skip_verify"`
}

func loadServiceConfig(path string) (agent.ServiceConfig, error) {
	cfg := agent.DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return agent.ServiceConfig{}, fmt.Errorf("load towerctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return agent.ServiceConfig{}, fmt.Errorf("load towerctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("towers_file") {
		cfg.TowersFile = strings.TrimSpace(raw.TowersFile)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("admin_tokens") {
		cfg.AdminTokens = normalizeList(raw.AdminTokens)
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return agent.ServiceConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}

	if meta.IsDefined("max_retries") {
		cfg.Delivery.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("send_rate") {
		cfg.Delivery.SendRate = raw.SendRate
	}
	if meta.IsDefined("send_burst") {
		cfg.Delivery.SendBurst = raw.SendBurst
	}

	sc := &cfg.Session
	if meta.IsDefined("connect_timeout_ms") {
		sc.ConnectTimeout = time.Duration(raw.ConnectTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("handshake_timeout_ms") {
		sc.HandshakeTimeout = time.Duration(raw.HandshakeTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("request_timeout_ms") {
		sc.RequestTimeout = time.Duration(raw.RequestTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("max_payload") {
		sc.MaxPayload = raw.MaxPayload
	}
	if meta.IsDefined("backoff_initial_ms") {
		sc.Backoff.InitialDelay = time.Duration(raw.BackoffInitialMS) * time.Millisecond
	}
	if meta.IsDefined("backoff_multiplier") {
		sc.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_max_ms") {
		sc.Backoff.MaxDelay = time.Duration(raw.BackoffMaxMS) * time.Millisecond
	}
	if meta.IsDefined("backoff_jitter") {
		sc.Backoff.Jitter = raw.BackoffJitter
	}
	// Delivery retries follow the session backoff.
	cfg.Delivery.Backoff = sc.Backoff

	if meta.IsDefined("security_mode") {
		sc.SecurityMode = session.NormalizeSecurityMode(session.SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("tls_enabled") {
		sc.TLS.Enabled = raw.TLSEnabled
	}
	if meta.IsDefined("tls_mutual") {
		sc.TLS.Mutual = raw.TLSMutual
	}
	if meta.IsDefined("tls_ca_file") {
		sc.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if meta.IsDefined("tls_cert_file") {
		sc.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if meta.IsDefined("tls_key_file") {
		sc.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if meta.IsDefined("tls_server_name") {
		sc.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if meta.IsDefined("tls_insecure_skip_verify") {
		sc.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerify
	}
	if err := sc.ValidateClientTransport(); err != nil {
		return agent.ServiceConfig{}, err
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
