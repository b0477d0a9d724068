// Package config loads the daemon configuration: YAML with ${VAR:default}
// environment substitution, plus optional .env loading.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure
type Config struct {
	Identity IdentityConfig `yaml:"identity" json:"identity"`
	Tor      TorConfig      `yaml:"tor" json:"tor"`
	Protocol ProtocolConfig `yaml:"protocol" json:"protocol"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Bridge   BridgeConfig   `yaml:"bridge" json:"bridge"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// IdentityConfig locates the local peer's long-term keys and onion address
type IdentityConfig struct {
	OnionAddress   string `yaml:"onion_address" json:"onion_address"`
	SigningKeyFile string `yaml:"signing_key_file" json:"signing_key_file"`
	X25519KeyFile  string `yaml:"x25519_key_file" json:"x25519_key_file"`
}

// TorConfig describes the SOCKS egress and the hidden-service listener
type TorConfig struct {
	SocksHost    string `yaml:"socks_host" json:"socks_host"`
	SocksPort    int    `yaml:"socks_port" json:"socks_port"`
	ListenerBind string `yaml:"listener_bind" json:"listener_bind"`
	VirtualPort  int    `yaml:"virtual_port" json:"virtual_port"`
}

// ProtocolConfig carries the recognised wake-protocol options
type ProtocolConfig struct {
	ReplayWindowSeconds     int     `yaml:"replay_window_seconds" json:"replay_window_seconds"`
	SkipWindowSize          int     `yaml:"skip_window_size" json:"skip_window_size"`
	SkipKeyTTLDays          int     `yaml:"skip_key_ttl_days" json:"skip_key_ttl_days"`
	SendMaxAttempts         int     `yaml:"send_max_attempts" json:"send_max_attempts"`
	SendBackoffBaseMs       int     `yaml:"send_backoff_base_ms" json:"send_backoff_base_ms"`
	SendBackoffCapMs        int     `yaml:"send_backoff_cap_ms" json:"send_backoff_cap_ms"`
	JitterFraction          float64 `yaml:"jitter_fraction" json:"jitter_fraction"`
	PongDeadlineMs          int     `yaml:"pong_deadline_ms" json:"pong_deadline_ms"`
	MsgAckDeadlineMs        int     `yaml:"msg_ack_deadline_ms" json:"msg_ack_deadline_ms"`
	ConnectionReuseMaxAgeMs int     `yaml:"connection_reuse_max_age_ms" json:"connection_reuse_max_age_ms"`
	DeviceProtectionEnabled bool    `yaml:"device_protection_enabled" json:"device_protection_enabled"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"` // memory, postgres
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// PostgresConfig holds the database connection settings
type PostgresConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	SSLMode  string `yaml:"sslmode" json:"sslmode"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// BridgeConfig controls the local UI WebSocket bridge
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Default returns a configuration with every documented default filled in.
func Default() *Config {
	return &Config{
		Tor: TorConfig{
			SocksHost:    "127.0.0.1",
			SocksPort:    9050,
			ListenerBind: "127.0.0.1:7321",
			VirtualPort:  7321,
		},
		Protocol: ProtocolConfig{
			ReplayWindowSeconds:     300,
			SkipWindowSize:          1000,
			SkipKeyTTLDays:          30,
			SendMaxAttempts:         8,
			SendBackoffBaseMs:       2000,
			SendBackoffCapMs:        300000,
			JitterFraction:          0.25,
			PongDeadlineMs:          25000,
			MsgAckDeadlineMs:        30000,
			ConnectionReuseMaxAgeMs: 30000,
		},
		Storage: StorageConfig{Type: "memory"},
		Metrics: MetricsConfig{Enabled: true, Addr: "127.0.0.1:9464"},
		Bridge:  BridgeConfig{Enabled: true, Addr: "127.0.0.1:7322"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Identity.OnionAddress == "" {
		return fmt.Errorf("identity.onion_address is required")
	}
	if len(c.Identity.OnionAddress) != 62 { // 56-char v3 address + ".onion"
		return fmt.Errorf("identity.onion_address must be a v3 onion address")
	}
	if c.Tor.SocksPort <= 0 || c.Tor.SocksPort > 65535 {
		return fmt.Errorf("tor.socks_port out of range: %d", c.Tor.SocksPort)
	}
	switch c.Storage.Type {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.type must be memory or postgres, got %q", c.Storage.Type)
	}
	if c.Protocol.SkipWindowSize <= 0 {
		return fmt.Errorf("protocol.skip_window_size must be positive")
	}
	if c.Protocol.JitterFraction < 0 || c.Protocol.JitterFraction >= 1 {
		return fmt.Errorf("protocol.jitter_fraction must be in [0, 1)")
	}
	return nil
}

// ReplayWindow returns the protocol replay window as a duration.
func (p ProtocolConfig) ReplayWindow() time.Duration {
	return time.Duration(p.ReplayWindowSeconds) * time.Second
}

// SkipKeyTTL returns the skip-key lifetime as a duration.
func (p ProtocolConfig) SkipKeyTTL() time.Duration {
	return time.Duration(p.SkipKeyTTLDays) * 24 * time.Hour
}
