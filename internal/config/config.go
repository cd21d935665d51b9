// Package config loads and saves .rss/rush.toml, the operator-facing
// configuration described in spec.md §6. It mirrors the teacher's
// pkg/config.Config in shape (flat struct, Load/Save, Validate) but reads
// TOML instead of JSON, via github.com/pelletier/go-toml/v2, and layers an
// environment-variable overlay for the API key that is never written
// back to disk.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

type ServerConfig struct {
	BindAddress        string `toml:"bind_address"`
	Workers             int   `toml:"workers"`
	ShutdownTimeoutSecs int   `toml:"shutdown_timeout"`
	StartupDelayMS      int   `toml:"startup_delay_ms"`
	PortRangeStart      int   `toml:"port_range_start"`
	PortRangeEnd        int   `toml:"port_range_end"`
	MaxConcurrent       int   `toml:"max_concurrent"`
	AutoOpenBrowser     bool  `toml:"auto_open_browser"`
	EnableHTTPS         bool  `toml:"enable_https"`
	AutoCert            bool  `toml:"auto_cert"`
	CertDir             string `toml:"cert_dir"`
	CertValidityDays    int   `toml:"cert_validity_days"`
	HTTPSPortOffset     int   `toml:"https_port_offset"`
	ProductionDomain    string `toml:"production_domain"`
	APIKey              string `toml:"api_key"`
	RateLimitRPS        float64 `toml:"rate_limit_rps"`
	RateLimitEnabled    bool  `toml:"rate_limit_enabled"`
}

type ProxyConfig struct {
	Enabled          bool   `toml:"enabled"`
	Port             int    `toml:"port"`
	BindAddress      string `toml:"bind_address"`
	HTTPSPortOffset  int    `toml:"https_port_offset"`
	ProductionDomain string `toml:"production_domain"`
	UseLetsEncrypt   bool   `toml:"use_lets_encrypt"`
}

type LoggingConfig struct {
	MaxFileSizeMB      int  `toml:"max_file_size_mb"`
	MaxArchiveFiles    int  `toml:"max_archive_files"`
	CompressArchives   bool `toml:"compress_archives"`
	LogRequests        bool `toml:"log_requests"`
	LogSecurityAlerts  bool `toml:"log_security_alerts"`
	LogPerformance     bool `toml:"log_performance"`
}

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Proxy   ProxyConfig   `toml:"proxy"`
	Logging LoggingConfig `toml:"logging"`

	// apiKeyFingerprint is stamped in-memory after the env overlay is
	// applied; it is never serialized. See SPEC_FULL.md §4.1.6.
	apiKeyFingerprint string
}

// Default returns the baseline configuration used when no rush.toml
// exists yet.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:         "127.0.0.1",
			Workers:             4,
			ShutdownTimeoutSecs: 3,
			StartupDelayMS:      150,
			PortRangeStart:      9000,
			PortRangeEnd:        9999,
			MaxConcurrent:       50,
			AutoOpenBrowser:     false,
			EnableHTTPS:         true,
			AutoCert:            true,
			CertDir:             ".rss/certs",
			CertValidityDays:    365,
			HTTPSPortOffset:     1000,
			ProductionDomain:    "localhost",
			RateLimitRPS:        20,
			RateLimitEnabled:    true,
		},
		Proxy: ProxyConfig{
			Enabled:          true,
			Port:             3000,
			BindAddress:      "0.0.0.0",
			HTTPSPortOffset:  443,
			ProductionDomain: "localhost",
			UseLetsEncrypt:   false,
		},
		Logging: LoggingConfig{
			MaxFileSizeMB:     10,
			MaxArchiveFiles:   5,
			CompressArchives:  true,
			LogRequests:       true,
			LogSecurityAlerts: true,
			LogPerformance:    true,
		},
	}
}

func baseDir() string { return ".rss" }

func ConfigPath() string { return filepath.Join(baseDir(), "rush.toml") }

// Load reads .rss/rush.toml, falling back to Default() when the file does
// not exist, then applies the RUSH_API_KEY environment overlay.
func Load() (*Config, error) {
	cfg := Default()
	b, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		applyEnv(cfg)
		return cfg, nil
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// Save writes cfg atomically (tmp + rename), never persisting an
// environment-sourced API key.
func Save(cfg *Config) error {
	if err := os.MkdirAll(baseDir(), 0o755); err != nil {
		return err
	}
	out := *cfg
	if envKey := os.Getenv("RUSH_API_KEY"); envKey != "" {
		out.Server.APIKey = "" // never echo an env-sourced key to disk
	}
	b, err := toml.Marshal(&out)
	if err != nil {
		return err
	}
	tmp := ConfigPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ConfigPath())
}

func applyEnv(cfg *Config) {
	if k := os.Getenv("RUSH_API_KEY"); k != "" {
		cfg.Server.APIKey = k
	}
	sum := sha256.Sum256([]byte(cfg.Server.APIKey))
	cfg.apiKeyFingerprint = hex.EncodeToString(sum[:8])
}

// APIKeyFingerprint returns a short, non-reversible stamp of the active
// key, used only to distinguish "wrong key" from "stale pre-hashed value
// computed against a rotated key" in SecurityAlert logs.
func (c *Config) APIKeyFingerprint() string { return c.apiKeyFingerprint }

func (c *Config) Validate() error {
	if c.Server.PortRangeStart < 1024 || c.Server.PortRangeEnd > 65535 || c.Server.PortRangeStart > c.Server.PortRangeEnd {
		return fmt.Errorf("invalid port range [%d,%d]", c.Server.PortRangeStart, c.Server.PortRangeEnd)
	}
	if c.Server.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.Logging.MaxFileSizeMB <= 0 {
		return fmt.Errorf("logging.max_file_size_mb must be positive")
	}
	return nil
}
