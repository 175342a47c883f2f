// Package config loads and validates server configuration from an optional
// YAML file laid over built-in defaults. No CLI flag overrides a loaded
// value.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// CollectionNamePattern is the regex every collection name must match.
var CollectionNamePattern = regexp.MustCompile(`^[^./\\]+$`)

// Config holds every recognized server option from the external interface.
type Config struct {
	Host                     string `yaml:"host"`
	Port                     uint16 `yaml:"port"`
	MaxConcurrentConnections uint32 `yaml:"max_concurrent_connections"`
	ConnectionTimeoutMs      uint32 `yaml:"connection_timeout_ms"`
	KeepAliveIntervalMs      uint32 `yaml:"keep_alive_interval_ms"`
	ReceiveBufferSize        uint32 `yaml:"receive_buffer_size"`
	SendBufferSize           uint32 `yaml:"send_buffer_size"`

	DataPath string `yaml:"data_path"`

	MaxCacheItemCount uint32 `yaml:"max_cache_item_count"`
	MaxCacheSizeBytes uint64 `yaml:"max_cache_size_bytes"`
	DefaultCacheTTLMs uint64 `yaml:"default_cache_ttl_ms"`

	RequireAuthentication bool   `yaml:"require_authentication"`
	MasterPassword        string `yaml:"master_password"`
	TokenExpirationHours  uint32 `yaml:"token_expiration_hours"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
}

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		Host:                     "0.0.0.0",
		Port:                     9090,
		MaxConcurrentConnections: 10000,
		ConnectionTimeoutMs:      30000,
		KeepAliveIntervalMs:      60000,
		ReceiveBufferSize:        64 * 1024,
		SendBufferSize:           64 * 1024,

		DataPath: "data",

		MaxCacheItemCount: 10000,
		MaxCacheSizeBytes: 100 * 1024 * 1024,
		DefaultCacheTTLMs: 1_800_000,

		RequireAuthentication: false,
		TokenExpirationHours:  24,

		LogLevel: "info",
		LogJSON:  false,
	}
}

// Load reads a YAML config file over the defaults. A missing path is not an
// error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks structural invariants that defaults alone cannot enforce.
func (c *Config) Validate() error {
	if c.MaxConcurrentConnections == 0 {
		return fmt.Errorf("max_concurrent_connections must be > 0")
	}
	if c.MaxCacheItemCount == 0 {
		return fmt.Errorf("max_cache_item_count must be > 0")
	}
	if c.MaxCacheSizeBytes == 0 {
		return fmt.Errorf("max_cache_size_bytes must be > 0")
	}
	if c.DefaultCacheTTLMs == 0 {
		return fmt.Errorf("default_cache_ttl_ms must be > 0")
	}
	if c.RequireAuthentication && c.MasterPassword == "" {
		return fmt.Errorf("master_password is required when require_authentication is set")
	}
	return nil
}

// ValidCollectionName reports whether name satisfies the collection naming
// rule: matches the pattern and does not contain a parent-directory segment.
func ValidCollectionName(name string) bool {
	if name == "" || !CollectionNamePattern.MatchString(name) {
		return false
	}
	if name == ".." {
		return false
	}
	return true
}
