// Package config loads the recoveryd configuration from YAML, falling
// back to defaults when no file is present.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/keyhaven/recovery-engine/bridge"
)

// Config holds the recoveryd configuration.
type Config struct {
	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Entropy provider chain
	Entropy EntropyConfig `yaml:"entropy"`

	// Pairing bridge settings
	Bridge BridgeConfig `yaml:"bridge"`

	// NATS relay for pairing
	Relay bridge.RelayConfig `yaml:"relay"`

	// S3 backup settings
	Backup BackupConfig `yaml:"backup"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Path to the SQLite database; ":memory:" for an ephemeral store
	Path string `yaml:"path"`
	// Path to the file holding the 32-byte DEK
	DEKFile string `yaml:"dek_file"`
}

// EntropyConfig holds the external entropy provider chain. Providers
// are tried in order; the local CSPRNG always backs them.
type EntropyConfig struct {
	// Beacon URLs, tried in listed order
	BeaconURLs []string `yaml:"beacon_urls"`
	// Enable the AWS KMS GenerateRandom provider
	KMS       bool   `yaml:"kms"`
	KMSRegion string `yaml:"kms_region"`
	// Enable the Nitro NSM provider when /dev/nsm is present
	NSM bool `yaml:"nsm"`
	// Per-provider timeout in milliseconds
	ProviderTimeoutMS int `yaml:"provider_timeout_ms"`
}

// BridgeConfig holds pairing bridge settings.
type BridgeConfig struct {
	// Token lifetime in seconds, clamped to the allowed window
	TTLSeconds int `yaml:"ttl_seconds"`
	// Reaper interval in seconds
	ReapIntervalSeconds int `yaml:"reap_interval_seconds"`
}

// BackupConfig holds S3 backup settings.
type BackupConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	KeyPrefix       string `yaml:"key_prefix"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:    "/var/lib/keyhaven/recovery.db",
			DEKFile: "/etc/keyhaven/storage.key",
		},
		Entropy: EntropyConfig{
			ProviderTimeoutMS: 300,
		},
		Bridge: BridgeConfig{
			TTLSeconds:          75,
			ReapIntervalSeconds: 30,
		},
		Relay: bridge.RelayConfig{
			URL:           "nats://relay.keyhaven.internal:4222",
			ReconnectWait: 2000,
			MaxReconnects: -1, // Unlimited
		},
		Backup: BackupConfig{
			Enabled:         false,
			Region:          "us-east-1",
			KeyPrefix:       "recovery/",
			IntervalMinutes: 5,
		},
	}
}
