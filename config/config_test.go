package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Default()
	if cfg.Bridge.TTLSeconds != def.Bridge.TTLSeconds || cfg.Relay.URL != def.Relay.URL {
		t.Error("Missing config file should yield defaults")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
store:
  path: ":memory:"
entropy:
  beacon_urls:
    - https://beacon.example.com/random
  kms: true
  kms_region: eu-west-1
bridge:
  ttl_seconds: 90
backup:
  enabled: true
  bucket: my-backups
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Path != ":memory:" {
		t.Errorf("Expected store path override, got %q", cfg.Store.Path)
	}
	if len(cfg.Entropy.BeaconURLs) != 1 || !cfg.Entropy.KMS || cfg.Entropy.KMSRegion != "eu-west-1" {
		t.Errorf("Entropy config not applied: %+v", cfg.Entropy)
	}
	if cfg.Bridge.TTLSeconds != 90 {
		t.Errorf("Expected TTL 90, got %d", cfg.Bridge.TTLSeconds)
	}
	if !cfg.Backup.Enabled || cfg.Backup.Bucket != "my-backups" {
		t.Errorf("Backup config not applied: %+v", cfg.Backup)
	}
	// untouched sections keep defaults
	if cfg.Relay.URL != Default().Relay.URL {
		t.Errorf("Expected default relay URL, got %q", cfg.Relay.URL)
	}
	if cfg.Entropy.ProviderTimeoutMS != 300 {
		t.Errorf("Expected default provider timeout, got %d", cfg.Entropy.ProviderTimeoutMS)
	}
}

func TestMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{unclosed"), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected parse error for malformed config")
	}
}
