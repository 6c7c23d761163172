package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DAIV_SANDBOX_API_KEY", "secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != "8000" {
		t.Fatalf("unexpected host/port defaults: %+v", cfg)
	}
	if cfg.Runtime != "runc" {
		t.Fatalf("runtime default = %q, want %q", cfg.Runtime, "runc")
	}
	if cfg.RunUID != 1000 || cfg.RunGID != 1000 {
		t.Fatalf("uid/gid defaults = %d/%d, want 1000/1000", cfg.RunUID, cfg.RunGID)
	}
	if cfg.GitImage != "alpine/git:2.49.1" {
		t.Fatalf("git image default = %q", cfg.GitImage)
	}
	if !cfg.NetworkEnabled || !cfg.MetricsEnabled {
		t.Fatalf("expected network and metrics enabled by default: %+v", cfg)
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when no API key is configured")
	}
}

func TestLoadReadsAPIKeyFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api_key")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	t.Setenv("DAIV_SANDBOX_API_KEY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "from-file" {
		t.Fatalf("APIKey = %q, want %q", cfg.APIKey, "from-file")
	}
}

func TestLoadRejectsInvalidBool(t *testing.T) {
	t.Setenv("DAIV_SANDBOX_API_KEY", "secret")
	t.Setenv("DAIV_SANDBOX_NETWORK_ENABLED", "not-a-bool")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid DAIV_SANDBOX_NETWORK_ENABLED")
	}
}
