package config

import (
	"path/filepath"
	"testing"
)

func TestCLIConfigRoundTripWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitegate", "config.json")

	cfg, err := LoadCLIConfig(path)
	if err != nil {
		t.Fatalf("missing file should load empty config: %v", err)
	}
	if cfg.APIBaseURL != "" {
		t.Fatalf("expected empty base url, got %q", cfg.APIBaseURL)
	}

	cfg.APIBaseURL = "https://api.example.com"
	cfg.Email = "ops@example.com"
	if err := SaveCLIConfig(path, cfg); err != nil {
		t.Fatalf("SaveCLIConfig: %v", err)
	}

	loaded, err := LoadCLIConfig(path)
	if err != nil {
		t.Fatalf("LoadCLIConfig: %v", err)
	}
	if loaded.APIBaseURL != "https://api.example.com" || loaded.Email != "ops@example.com" {
		t.Fatalf("unexpected config: %+v", loaded)
	}

	t.Setenv("SITEGATE_API_URL", "http://localhost:9000")
	loaded, err = LoadCLIConfig(path)
	if err != nil {
		t.Fatalf("LoadCLIConfig with env: %v", err)
	}
	if loaded.APIBaseURL != "http://localhost:9000" {
		t.Fatalf("expected env override, got %q", loaded.APIBaseURL)
	}
	if loaded.Email != "ops@example.com" {
		t.Fatalf("env override should keep file values, got %+v", loaded)
	}
}
