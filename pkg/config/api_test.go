package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadAPIConfigFromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "bolt")
	t.Setenv("BUILD_TIMEOUT", "90s")
	t.Setenv("LOG_LEVEL", "debug")
	cfg, err := LoadAPIConfig()
	if err != nil {
		t.Fatalf("LoadAPIConfig: %v", err)
	}
	if cfg.StoreBackend != StoreBolt {
		t.Fatalf("expected bolt backend, got %q", cfg.StoreBackend)
	}
	if cfg.BuildTimeout != 90*time.Second {
		t.Fatalf("expected 90s build timeout, got %s", cfg.BuildTimeout)
	}
	if cfg.BlobBackend != BlobFS {
		t.Fatalf("expected default fs blob backend, got %q", cfg.BlobBackend)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", cfg.SlogLevel())
	}
}

func TestValidateRejectsUnknownRunner(t *testing.T) {
	cfg := APIConfig{
		StoreBackend:       StoreSQLite,
		BlobBackend:        BlobFS,
		BuildRunner:        "podman",
		BuildConcurrency:   1,
		PublishConcurrency: 1,
		JWTSecret:          "s",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown runner to be rejected")
	}
	cfg.BuildRunner = RunnerDocker
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
