package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// CLIConfig holds the sitectl settings persisted between invocations.
// AccessToken is only written when the OS keyring is unavailable.
type CLIConfig struct {
	APIBaseURL  string    `json:"api_base_url" env:"SITEGATE_API_URL"`
	Email       string    `json:"email,omitempty"`
	AccessToken string    `json:"access_token,omitempty" env:"SITEGATE_TOKEN"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// DefaultCLIConfigPath returns the per-user sitectl config location.
func DefaultCLIConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "sitegate", "config.json"), nil
}

// LoadCLIConfig reads the config file at path, if present, then applies
// environment overrides.
func LoadCLIConfig(path string) (CLIConfig, error) {
	var cfg CLIConfig
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return CLIConfig{}, fmt.Errorf("read cli config: %w", err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return CLIConfig{}, fmt.Errorf("decode cli config: %w", err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return CLIConfig{}, err
	}
	return cfg, nil
}

// SaveCLIConfig writes cfg to path with owner-only permissions.
func SaveCLIConfig(path string, cfg CLIConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cli config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write cli config: %w", err)
	}
	return nil
}
