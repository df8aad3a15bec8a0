package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreBolt     = "bolt"
)

// Blob backends.
const (
	BlobFS   = "fs"
	BlobBolt = "bolt"
)

// Build runners.
const (
	RunnerHost   = "host"
	RunnerDocker = "docker"
)

// APIConfig holds runtime configuration for the sitegate service.
type APIConfig struct {
	Environment string `env:"APP_ENV" envDefault:"development"`
	Addr        string `env:"HTTP_ADDR" envDefault:":4000"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"sqlite"`
	DatabaseURL  string `env:"DATABASE_URL" envDefault:"postgres://sitegate:sitegate@db:5432/sitegate?sslmode=disable"`
	SQLitePath   string `env:"SQLITE_PATH" envDefault:"data/sitegate.db"`
	BoltPath     string `env:"BOLT_PATH" envDefault:"data/records.bolt"`

	BlobBackend  string `env:"BLOB_BACKEND" envDefault:"fs"`
	BlobRoot     string `env:"BLOB_ROOT" envDefault:"data/blobs"`
	BlobBoltPath string `env:"BLOB_BOLT_PATH" envDefault:"data/blobs.bolt"`
	PublicBase   string `env:"PUBLIC_BASE_URL" envDefault:""`

	JWTSecret      string        `env:"JWT_SECRET" envDefault:"supersecuresecret"`
	AccessTokenTTL time.Duration `env:"JWT_TTL" envDefault:"24h"`
	AdminEmail     string        `env:"ADMIN_EMAIL"`
	AdminPassword  string        `env:"ADMIN_PASSWORD"`

	WorkspaceRoot      string        `env:"WORKSPACE_ROOT" envDefault:""`
	BuildRunner        string        `env:"BUILD_RUNNER" envDefault:"host"`
	BuildImage         string        `env:"BUILD_IMAGE" envDefault:"node:20-alpine"`
	DockerHost         string        `env:"DOCKER_HOST_OVERRIDE"`
	BuildTimeout       time.Duration `env:"BUILD_TIMEOUT" envDefault:"10m"`
	BuildConcurrency   int           `env:"BUILD_CONCURRENCY" envDefault:"2"`
	PublishConcurrency int           `env:"PUBLISH_CONCURRENCY" envDefault:"8"`
	MaxUploadBytes     int64         `env:"MAX_UPLOAD_BYTES" envDefault:"104857600"`
	MaxExtractBytes    int64         `env:"MAX_EXTRACT_BYTES" envDefault:"524288000"`

	RateLimitRequests  int           `env:"RATE_LIMIT_REQUESTS" envDefault:"600"`
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	RateLimitRedisAddr string        `env:"RATE_LIMIT_REDIS_ADDR"`
	RateLimitRedisPass string        `env:"RATE_LIMIT_REDIS_PASSWORD"`
	RateLimitRedisDB   int           `env:"RATE_LIMIT_REDIS_DB" envDefault:"0"`

	EventBuffer  int    `env:"WS_EVENT_BUFFER" envDefault:"32"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() (APIConfig, error) {
	var cfg APIConfig
	if err := ParseEnv(&cfg); err != nil {
		return APIConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return APIConfig{}, err
	}
	return cfg, nil
}

// Validate rejects unknown backend names and non-positive limits.
func (c APIConfig) Validate() error {
	switch c.StoreBackend {
	case StorePostgres, StoreSQLite, StoreBolt:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.BlobBackend {
	case BlobFS, BlobBolt:
	default:
		return fmt.Errorf("unsupported BLOB_BACKEND %q", c.BlobBackend)
	}
	switch c.BuildRunner {
	case RunnerHost, RunnerDocker:
	default:
		return fmt.Errorf("unsupported BUILD_RUNNER %q", c.BuildRunner)
	}
	if c.BuildConcurrency <= 0 {
		return fmt.Errorf("BUILD_CONCURRENCY must be positive")
	}
	if c.PublishConcurrency <= 0 {
		return fmt.Errorf("PUBLISH_CONCURRENCY must be positive")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c APIConfig) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
