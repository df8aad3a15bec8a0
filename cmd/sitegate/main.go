package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/sitegate/internal/app/migrate"
	"github.com/splax/sitegate/internal/blob"
	"github.com/splax/sitegate/internal/builder"
	"github.com/splax/sitegate/internal/builder/docker"
	httpx "github.com/splax/sitegate/internal/http"
	"github.com/splax/sitegate/internal/metrics"
	"github.com/splax/sitegate/internal/publish"
	"github.com/splax/sitegate/internal/repository"
	"github.com/splax/sitegate/internal/repository/bolt"
	"github.com/splax/sitegate/internal/repository/postgres"
	"github.com/splax/sitegate/internal/repository/sqlite"
	"github.com/splax/sitegate/internal/service/access"
	"github.com/splax/sitegate/internal/service/auth"
	"github.com/splax/sitegate/internal/service/deploy"
	"github.com/splax/sitegate/internal/service/project"
	"github.com/splax/sitegate/internal/service/serve"
	"github.com/splax/sitegate/internal/workspace"
	"github.com/splax/sitegate/internal/ws"
	"github.com/splax/sitegate/pkg/config"
	"github.com/splax/sitegate/pkg/logger"
	"github.com/splax/sitegate/pkg/tracing"
)

func main() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New("sitegate", cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "sitegate", cfg.OTelEndpoint)
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	store, health, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open record store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	blobs, closeBlobs, err := openBlobStore(cfg)
	if err != nil {
		log.Error("failed to open blob store", "backend", cfg.BlobBackend, "error", err)
		os.Exit(1)
	}
	defer closeBlobs.Close()

	scratch, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare workspace", "error", err)
		os.Exit(1)
	}
	runner, closeRunner, err := newRunner(ctx, cfg, log)
	if err != nil {
		log.Error("failed to configure build runner", "runner", cfg.BuildRunner, "error", err)
		os.Exit(1)
	}
	defer closeRunner.Close()

	builds, err := builder.New(scratch, runner, cfg.BuildConcurrency, log,
		builder.WithTimeout(cfg.BuildTimeout),
		builder.WithExtractLimit(cfg.MaxExtractBytes),
	)
	if err != nil {
		log.Error("failed to configure builder", "error", err)
		os.Exit(1)
	}

	pipeline := metrics.NewPipeline(prometheus.DefaultRegisterer)
	hub := ws.NewHub(cfg.EventBuffer)
	defer hub.Close()

	authSvc := auth.New(store, cfg.JWTSecret, cfg.AccessTokenTTL, log)
	if seeded, err := authSvc.SeedAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.Error("failed to seed admin account", "error", err)
		os.Exit(1)
	} else if seeded {
		log.Info("seeded admin account", "email", cfg.AdminEmail)
	}

	deploySvc := deploy.New(deploy.Deps{
		Clients:     store,
		Projects:    store,
		Deployments: store,
		Builder:     builds,
		Publisher:   publish.New(blobs, cfg.PublishConcurrency, log),
		Events:      ws.NewDeploymentStream(hub, log),
		Metrics:     pipeline,
		PublicBase:  cfg.PublicBase,
		Logger:      log,
	})

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Deps{
		Logger:         log,
		Auth:           authSvc,
		Gate:           access.NewGate(store, store, store, cfg.JWTSecret, log),
		Projects:       project.New(store, store, store, log),
		Deploy:         deploySvc,
		Resolver:       serve.NewResolver(blobs, pipeline, log),
		Responder:      serve.NewResponder(log),
		Hub:            hub,
		Limiter:        limiter,
		RateLimit:      cfg.RateLimitRequests,
		RateWindow:     cfg.RateLimitWindow,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Health:         health,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("sitegate starting", "addr", cfg.Addr, "store", cfg.StoreBackend, "blob", cfg.BlobBackend, "runner", cfg.BuildRunner)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("sitegate stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// openStore opens the configured record store and returns a health probe for it.
func openStore(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (repository.Store, func(context.Context) error, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database ping: %w", err)
		}
		runner, err := migrate.New(cfg.DatabaseURL, postgres.Migrations, log)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		return postgres.New(pool), pool.Ping, nil
	case config.StoreSQLite:
		if err := ensureParent(cfg.SQLitePath); err != nil {
			return nil, nil, err
		}
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return &sqlite.Repository{DB: db}, db.PingContext, nil
	case config.StoreBolt:
		if err := ensureParent(cfg.BoltPath); err != nil {
			return nil, nil, err
		}
		store, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

func openBlobStore(cfg config.APIConfig) (blob.Store, io.Closer, error) {
	switch cfg.BlobBackend {
	case config.BlobFS:
		store, err := blob.NewFS(cfg.BlobRoot, cfg.PublicBase)
		if err != nil {
			return nil, nil, err
		}
		return store, noopCloser{}, nil
	case config.BlobBolt:
		if err := ensureParent(cfg.BlobBoltPath); err != nil {
			return nil, nil, err
		}
		store, err := blob.OpenBolt(cfg.BlobBoltPath, cfg.PublicBase)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unsupported blob backend %q", cfg.BlobBackend)
	}
}

func newRunner(ctx context.Context, cfg config.APIConfig, log *slog.Logger) (builder.Runner, io.Closer, error) {
	switch cfg.BuildRunner {
	case config.RunnerDocker:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := docker.Dial(dialCtx, cfg.DockerHost)
		if err != nil {
			return nil, nil, err
		}
		log.Info("docker engine ready", "api_version", client.APIVersion(), "os", client.OSType(), "image", cfg.BuildImage)
		runner, err := docker.NewRunner(client, cfg.BuildImage, log)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return runner, client, nil
	default:
		return builder.HostRunner{Log: log}, noopCloser{}, nil
	}
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

func ensureParent(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
