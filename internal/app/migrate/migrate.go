// Package migrate applies the PostgreSQL record store schema.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	migrationsDir = "migrations"
	runTimeout    = time.Minute
)

// Runner applies embedded goose migrations to one database.
type Runner struct {
	dsn  string
	fsys fs.FS
	log  *slog.Logger
}

// Migration is the applied state of one migration file.
type Migration struct {
	Version   int64
	File      string
	Applied   bool
	AppliedAt time.Time
}

// New returns a Runner for dsn. migrations must hold a "migrations"
// directory of goose SQL files.
func New(dsn string, migrations fs.FS, log *slog.Logger) (Runner, error) {
	if dsn == "" {
		return Runner{}, errors.New("empty database dsn")
	}
	if migrations == nil {
		return Runner{}, errors.New("nil migrations filesystem")
	}
	if _, err := fs.Stat(migrations, migrationsDir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	sub, err := fs.Sub(migrations, migrationsDir)
	if err != nil {
		return Runner{}, err
	}
	if log == nil {
		log = slog.Default()
	}
	return Runner{dsn: dsn, fsys: sub, log: log}, nil
}

// Ensure applies every pending migration.
func (r Runner) Ensure(ctx context.Context) error {
	return r.run(ctx, func(ctx context.Context, p *goose.Provider) error {
		results, err := p.Up(ctx)
		r.logResults(results)
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		version, err := p.GetDBVersion(ctx)
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		r.log.Info("schema up to date", "version", version, "applied", len(results))
		return nil
	})
}

// Status lists every known migration and whether it has been applied.
func (r Runner) Status(ctx context.Context) ([]Migration, error) {
	var out []Migration
	err := r.run(ctx, func(ctx context.Context, p *goose.Provider) error {
		statuses, err := p.Status(ctx)
		if err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		for _, s := range statuses {
			out = append(out, Migration{
				Version:   s.Source.Version,
				File:      filepath.Base(s.Source.Path),
				Applied:   s.State == goose.StateApplied,
				AppliedAt: s.AppliedAt,
			})
		}
		return nil
	})
	return out, err
}

// Down rolls back the latest migration, or every migration above target
// when target is positive.
func (r Runner) Down(ctx context.Context, target int64) error {
	return r.run(ctx, func(ctx context.Context, p *goose.Provider) error {
		if target > 0 {
			results, err := p.DownTo(ctx, target)
			r.logResults(results)
			if err != nil {
				return fmt.Errorf("rollback to version %d: %w", target, err)
			}
			return nil
		}
		result, err := p.Down(ctx)
		if result != nil {
			r.logResults([]*goose.MigrationResult{result})
		}
		if err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		return nil
	})
}

func (r Runner) logResults(results []*goose.MigrationResult) {
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		r.log.Info("migration",
			"direction", res.Direction,
			"version", res.Source.Version,
			"file", filepath.Base(res.Source.Path),
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
}

func (r Runner) run(ctx context.Context, fn func(context.Context, *goose.Provider) error) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, r.fsys)
	if err != nil {
		db.Close()
		return fmt.Errorf("configure goose: %w", err)
	}
	defer provider.Close()

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	if err := db.PingContext(runCtx); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(runCtx, provider)
}
