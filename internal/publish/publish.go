// Package publish uploads a build output tree to the blob store.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/splax/sitegate/internal/blob"
	"github.com/splax/sitegate/pkg/tracing"
)

const defaultConcurrency = 8

// PublishError reports the first object that failed to upload. Objects
// uploaded before it stay in the store.
type PublishError struct {
	Key string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Key, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Result summarises a publish run.
type Result struct {
	FileCount int
	// IndexURL is the store URL of the root index.html, if one was uploaded.
	IndexURL string
}

// Publisher uploads files with bounded parallelism.
type Publisher struct {
	store       blob.Store
	concurrency int
	log         *slog.Logger
}

// New returns a Publisher writing to store.
func New(store blob.Store, concurrency int, log *slog.Logger) Publisher {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if log == nil {
		log = slog.Default()
	}
	return Publisher{store: store, concurrency: concurrency, log: log}
}

// Publish uploads every regular file under dir to prefix/<relative path>.
func (p Publisher) Publish(ctx context.Context, dir, prefix string) (Result, error) {
	ctx, span := tracing.Tracer("publish").Start(ctx, "publish.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("storage.prefix", prefix))

	files, err := collect(dir)
	if err != nil {
		return Result{}, err
	}

	prefix = strings.Trim(prefix, "/")
	indexKey := prefix + "/index.html"
	var (
		count    atomic.Int64
		indexURL atomic.Value
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, rel := range files {
		key := prefix + "/" + filepath.ToSlash(rel)
		src := filepath.Join(dir, rel)
		g.Go(func() error {
			data, err := os.ReadFile(src)
			if err != nil {
				return &PublishError{Key: key, Err: err}
			}
			url, err := p.store.Put(gctx, key, data, ContentType(rel))
			if err != nil {
				return &PublishError{Key: key, Err: err}
			}
			if key == indexKey {
				indexURL.Store(url)
			}
			count.Add(1)
			return nil
		})
	}
	err = g.Wait()
	res := Result{FileCount: int(count.Load())}
	if u, ok := indexURL.Load().(string); ok {
		res.IndexURL = u
	}
	span.SetAttributes(attribute.Int("publish.files", res.FileCount))
	if err != nil {
		p.log.Warn("publish incomplete", "storage_prefix", prefix, "uploaded", res.FileCount, "total", len(files), "error", err)
		var pe *PublishError
		if !errors.As(err, &pe) {
			err = &PublishError{Key: prefix, Err: err}
		}
		return res, err
	}
	p.log.Info("publish complete", "storage_prefix", prefix, "files", res.FileCount)
	return res, nil
}

// collect lists regular files under dir as relative paths, in walk order.
func collect(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, &PublishError{Key: dir, Err: err}
	}
	return files, nil
}
