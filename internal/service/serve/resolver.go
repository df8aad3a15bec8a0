// Package serve resolves published files and writes them to HTTP clients.
package serve

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/splax/sitegate/internal/blob"
	"github.com/splax/sitegate/internal/catalog"
	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/metrics"
	"github.com/splax/sitegate/internal/publish"
	"github.com/splax/sitegate/pkg/tracing"
)

// IndexFile is served for requests naming only the project.
const IndexFile = "index.html"

const assetsDir = "assets/"

// ErrNotFound means every resolution attempt missed.
var ErrNotFound = errors.New("file not found")

// Asset is a resolved file.
type Asset struct {
	Key         string
	Data        []byte
	ContentType string
}

// Site is an authorized request target: the slugs from the URL and the
// project they were authorized against.
type Site struct {
	Namespace   domain.Namespace
	ClientSlug  string
	ProjectSlug string
	Project     domain.Project
}

// Resolver looks files up in the blob store, falling back through a fixed
// sequence of alternative keys.
type Resolver struct {
	store   blob.Store
	metrics *metrics.Pipeline
	logger  *slog.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(store blob.Store, m *metrics.Pipeline, logger *slog.Logger) Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return Resolver{store: store, metrics: m, logger: logger}
}

// Resolve returns the first stored object among, in order:
//  1. the exact key for relPath;
//  2. the key with "assets/" inserted, unless relPath already starts with it;
//  3. both of the above under the reconciled slugs of site.Project, for
//     files published before the project was renamed.
//
// An empty relPath means index.html.
func (r Resolver) Resolve(ctx context.Context, site Site, relPath string) (Asset, error) {
	ctx, span := tracing.Tracer("serve").Start(ctx, "serve.Resolve")
	defer span.End()

	relPath = strings.TrimLeft(relPath, "/")
	if relPath == "" {
		relPath = IndexFile
	}
	ns := site.Namespace
	span.SetAttributes(
		attribute.String("serve.namespace", string(ns)),
		attribute.String("serve.client", site.ClientSlug),
		attribute.String("serve.project", site.ProjectSlug),
		attribute.String("serve.path", relPath),
	)

	asset, ok, err := r.lookup(ctx, ns, site.ClientSlug, site.ProjectSlug, relPath)
	if err != nil {
		r.metrics.Served(string(ns), "error")
		return Asset{}, err
	}
	if ok {
		r.metrics.Served(string(ns), "hit")
		return asset, nil
	}

	for _, current := range catalog.Reconcile(site.Project, site.ClientSlug) {
		if current == site.ProjectSlug {
			continue
		}
		asset, ok, err = r.lookup(ctx, ns, site.ClientSlug, current, relPath)
		if err != nil {
			r.metrics.Served(string(ns), "error")
			return Asset{}, err
		}
		if ok {
			r.logger.Debug("served via reconciled project slug", "requested", site.ProjectSlug, "current", current, "key", asset.Key)
			r.metrics.Served(string(ns), "reconciled")
			return asset, nil
		}
	}
	r.metrics.Served(string(ns), "not_found")
	return Asset{}, ErrNotFound
}

func (r Resolver) lookup(ctx context.Context, ns domain.Namespace, clientSlug, projectSlug, relPath string) (Asset, bool, error) {
	candidates := []string{relPath}
	if !strings.HasPrefix(relPath, assetsDir) {
		candidates = append(candidates, assetsDir+relPath)
	}
	for _, rel := range candidates {
		key := domain.AssetKey(ns, clientSlug, projectSlug, rel)
		obj, err := r.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidKey) {
				continue
			}
			return Asset{}, false, err
		}
		return Asset{Key: key, Data: obj.Data, ContentType: publish.ContentType(rel)}, true, nil
	}
	return Asset{}, false, nil
}
