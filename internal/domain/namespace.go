package domain

import "strings"

// Namespace is the top-level category of published content.
type Namespace string

const (
	NamespaceDashboards Namespace = "dashboards"
	NamespaceAddins     Namespace = "addins"
)

// legacyDashboardSegment is the singular URL segment older links were issued with.
const legacyDashboardSegment = "dashboard"

// ParseNamespace maps a URL path segment onto a namespace.
func ParseNamespace(segment string) (Namespace, bool) {
	switch segment {
	case string(NamespaceDashboards), legacyDashboardSegment:
		return NamespaceDashboards, true
	case string(NamespaceAddins):
		return NamespaceAddins, true
	default:
		return "", false
	}
}

// StoragePrefix is the blob key prefix for a project's published files.
func StoragePrefix(ns Namespace, clientSlug, projectSlug string) string {
	return string(ns) + "/" + clientSlug + "/" + projectSlug
}

// AssetKey joins a relative path onto a storage prefix.
func AssetKey(ns Namespace, clientSlug, projectSlug, relativePath string) string {
	return StoragePrefix(ns, clientSlug, projectSlug) + "/" + strings.TrimLeft(relativePath, "/")
}

// PublishedPath is the public URL path a deployed project is served from.
func PublishedPath(ns Namespace, clientSlug, projectSlug string) string {
	return "/" + StoragePrefix(ns, clientSlug, projectSlug)
}

// IsInternalPath reports whether a published path is served by this system
// rather than pointing at an external site.
func IsInternalPath(path string) bool {
	for _, prefix := range []string{"/dashboards/", "/dashboard/", "/addins/"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
