package domain

import (
	"fmt"
	"strings"
	"time"
)

// ProjectType selects the namespace a project's site is published under.
type ProjectType string

const (
	ProjectTypeDashboard ProjectType = "Dashboard"
	ProjectTypeAddins    ProjectType = "Addins"
)

// ParseProjectType accepts the canonical names plus the "Add-ins" spelling.
func ParseProjectType(raw string) (ProjectType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dashboard":
		return ProjectTypeDashboard, nil
	case "addins", "add-ins":
		return ProjectTypeAddins, nil
	default:
		return "", fmt.Errorf("unknown project type %q", raw)
	}
}

// Namespace maps the project type to its storage and URL namespace.
// Every type other than Addins publishes under dashboards.
func (t ProjectType) Namespace() Namespace {
	if t == ProjectTypeAddins {
		return NamespaceAddins
	}
	return NamespaceDashboards
}

// Project is a tenant-owned deployable site.
// PublishedPath and InstanceID are nil until a deployment succeeds.
type Project struct {
	ID            string
	Name          string
	ClientID      string
	Type          ProjectType
	PublishedPath *string
	InstanceID    *string
	CreatedAt     time.Time
}

// Published reports whether the project currently has a published path.
func (p Project) Published() bool {
	return p.PublishedPath != nil && *p.PublishedPath != ""
}

// Publication is the pair of project fields owned by the deployment pipeline.
// The zero value clears both.
type Publication struct {
	PublishedPath *string
	InstanceID    *string
}
