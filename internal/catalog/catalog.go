// Package catalog maps URL slugs back onto client and project records.
//
// Every lookup scans the record store. Two records whose names normalize to
// the same slug are ambiguous; the one created first wins.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/repository"
	"github.com/splax/sitegate/internal/slug"
)

var (
	// ErrClientNotFound means no client name normalizes to the slug.
	ErrClientNotFound = errors.New("catalog: client not found")
	// ErrProjectNotFound means no project of the client normalizes to the slug.
	ErrProjectNotFound = errors.New("catalog: project not found")
)

// Catalog resolves slugs against the current records.
type Catalog struct {
	clients  repository.ClientRepository
	projects repository.ProjectRepository
}

// New returns a Catalog over the given repositories.
func New(clients repository.ClientRepository, projects repository.ProjectRepository) Catalog {
	return Catalog{clients: clients, projects: projects}
}

// Client returns the first client whose company name slugs to clientSlug.
func (c Catalog) Client(ctx context.Context, clientSlug string) (domain.Client, error) {
	clients, err := c.clients.ListClients(ctx)
	if err != nil {
		return domain.Client{}, fmt.Errorf("list clients: %w", err)
	}
	for _, client := range clients {
		if slug.Equal(client.CompanyName, clientSlug) {
			return client, nil
		}
	}
	return domain.Client{}, ErrClientNotFound
}

// Project returns the first project of clientID whose name slugs to projectSlug.
func (c Catalog) Project(ctx context.Context, clientID, projectSlug string) (domain.Project, error) {
	projects, err := c.projects.ListProjectsByClient(ctx, clientID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("list projects: %w", err)
	}
	for _, project := range projects {
		if slug.Equal(project.Name, projectSlug) {
			return project, nil
		}
	}
	return domain.Project{}, ErrProjectNotFound
}

// Resolve looks up the client and then the project scoped to it.
func (c Catalog) Resolve(ctx context.Context, clientSlug, projectSlug string) (domain.Client, domain.Project, error) {
	client, err := c.Client(ctx, clientSlug)
	if err != nil {
		return domain.Client{}, domain.Project{}, err
	}
	project, err := c.Project(ctx, client.ID, projectSlug)
	if err != nil {
		return client, domain.Project{}, err
	}
	return client, project, nil
}

// Reconcile returns the project slugs worth retrying for project when a
// lookup under the requested slug missed, in order: the current name slug,
// then the slug recorded in the published path when that path sits under
// clientSlug. Only project itself is considered, so a retry never reaches
// files of a sibling project.
func Reconcile(project domain.Project, clientSlug string) []string {
	var slugs []string
	if current := slug.Make(project.Name); current != "" {
		slugs = append(slugs, current)
	}
	if project.PublishedPath == nil {
		return slugs
	}
	segment := "/" + clientSlug + "/"
	published := *project.PublishedPath
	idx := strings.Index(published, segment)
	if idx < 0 {
		return slugs
	}
	recorded, _, _ := strings.Cut(published[idx+len(segment):], "/")
	if recorded != "" && (len(slugs) == 0 || recorded != slugs[0]) {
		slugs = append(slugs, recorded)
	}
	return slugs
}

// Collision names a record that shares a slug with the one being published.
type Collision struct {
	Kind string
	ID   string
	Name string
}

// Collisions lists other clients with the same slug as client, and other
// projects of client with the same slug as project.
func (c Catalog) Collisions(ctx context.Context, client domain.Client, project domain.Project) ([]Collision, error) {
	var out []Collision
	clients, err := c.clients.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	clientSlug := slug.Make(client.CompanyName)
	for _, other := range clients {
		if other.ID != client.ID && slug.Make(other.CompanyName) == clientSlug {
			out = append(out, Collision{Kind: "client", ID: other.ID, Name: other.CompanyName})
		}
	}
	projects, err := c.projects.ListProjectsByClient(ctx, client.ID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	projectSlug := slug.Make(project.Name)
	for _, other := range projects {
		if other.ID != project.ID && slug.Make(other.Name) == projectSlug {
			out = append(out, Collision{Kind: "project", ID: other.ID, Name: other.Name})
		}
	}
	return out, nil
}
