// Package repotest provides contract tests for [repository.Store]
// implementations.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/repository"
)

// Factory creates a fresh, empty [repository.Store] for each test.
type Factory func(t *testing.T) repository.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

// Run exercises the [repository.Store] contract.
func Run(t *testing.T, factory Factory) {
	t.Run("Clients", func(t *testing.T) { testClients(t, factory(t)) })
	t.Run("Projects", func(t *testing.T) { testProjects(t, factory(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, factory(t)) })
	t.Run("Deployments", func(t *testing.T) { testDeployments(t, factory(t)) })
}

func seedClient(t *testing.T, store repository.Store, id, name string, at time.Time) {
	t.Helper()
	if err := store.CreateClient(context.Background(), &domain.Client{ID: id, CompanyName: name, CreatedAt: at}); err != nil {
		t.Fatalf("CreateClient(%s): %v", id, err)
	}
}

func seedProject(t *testing.T, store repository.Store, p domain.Project) {
	t.Helper()
	if err := store.CreateProject(context.Background(), &p); err != nil {
		t.Fatalf("CreateProject(%s): %v", p.ID, err)
	}
}

func testClients(t *testing.T, store repository.Store) {
	ctx := context.Background()
	seedClient(t, store, "c2", "Initech", base.Add(time.Minute))
	seedClient(t, store, "c1", "Globex Corp", base)

	got, err := store.GetClientByID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetClientByID: %v", err)
	}
	if got.CompanyName != "Globex Corp" {
		t.Fatalf("CompanyName = %q", got.CompanyName)
	}

	clients, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if len(clients) != 2 || clients[0].ID != "c1" || clients[1].ID != "c2" {
		t.Fatalf("expected [c1 c2] in creation order, got %+v", clients)
	}

	if _, err := store.GetClientByID(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.CreateClient(ctx, &domain.Client{ID: "c1", CompanyName: "dup"}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate id, got %v", err)
	}
}

func testProjects(t *testing.T, store repository.Store) {
	ctx := context.Background()
	seedClient(t, store, "c1", "Globex Corp", base)
	seedClient(t, store, "c2", "Initech", base)
	seedProject(t, store, domain.Project{ID: "p2", Name: "Ops", ClientID: "c1", Type: domain.ProjectTypeAddins, CreatedAt: base.Add(time.Minute)})
	seedProject(t, store, domain.Project{ID: "p1", Name: "Q1 Report", ClientID: "c1", Type: domain.ProjectTypeDashboard, CreatedAt: base})
	seedProject(t, store, domain.Project{ID: "p3", Name: "Other", ClientID: "c2", Type: domain.ProjectTypeDashboard, CreatedAt: base})

	projects, err := store.ListProjectsByClient(ctx, "c1")
	if err != nil {
		t.Fatalf("ListProjectsByClient: %v", err)
	}
	if len(projects) != 2 || projects[0].ID != "p1" || projects[1].ID != "p2" {
		t.Fatalf("expected [p1 p2], got %+v", projects)
	}

	p, err := store.GetProjectByID(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProjectByID: %v", err)
	}
	if p.Published() || p.InstanceID != nil {
		t.Fatalf("new project should be unpublished, got %+v", p)
	}

	pub := domain.Publication{PublishedPath: strPtr("/dashboards/globex-corp/q1-report"), InstanceID: strPtr("dashboard-abc")}
	if err := store.SetPublication(ctx, "p1", pub); err != nil {
		t.Fatalf("SetPublication: %v", err)
	}
	p, err = store.GetProjectByID(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProjectByID: %v", err)
	}
	if p.PublishedPath == nil || *p.PublishedPath != "/dashboards/globex-corp/q1-report" {
		t.Fatalf("PublishedPath = %v", p.PublishedPath)
	}
	if p.InstanceID == nil || *p.InstanceID != "dashboard-abc" {
		t.Fatalf("InstanceID = %v", p.InstanceID)
	}
	if p.Name != "Q1 Report" || p.ClientID != "c1" {
		t.Fatalf("SetPublication must leave other fields untouched, got %+v", p)
	}

	if err := store.UpdateProjectType(ctx, "p1", domain.ProjectTypeAddins); err != nil {
		t.Fatalf("UpdateProjectType: %v", err)
	}
	if err := store.SetPublication(ctx, "p1", domain.Publication{}); err != nil {
		t.Fatalf("clear publication: %v", err)
	}
	p, err = store.GetProjectByID(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProjectByID: %v", err)
	}
	if p.Type != domain.ProjectTypeAddins {
		t.Fatalf("Type = %q", p.Type)
	}
	if p.PublishedPath != nil || p.InstanceID != nil {
		t.Fatalf("expected cleared publication, got %+v", p)
	}

	if err := store.SetPublication(ctx, "missing", pub); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateProjectType(ctx, "missing", domain.ProjectTypeDashboard); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetProjectByID(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUsers(t *testing.T, store repository.Store) {
	ctx := context.Background()
	user := &domain.User{
		ID:           "u1",
		Email:        "ana@globex.test",
		PasswordHash: []byte("hash"),
		Kind:         domain.KindUser,
		ClientID:     "c1",
		ProjectIDs:   []string{"p1", "p2"},
		Active:       true,
		CreatedAt:    base,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	admin := &domain.User{ID: "a1", Email: "root@sitegate.test", PasswordHash: []byte("hash"), Kind: domain.KindAdmin, Active: true, CreatedAt: base}
	if err := store.CreateUser(ctx, admin); err != nil {
		t.Fatalf("CreateUser(admin): %v", err)
	}

	got, err := store.GetUserByEmail(ctx, "ana@globex.test")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if got.ID != "u1" || got.Kind != domain.KindUser || got.ClientID != "c1" || !got.Active {
		t.Fatalf("unexpected user %+v", got)
	}
	if len(got.ProjectIDs) != 2 || got.ProjectIDs[0] != "p1" || got.ProjectIDs[1] != "p2" {
		t.Fatalf("ProjectIDs = %v", got.ProjectIDs)
	}
	if string(got.PasswordHash) != "hash" {
		t.Fatalf("PasswordHash = %q", got.PasswordHash)
	}

	got, err = store.GetUserByID(ctx, "a1")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if got.Kind != domain.KindAdmin || len(got.ProjectIDs) != 0 {
		t.Fatalf("unexpected admin %+v", got)
	}

	if _, err := store.GetUserByEmail(ctx, "nobody@x.test"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	dup := *user
	dup.ID = "u2"
	if err := store.CreateUser(ctx, &dup); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate email, got %v", err)
	}
}

func testDeployments(t *testing.T, store repository.Store) {
	ctx := context.Background()
	seedClient(t, store, "c1", "Globex Corp", base)
	seedProject(t, store, domain.Project{ID: "p1", Name: "Q1 Report", ClientID: "c1", Type: domain.ProjectTypeDashboard, CreatedAt: base})

	first := &domain.Deployment{ID: "dep-00000001", ProjectID: "p1", Status: domain.DeploymentPending, DeployedBy: "a1", DeployedAt: base}
	second := &domain.Deployment{ID: "dep-00000002", ProjectID: "p1", Status: domain.DeploymentPending, DeployedBy: "a1", DeployedAt: base.Add(time.Hour)}
	for _, d := range []*domain.Deployment{first, second} {
		if err := store.CreateDeployment(ctx, d); err != nil {
			t.Fatalf("CreateDeployment(%s): %v", d.ID, err)
		}
	}
	if err := store.CreateDeployment(ctx, first); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate deployment, got %v", err)
	}

	update := domain.DeploymentStatusUpdate{
		DeploymentID:  "dep-00000002",
		Status:        domain.DeploymentSuccess,
		URL:           "/dashboards/globex-corp/q1-report",
		FileCount:     7,
		StoragePrefix: "dashboards/globex-corp/q1-report",
		InstanceID:    "dashboard-0123456789ab",
		CompletedAt:   base.Add(2 * time.Hour),
	}
	if err := store.UpdateDeploymentStatus(ctx, update); err != nil {
		t.Fatalf("UpdateDeploymentStatus: %v", err)
	}
	got, err := store.GetDeploymentByID(ctx, "dep-00000002")
	if err != nil {
		t.Fatalf("GetDeploymentByID: %v", err)
	}
	if got.Status != domain.DeploymentSuccess || got.FileCount != 7 || got.InstanceID != "dashboard-0123456789ab" {
		t.Fatalf("unexpected deployment %+v", got)
	}
	if got.URL != update.URL || got.StoragePrefix != update.StoragePrefix || got.CompletedAt == nil {
		t.Fatalf("unexpected deployment %+v", got)
	}

	again := update
	again.Status = domain.DeploymentFailed
	if err := store.UpdateDeploymentStatus(ctx, again); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict on second transition, got %v", err)
	}
	missing := update
	missing.DeploymentID = "dep-ffffffff"
	if err := store.UpdateDeploymentStatus(ctx, missing); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := store.ListDeploymentsByProject(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListDeploymentsByProject: %v", err)
	}
	if len(list) != 2 || list[0].ID != "dep-00000002" || list[1].ID != "dep-00000001" {
		t.Fatalf("expected newest first, got %+v", list)
	}
	latest, err := store.ListDeploymentsByProject(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("ListDeploymentsByProject(limit 1): %v", err)
	}
	if len(latest) != 1 || latest[0].ID != "dep-00000002" {
		t.Fatalf("expected latest only, got %+v", latest)
	}

	if err := store.DeleteDeployment(ctx, "dep-00000002"); err != nil {
		t.Fatalf("DeleteDeployment: %v", err)
	}
	if _, err := store.GetDeploymentByID(ctx, "dep-00000002"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeleteDeployment(ctx, "dep-00000002"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	empty, err := store.ListDeploymentsByProject(ctx, "nope", 0)
	if err != nil {
		t.Fatalf("ListDeploymentsByProject(nope): %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no deployments, got %d", len(empty))
	}
}
