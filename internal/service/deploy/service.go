// Package deploy coordinates archive builds and publication for projects.
package deploy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/splax/sitegate/internal/builder"
	"github.com/splax/sitegate/internal/catalog"
	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/metrics"
	"github.com/splax/sitegate/internal/publish"
	"github.com/splax/sitegate/internal/repository"
	"github.com/splax/sitegate/internal/slug"
	"github.com/splax/sitegate/pkg/tracing"
)

var (
	// ErrInvalidArchive rejects uploads that are not .zip files.
	ErrInvalidArchive = errors.New("archive must be a .zip file")
	// ErrUnaddressable means the client or project name has no characters
	// that survive slug normalization.
	ErrUnaddressable = errors.New("client or project name produces an empty slug")
)

// Builder produces a static build from an archive.
type Builder interface {
	Build(ctx context.Context, req builder.Request, fn func(builder.Output) error) error
}

// Publisher uploads a build directory under a storage prefix.
type Publisher interface {
	Publish(ctx context.Context, dir, prefix string) (publish.Result, error)
}

// Events is notified of every deployment state change.
type Events interface {
	DeploymentChanged(domain.Deployment)
}

// Deps groups the collaborators of Service.
type Deps struct {
	Clients     repository.ClientRepository
	Projects    repository.ProjectRepository
	Deployments repository.DeploymentRepository
	Builder     Builder
	Publisher   Publisher
	Events      Events
	Metrics     *metrics.Pipeline
	// PublicBase prefixes published paths in deployment URLs.
	PublicBase string
	Logger     *slog.Logger
}

// Service runs deployments. Deployments of one project are serialized;
// different projects proceed in parallel.
type Service struct {
	clients     repository.ClientRepository
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	catalog     catalog.Catalog
	builder     Builder
	publisher   Publisher
	events      Events
	metrics     *metrics.Pipeline
	publicBase  string
	logger      *slog.Logger
	locks       *keyedMutex
	now         func() time.Time
}

// New returns a deployment service.
func New(d Deps) Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		clients:     d.Clients,
		projects:    d.Projects,
		deployments: d.Deployments,
		catalog:     catalog.New(d.Clients, d.Projects),
		builder:     d.Builder,
		publisher:   d.Publisher,
		events:      d.Events,
		metrics:     d.Metrics,
		publicBase:  strings.TrimRight(d.PublicBase, "/"),
		logger:      logger,
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ValidateArchiveName rejects filenames without a .zip extension.
func ValidateArchiveName(name string) error {
	if !strings.EqualFold(filepath.Ext(strings.TrimSpace(name)), ".zip") {
		return ErrInvalidArchive
	}
	return nil
}

// Deploy builds archive and publishes it for the project. The returned
// deployment is in its terminal state. On failure it is returned together
// with the error that failed it.
func (s Service) Deploy(ctx context.Context, projectID string, archive io.Reader, actor string) (dep *domain.Deployment, err error) {
	ctx, span := tracing.Tracer("deploy").Start(ctx, "deploy.Deploy")
	span.SetAttributes(attribute.String("project.id", projectID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Records are loaded under the lock.
	unlock := s.locks.Lock(projectID)
	defer unlock()

	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	client, err := s.clients.GetClientByID(ctx, project.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}

	id, err := newDeploymentID()
	if err != nil {
		return nil, err
	}
	started := s.now()
	dep = &domain.Deployment{
		ID:         id,
		ProjectID:  project.ID,
		Status:     domain.DeploymentPending,
		DeployedBy: actor,
		DeployedAt: started,
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	s.emit(*dep)
	span.SetAttributes(attribute.String("deployment.id", dep.ID))

	ns := project.Type.Namespace()
	clientSlug := slug.Make(client.CompanyName)
	projectSlug := slug.Make(project.Name)
	if clientSlug == "" || projectSlug == "" {
		return s.fail(ctx, dep, started, ErrUnaddressable)
	}
	prefix := domain.StoragePrefix(ns, clientSlug, projectSlug)
	log := s.logger.With("deployment_id", dep.ID, "project_id", project.ID, "storage_prefix", prefix)
	s.warnCollisions(ctx, log, *client, *project)

	var (
		published  publish.Result
		instanceID string
	)
	err = s.builder.Build(ctx, builder.Request{ID: dep.ID, Archive: archive, ProjectType: project.Type}, func(out builder.Output) error {
		instanceID = out.InstanceID
		log.Info("build finished", "package_manager", out.PackageManager, "instance_id", out.InstanceID)
		res, err := s.publisher.Publish(ctx, out.Dir, prefix)
		published = res
		return err
	})
	s.metrics.FilesPublished(published.FileCount)
	if err != nil {
		log.Error("deployment failed", "error", err, "files_published", published.FileCount)
		return s.fail(ctx, dep, started, err)
	}

	// Once files are live the outcome is recorded even if the caller has gone.
	ctx = context.WithoutCancel(ctx)
	publishedPath := domain.PublishedPath(ns, clientSlug, projectSlug)
	pub := domain.Publication{PublishedPath: &publishedPath, InstanceID: &instanceID}
	if err := s.projects.SetPublication(ctx, project.ID, pub); err != nil {
		log.Error("project publication update failed", "error", err)
		return s.fail(ctx, dep, started, fmt.Errorf("update project: %w", err))
	}

	completed := s.now()
	update := domain.DeploymentStatusUpdate{
		DeploymentID:  dep.ID,
		Status:        domain.DeploymentSuccess,
		URL:           s.publicBase + publishedPath,
		FileCount:     published.FileCount,
		StoragePrefix: prefix,
		InstanceID:    instanceID,
		CompletedAt:   completed,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return dep, fmt.Errorf("record deployment success: %w", err)
	}
	apply(dep, update)
	s.emit(*dep)
	s.metrics.DeploymentFinished(string(domain.DeploymentSuccess), completed.Sub(started))
	log.Info("deployment succeeded", "files", published.FileCount, "published_path", publishedPath)
	return dep, nil
}

// fail records the terminal failure and returns cause. The record is written
// even if ctx was cancelled.
func (s Service) fail(ctx context.Context, dep *domain.Deployment, started time.Time, cause error) (*domain.Deployment, error) {
	completed := s.now()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: dep.ID,
		Status:       domain.DeploymentFailed,
		Error:        cause.Error(),
		CompletedAt:  completed,
	}
	if err := s.deployments.UpdateDeploymentStatus(context.WithoutCancel(ctx), update); err != nil {
		s.logger.Warn("update deployment status failed", "deployment_id", dep.ID, "error", err)
	} else {
		apply(dep, update)
		s.emit(*dep)
	}
	s.metrics.DeploymentFinished(string(domain.DeploymentFailed), completed.Sub(started))
	return dep, cause
}

func apply(dep *domain.Deployment, u domain.DeploymentStatusUpdate) {
	dep.Status = u.Status
	dep.URL = u.URL
	dep.FileCount = u.FileCount
	dep.StoragePrefix = u.StoragePrefix
	dep.InstanceID = u.InstanceID
	dep.Error = u.Error
	completed := u.CompletedAt
	dep.CompletedAt = &completed
}

func (s Service) emit(dep domain.Deployment) {
	if s.events != nil {
		s.events.DeploymentChanged(dep)
	}
}

func (s Service) warnCollisions(ctx context.Context, log *slog.Logger, client domain.Client, project domain.Project) {
	collisions, err := s.catalog.Collisions(ctx, client, project)
	if err != nil {
		log.Warn("slug collision check failed", "error", err)
		return
	}
	for _, c := range collisions {
		log.Warn("slug collision: earliest record wins on resolve", "kind", c.Kind, "other_id", c.ID, "other_name", c.Name)
	}
}

// Undeploy clears the project's publication and deletes its latest
// deployment. Published objects stay in the blob store. It reports false
// when the project has no deployment.
func (s Service) Undeploy(ctx context.Context, projectID string) (bool, error) {
	unlock := s.locks.Lock(projectID)
	defer unlock()
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return false, err
	}

	latest, err := s.deployments.ListDeploymentsByProject(ctx, project.ID, 1)
	if err != nil {
		return false, fmt.Errorf("list deployments: %w", err)
	}
	if len(latest) == 0 {
		return false, nil
	}
	if err := s.projects.SetPublication(ctx, project.ID, domain.Publication{}); err != nil {
		return false, fmt.Errorf("clear publication: %w", err)
	}
	if err := s.deployments.DeleteDeployment(ctx, latest[0].ID); err != nil {
		return false, fmt.Errorf("delete deployment: %w", err)
	}
	s.logger.Info("project undeployed", "project_id", project.ID, "deployment_id", latest[0].ID)
	return true, nil
}

// Get returns one deployment.
func (s Service) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListByProject returns recent deployments for a project, newest first.
func (s Service) ListByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

func newDeploymentID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate deployment id: %w", err)
	}
	return "dep-" + hex.EncodeToString(buf), nil
}
