// Package project exposes the project operations the publishing pipeline
// owns: type changes, access information and the bootstrap records needed
// to deploy at all.
package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/repository"
)

const (
	AccessInternal = "internal_serving"
	AccessExternal = "external_link"
)

var (
	errInvalidCompanyName = errors.New("company name is required")
	errInvalidProjectName = errors.New("project name is required")
	errMissingClientID    = errors.New("client id required")
)

// ErrInvalidInput wraps every validation failure of this package.
var ErrInvalidInput = errors.New("invalid input")

// TypeChange is the result of ChangeType.
type TypeChange struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	AccessType   string `json:"access_type"`
	DashboardURL string `json:"dashboard_url"`
}

// AccessInfo describes how a project's site can be reached.
type AccessInfo struct {
	Accessible   bool   `json:"accessible"`
	Reason       string `json:"reason,omitempty"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	ProjectType  string `json:"project_type"`
	IsInternal   bool   `json:"is_internal"`
	AccessMethod string `json:"access_method,omitempty"`
}

// Service orchestrates project management.
type Service struct {
	clients     repository.ClientRepository
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	logger      *slog.Logger
}

// New returns a project service.
func New(clients repository.ClientRepository, projects repository.ProjectRepository, deployments repository.DeploymentRepository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{clients: clients, projects: projects, deployments: deployments, logger: logger}
}

// CreateClient registers a tenant company.
func (s Service) CreateClient(ctx context.Context, companyName string) (*domain.Client, error) {
	name := strings.TrimSpace(companyName)
	if name == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, errInvalidCompanyName)
	}
	client := &domain.Client{ID: uuid.NewString(), CompanyName: name, CreatedAt: time.Now().UTC()}
	if err := s.clients.CreateClient(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// GetClient returns one client.
func (s Service) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	return s.clients.GetClientByID(ctx, clientID)
}

// ListClients returns every client.
func (s Service) ListClients(ctx context.Context) ([]domain.Client, error) {
	return s.clients.ListClients(ctx)
}

// CreateProject registers a project under an existing client. The name is
// stored as given; slugs are derived from it at deploy and serve time.
func (s Service) CreateProject(ctx context.Context, clientID, name, rawType string) (*domain.Project, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, errMissingClientID)
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, errInvalidProjectName)
	}
	projectType := domain.ProjectTypeDashboard
	if strings.TrimSpace(rawType) != "" {
		parsed, err := domain.ParseProjectType(rawType)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		projectType = parsed
	}
	if _, err := s.clients.GetClientByID(ctx, clientID); err != nil {
		return nil, err
	}
	project := &domain.Project{
		ID:        uuid.NewString(),
		Name:      name,
		ClientID:  clientID,
		Type:      projectType,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// Get returns one project.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	return s.projects.GetProjectByID(ctx, projectID)
}

// ListByClient returns a client's projects.
func (s Service) ListByClient(ctx context.Context, clientID string) ([]domain.Project, error) {
	return s.projects.ListProjectsByClient(ctx, clientID)
}

// ChangeType switches the project type. Published files are not moved: the
// existing published path keeps serving under its original namespace.
func (s Service) ChangeType(ctx context.Context, projectID, rawType string) (TypeChange, error) {
	newType, err := domain.ParseProjectType(rawType)
	if err != nil {
		return TypeChange{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return TypeChange{}, err
	}
	oldType := project.Type
	if err := s.projects.UpdateProjectType(ctx, project.ID, newType); err != nil {
		return TypeChange{}, err
	}

	deployments, err := s.deployments.ListDeploymentsByProject(ctx, project.ID, 1)
	if err != nil {
		return TypeChange{}, fmt.Errorf("list deployments: %w", err)
	}
	result := TypeChange{Status: "success", AccessType: string(newType)}
	if project.Published() {
		result.DashboardURL = *project.PublishedPath
	}
	if len(deployments) > 0 {
		result.Message = fmt.Sprintf("Project type changed from %s to %s. Deployed files remain accessible.", oldType, newType)
	} else {
		result.Message = "No dashboard deployment affected."
	}
	s.logger.Info("project type changed", "project_id", project.ID, "from", oldType, "to", newType)
	return result, nil
}

// Access reports whether and how the project's site can be reached.
func (s Service) Access(ctx context.Context, projectID string) (AccessInfo, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return AccessInfo{}, err
	}
	info := AccessInfo{ProjectType: string(project.Type)}
	if !project.Published() {
		info.Reason = "No dashboard deployed"
		return info, nil
	}
	info.Accessible = true
	info.DashboardURL = *project.PublishedPath
	info.IsInternal = domain.IsInternalPath(info.DashboardURL)
	if info.IsInternal {
		info.AccessMethod = AccessInternal
	} else {
		info.AccessMethod = AccessExternal
	}
	return info, nil
}
