package repository

import (
	"context"

	"github.com/splax/sitegate/internal/domain"
)

// ClientRepository persists tenant companies.
type ClientRepository interface {
	CreateClient(ctx context.Context, client *domain.Client) error
	GetClientByID(ctx context.Context, id string) (*domain.Client, error)
	// ListClients returns every client ordered by creation time.
	ListClients(ctx context.Context) ([]domain.Client, error)
}

// ProjectRepository persists projects. The deployment pipeline only writes
// the type and the publication fields.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, id string) (*domain.Project, error)
	// ListProjectsByClient returns the client's projects ordered by creation time.
	ListProjectsByClient(ctx context.Context, clientID string) ([]domain.Project, error)
	UpdateProjectType(ctx context.Context, id string, projectType domain.ProjectType) error
	SetPublication(ctx context.Context, id string, pub domain.Publication) error
}

// UserRepository persists accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	// UpdateDeploymentStatus applies a terminal transition. It returns
	// ErrConflict when the deployment is no longer pending.
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error)
	// ListDeploymentsByProject returns newest first. limit <= 0 means no limit.
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
	DeleteDeployment(ctx context.Context, id string) error
}

// Store is implemented by every record backend.
type Store interface {
	ClientRepository
	ProjectRepository
	UserRepository
	DeploymentRepository
	Close() error
}
