package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/repository"
)

// Migrations holds the goose migrations for the PostgreSQL schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.Store = (*Repository)(nil)

// Close releases the pool.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// CreateClient inserts a client.
func (r *Repository) CreateClient(ctx context.Context, client *domain.Client) error {
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO clients (id, company_name, created_at) VALUES ($1, $2, $3)`
	_, err := r.pool.Exec(ctx, query, client.ID, client.CompanyName, client.CreatedAt)
	return mapWriteErr(err)
}

// GetClientByID fetches a client.
func (r *Repository) GetClientByID(ctx context.Context, id string) (*domain.Client, error) {
	const query = `SELECT id, company_name, created_at FROM clients WHERE id = $1`
	var c domain.Client
	if err := r.pool.QueryRow(ctx, query, id).Scan(&c.ID, &c.CompanyName, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListClients returns all clients in creation order.
func (r *Repository) ListClients(ctx context.Context) ([]domain.Client, error) {
	const query = `SELECT id, company_name, created_at FROM clients ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []domain.Client
	for rows.Next() {
		var c domain.Client
		if err := rows.Scan(&c.ID, &c.CompanyName, &c.CreatedAt); err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO projects (id, client_id, name, type, published_path, instance_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query,
		project.ID,
		project.ClientID,
		project.Name,
		string(project.Type),
		project.PublishedPath,
		project.InstanceID,
		project.CreatedAt,
	)
	return mapWriteErr(err)
}

const projectColumns = `id, client_id, name, type, published_path, instance_id, created_at`

func scanProject(row pgx.Row) (domain.Project, error) {
	var p domain.Project
	var projectType string
	if err := row.Scan(&p.ID, &p.ClientID, &p.Name, &projectType, &p.PublishedPath, &p.InstanceID, &p.CreatedAt); err != nil {
		return domain.Project{}, err
	}
	p.Type = domain.ProjectType(projectType)
	return p, nil
}

// GetProjectByID fetches a project.
func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjectsByClient returns a client's projects in creation order.
func (r *Repository) ListProjectsByClient(ctx context.Context, clientID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE client_id = $1 ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProjectType changes only the project type.
func (r *Repository) UpdateProjectType(ctx context.Context, id string, projectType domain.ProjectType) error {
	tag, err := r.pool.Exec(ctx, `UPDATE projects SET type = $2 WHERE id = $1`, id, string(projectType))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetPublication overwrites published_path and instance_id.
func (r *Repository) SetPublication(ctx context.Context, id string, pub domain.Publication) error {
	const query = `UPDATE projects SET published_path = $2, instance_id = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, pub.PublishedPath, pub.InstanceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	projectIDs := user.ProjectIDs
	if projectIDs == nil {
		projectIDs = []string{}
	}
	const query = `INSERT INTO users (id, email, password_hash, kind, client_id, project_ids, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		string(user.Kind),
		user.ClientID,
		projectIDs,
		user.Active,
		user.CreatedAt,
	)
	return mapWriteErr(err)
}

const userColumns = `id, email, password_hash, kind, client_id, project_ids, is_active, created_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	var kind string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &kind, &u.ClientID, &u.ProjectIDs, &u.Active, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	u.Kind = domain.PrincipalKind(kind)
	return &u, nil
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// CreateDeployment records a new deployment attempt.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project_id, status, url, file_count, storage_prefix, instance_id, error, deployed_by, deployed_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.ProjectID,
		string(deployment.Status),
		deployment.URL,
		deployment.FileCount,
		deployment.StoragePrefix,
		deployment.InstanceID,
		deployment.Error,
		deployment.DeployedBy,
		deployment.DeployedAt,
		deployment.CompletedAt,
	)
	return mapWriteErr(err)
}

// UpdateDeploymentStatus moves a pending deployment to its terminal state.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = $2, url = $3, file_count = $4, storage_prefix = $5, instance_id = $6, error = $7, completed_at = $8
		WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		string(update.Status),
		update.URL,
		update.FileCount,
		update.StoragePrefix,
		update.InstanceID,
		update.Error,
		update.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.GetDeploymentByID(ctx, update.DeploymentID); err != nil {
		return err
	}
	return fmt.Errorf("deployment %s is not pending: %w", update.DeploymentID, repository.ErrConflict)
}

const deploymentColumns = `id, project_id, status, url, file_count, storage_prefix, instance_id, error, deployed_by, deployed_at, completed_at`

func scanDeployment(row pgx.Row) (domain.Deployment, error) {
	var d domain.Deployment
	var status string
	if err := row.Scan(&d.ID, &d.ProjectID, &status, &d.URL, &d.FileCount, &d.StoragePrefix, &d.InstanceID, &d.Error, &d.DeployedBy, &d.DeployedAt, &d.CompletedAt); err != nil {
		return domain.Deployment{}, err
	}
	d.Status = domain.DeploymentStatus(status)
	return d, nil
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := scanDeployment(r.pool.QueryRow(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByProject fetches deployments for a project, newest first.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE project_id = $1 ORDER BY deployed_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// DeleteDeployment removes a deployment record.
func (r *Repository) DeleteDeployment(ctx context.Context, id string) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, repository.ErrConflict)
	}
	return err
}
