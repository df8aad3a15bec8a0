package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/repository"
)

// Repository implements [repository.Store] backed by SQLite.
type Repository struct {
	DB *sql.DB
}

var _ repository.Store = (*Repository)(nil)

// Close closes the database.
func (r *Repository) Close() error {
	return r.DB.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func (r *Repository) CreateClient(ctx context.Context, c *domain.Client) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO clients (id, company_name, created_at) VALUES (?, ?, ?)`,
		c.ID, c.CompanyName, toNanos(c.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("client %q: %w", c.ID, repository.ErrConflict)
		}
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (r *Repository) GetClientByID(ctx context.Context, id string) (*domain.Client, error) {
	var c domain.Client
	var created int64
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, company_name, created_at FROM clients WHERE id = ?`, id,
	).Scan(&c.ID, &c.CompanyName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	c.CreatedAt = fromNanos(created)
	return &c, nil
}

func (r *Repository) ListClients(ctx context.Context) ([]domain.Client, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, company_name, created_at FROM clients ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []domain.Client
	for rows.Next() {
		var c domain.Client
		var created int64
		if err := rows.Scan(&c.ID, &c.CompanyName, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = fromNanos(created)
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (r *Repository) CreateProject(ctx context.Context, p *domain.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO projects (id, client_id, name, type, published_path, instance_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ClientID, p.Name, string(p.Type), nullable(p.PublishedPath), nullable(p.InstanceID), toNanos(p.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("project %q: %w", p.ID, repository.ErrConflict)
		}
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const projectColumns = `id, client_id, name, type, published_path, instance_id, created_at`

func scanProject(row scanner) (domain.Project, error) {
	var p domain.Project
	var projectType string
	var publishedPath, instanceID sql.NullString
	var created int64
	if err := row.Scan(&p.ID, &p.ClientID, &p.Name, &projectType, &publishedPath, &instanceID, &created); err != nil {
		return domain.Project{}, err
	}
	p.Type = domain.ProjectType(projectType)
	p.PublishedPath = fromNullString(publishedPath)
	p.InstanceID = fromNullString(instanceID)
	p.CreatedAt = fromNanos(created)
	return p, nil
}

func (r *Repository) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

func (r *Repository) ListProjectsByClient(ctx context.Context, clientID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE client_id = ? ORDER BY created_at, id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
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

func (r *Repository) UpdateProjectType(ctx context.Context, id string, projectType domain.ProjectType) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET type = ? WHERE id = ?`, string(projectType), id)
	if err != nil {
		return fmt.Errorf("update project type: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) SetPublication(ctx context.Context, id string, pub domain.Publication) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE projects SET published_path = ?, instance_id = ? WHERE id = ?`,
		nullable(pub.PublishedPath), nullable(pub.InstanceID), id,
	)
	if err != nil {
		return fmt.Errorf("set publication: %w", err)
	}
	return requireRow(res)
}

func (r *Repository) CreateUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	projectIDs := u.ProjectIDs
	if projectIDs == nil {
		projectIDs = []string{}
	}
	ids, err := json.Marshal(projectIDs)
	if err != nil {
		return fmt.Errorf("marshal project ids: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, kind, client_id, project_ids, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, string(u.Kind), u.ClientID, string(ids), u.Active, toNanos(u.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", u.Email, repository.ErrConflict)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, email, password_hash, kind, client_id, project_ids, is_active, created_at`

func scanUser(row scanner) (*domain.User, error) {
	var u domain.User
	var kind, ids string
	var created int64
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &kind, &u.ClientID, &ids, &u.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &u.ProjectIDs); err != nil {
		return nil, fmt.Errorf("unmarshal project ids: %w", err)
	}
	u.Kind = domain.PrincipalKind(kind)
	u.CreatedAt = fromNanos(created)
	return &u, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	var completed any
	if d.CompletedAt != nil {
		completed = toNanos(*d.CompletedAt)
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO deployments (id, project_id, status, url, file_count, storage_prefix, instance_id, error, deployed_by, deployed_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, string(d.Status), d.URL, d.FileCount, d.StoragePrefix, d.InstanceID, d.Error, d.DeployedBy, toNanos(d.DeployedAt), completed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %q: %w", d.ID, repository.ErrConflict)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (r *Repository) UpdateDeploymentStatus(ctx context.Context, u domain.DeploymentStatusUpdate) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE deployments
		 SET status = ?, url = ?, file_count = ?, storage_prefix = ?, instance_id = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(u.Status), u.URL, u.FileCount, u.StoragePrefix, u.InstanceID, u.Error, toNanos(u.CompletedAt), u.DeploymentID,
	)
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}
	if _, err := r.GetDeploymentByID(ctx, u.DeploymentID); err != nil {
		return err
	}
	return fmt.Errorf("deployment %s is not pending: %w", u.DeploymentID, repository.ErrConflict)
}

const deploymentColumns = `id, project_id, status, url, file_count, storage_prefix, instance_id, error, deployed_by, deployed_at, completed_at`

func scanDeployment(row scanner) (domain.Deployment, error) {
	var d domain.Deployment
	var status string
	var deployed int64
	var completed sql.NullInt64
	if err := row.Scan(&d.ID, &d.ProjectID, &status, &d.URL, &d.FileCount, &d.StoragePrefix, &d.InstanceID, &d.Error, &d.DeployedBy, &deployed, &completed); err != nil {
		return domain.Deployment{}, err
	}
	d.Status = domain.DeploymentStatus(status)
	d.DeployedAt = fromNanos(deployed)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		d.CompletedAt = &t
	}
	return d, nil
}

func (r *Repository) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := scanDeployment(r.DB.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return &d, nil
}

func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE project_id = ? ORDER BY deployed_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
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

func (r *Repository) DeleteDeployment(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
