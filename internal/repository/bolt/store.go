// Package bolt stores sitegate records as JSON documents in a BoltDB file.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/repository"
)

const (
	clientBucket     = "clients"
	projectBucket    = "projects"
	userBucket       = "users"
	userEmailBucket  = "users_by_email"
	deploymentBucket = "deployments"
)

// Store provides a BoltDB-backed document store.
type Store struct {
	db *bbolt.DB
}

var _ repository.Store = (*Store)(nil)

// Open opens a BoltDB-backed store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{clientBucket, projectBucket, userBucket, userEmailBucket, deploymentBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func bucket(tx *bbolt.Tx, name string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("%s bucket is missing", name)
	}
	return b, nil
}

func insert(tx *bbolt.Tx, name, id string, v any) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	if b.Get([]byte(id)) != nil {
		return fmt.Errorf("%s %q: %w", name, id, repository.ErrConflict)
	}
	return put(b, id, v)
}

func put(b *bbolt.Bucket, id string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.Put([]byte(id), payload)
}

func get(tx *bbolt.Tx, name, id string, v any) error {
	b, err := bucket(tx, name)
	if err != nil {
		return err
	}
	payload := b.Get([]byte(id))
	if payload == nil {
		return repository.ErrNotFound
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return nil
}

func each[T any](tx *bbolt.Tx, name string, keep func(T) bool) ([]T, error) {
	b, err := bucket(tx, name)
	if err != nil {
		return nil, err
	}
	var out []T
	err = b.ForEach(func(_, payload []byte) error {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("unmarshal %s: %w", name, err)
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
		return nil
	})
	return out, err
}

func (s *Store) CreateClient(ctx context.Context, c *domain.Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return insert(tx, clientBucket, c.ID, c)
	})
}

func (s *Store) GetClientByID(ctx context.Context, id string) (*domain.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var c domain.Client
	if err := s.db.View(func(tx *bbolt.Tx) error { return get(tx, clientBucket, id, &c) }); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context) ([]domain.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var clients []domain.Client
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		clients, err = each[domain.Client](tx, clientBucket, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(clients, func(i, j int) bool {
		return earlier(clients[i].CreatedAt, clients[i].ID, clients[j].CreatedAt, clients[j].ID)
	})
	return clients, nil
}

func (s *Store) CreateProject(ctx context.Context, p *domain.Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		var owner domain.Client
		if err := get(tx, clientBucket, p.ClientID, &owner); err != nil {
			return fmt.Errorf("project client %q: %w", p.ClientID, err)
		}
		return insert(tx, projectBucket, p.ID, p)
	})
}

func (s *Store) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var p domain.Project
	if err := s.db.View(func(tx *bbolt.Tx) error { return get(tx, projectBucket, id, &p) }); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListProjectsByClient(ctx context.Context, clientID string) ([]domain.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var projects []domain.Project
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		projects, err = each(tx, projectBucket, func(p domain.Project) bool { return p.ClientID == clientID })
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(projects, func(i, j int) bool {
		return earlier(projects[i].CreatedAt, projects[i].ID, projects[j].CreatedAt, projects[j].ID)
	})
	return projects, nil
}

func (s *Store) updateProject(ctx context.Context, id string, mutate func(*domain.Project)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		var p domain.Project
		if err := get(tx, projectBucket, id, &p); err != nil {
			return err
		}
		mutate(&p)
		b, err := bucket(tx, projectBucket)
		if err != nil {
			return err
		}
		return put(b, id, p)
	})
}

func (s *Store) UpdateProjectType(ctx context.Context, id string, projectType domain.ProjectType) error {
	return s.updateProject(ctx, id, func(p *domain.Project) { p.Type = projectType })
}

func (s *Store) SetPublication(ctx context.Context, id string, pub domain.Publication) error {
	return s.updateProject(ctx, id, func(p *domain.Project) {
		p.PublishedPath = pub.PublishedPath
		p.InstanceID = pub.InstanceID
	})
}

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		emails, err := bucket(tx, userEmailBucket)
		if err != nil {
			return err
		}
		key := strings.ToLower(u.Email)
		if emails.Get([]byte(key)) != nil {
			return fmt.Errorf("user %q: %w", u.Email, repository.ErrConflict)
		}
		if err := insert(tx, userBucket, u.ID, u); err != nil {
			return err
		}
		return emails.Put([]byte(key), []byte(u.ID))
	})
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u domain.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		emails, err := bucket(tx, userEmailBucket)
		if err != nil {
			return err
		}
		id := emails.Get([]byte(strings.ToLower(email)))
		if id == nil {
			return repository.ErrNotFound
		}
		return get(tx, userBucket, string(id), &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u domain.User
	if err := s.db.View(func(tx *bbolt.Tx) error { return get(tx, userBucket, id, &u) }); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return insert(tx, deploymentBucket, d.ID, d)
	})
}

func (s *Store) UpdateDeploymentStatus(ctx context.Context, u domain.DeploymentStatusUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		var d domain.Deployment
		if err := get(tx, deploymentBucket, u.DeploymentID, &d); err != nil {
			return err
		}
		if d.Status != domain.DeploymentPending {
			return fmt.Errorf("deployment %s is not pending: %w", d.ID, repository.ErrConflict)
		}
		completed := u.CompletedAt
		d.Status = u.Status
		d.URL = u.URL
		d.FileCount = u.FileCount
		d.StoragePrefix = u.StoragePrefix
		d.InstanceID = u.InstanceID
		d.Error = u.Error
		d.CompletedAt = &completed
		b, err := bucket(tx, deploymentBucket)
		if err != nil {
			return err
		}
		return put(b, d.ID, d)
	})
}

func (s *Store) GetDeploymentByID(ctx context.Context, id string) (*domain.Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var d domain.Deployment
	if err := s.db.View(func(tx *bbolt.Tx) error { return get(tx, deploymentBucket, id, &d) }); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var deployments []domain.Deployment
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		deployments, err = each(tx, deploymentBucket, func(d domain.Deployment) bool { return d.ProjectID == projectID })
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(deployments, func(i, j int) bool {
		return earlier(deployments[j].DeployedAt, deployments[j].ID, deployments[i].DeployedAt, deployments[i].ID)
	})
	if limit > 0 && len(deployments) > limit {
		deployments = deployments[:limit]
	}
	return deployments, nil
}

func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, deploymentBucket)
		if err != nil {
			return err
		}
		if b.Get([]byte(id)) == nil {
			return repository.ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func earlier(at time.Time, id string, otherAt time.Time, otherID string) bool {
	if !at.Equal(otherAt) {
		return at.Before(otherAt)
	}
	return id < otherID
}
