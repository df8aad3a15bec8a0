// Package auth signs in accounts and seeds the bootstrap administrator.
package auth

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
	"github.com/splax/sitegate/pkg/crypto"
	jwtpkg "github.com/splax/sitegate/pkg/jwt"
)

var (
	// ErrInvalidCredentials covers unknown emails, wrong passwords and
	// inactive accounts alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidUser rejects incomplete user registrations.
	ErrInvalidUser = errors.New("email, password and client id are required")
)

// Token is an issued access token.
type Token struct {
	AccessToken string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	secret string
	ttl    time.Duration
	logger *slog.Logger
}

// New constructs a Service.
func New(users repository.UserRepository, secret string, ttl time.Duration, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{users: users, secret: secret, ttl: ttl, logger: logger}
}

// Login checks the password and issues a token whose subject is "{id}:{kind}".
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Token, error) {
	user, err := s.users.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, Token{}, ErrInvalidCredentials
	}
	token, err := s.Issue(user)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID, "kind", user.Kind)
	return user, token, nil
}

// Issue signs a token for user.
func (s Service) Issue(user *domain.User) (Token, error) {
	signed, expires, err := jwtpkg.GenerateToken(user.ID, string(user.Kind), s.secret, s.ttl)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: signed, ExpiresAt: expires.UTC()}, nil
}

// SeedAdmin creates an administrator account if none exists for email.
// It reports whether an account was created.
func (s Service) SeedAdmin(ctx context.Context, email, password string) (bool, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return false, nil
	}
	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return false, err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return false, fmt.Errorf("hash admin password: %w", err)
	}
	admin := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Kind:         domain.KindAdmin,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, admin); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	s.logger.Info("admin account seeded", "user_id", admin.ID, "email", email)
	return true, nil
}

// CreateUser registers a tenant user scoped to clientID and projectIDs.
func (s Service) CreateUser(ctx context.Context, email, password, clientID string, projectIDs []string) (*domain.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" || strings.TrimSpace(clientID) == "" {
		return nil, ErrInvalidUser
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Kind:         domain.KindUser,
		ClientID:     clientID,
		ProjectIDs:   projectIDs,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user_id", user.ID, "client_id", clientID)
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
