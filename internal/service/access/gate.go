// Package access authenticates callers of the file-serving routes and
// decides whether they may read a published site.
package access

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/splax/sitegate/internal/catalog"
	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/repository"
	jwtpkg "github.com/splax/sitegate/pkg/jwt"
)

var (
	// ErrUnauthenticated means no channel carried a valid credential.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrUnauthorized means the principal may not read the requested site.
	ErrUnauthorized = errors.New("access denied to this dashboard")
)

// TokenParam is the query parameter carrying a credential for iframe embeds.
const TokenParam = "token"

// Gate authenticates and authorizes file-serving requests. It holds no
// per-request state and re-reads records on every call.
type Gate struct {
	users   repository.UserRepository
	catalog catalog.Catalog
	secret  string
	logger  *slog.Logger
}

// NewGate constructs a Gate validating tokens signed with secret.
func NewGate(users repository.UserRepository, clients repository.ClientRepository, projects repository.ProjectRepository, secret string, logger *slog.Logger) Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return Gate{users: users, catalog: catalog.New(clients, projects), secret: secret, logger: logger}
}

// Authenticate tries the token query parameter, then the bearer header.
func (g Gate) Authenticate(r *http.Request) (domain.Principal, error) {
	return g.AuthenticateCredentials(r.Context(), r.URL.Query().Get(TokenParam), r.Header.Get("Authorization"))
}

// AuthenticateCredentials checks queryToken first and falls back to the
// Authorization header value when the query token is absent or invalid.
func (g Gate) AuthenticateCredentials(ctx context.Context, queryToken, authorization string) (domain.Principal, error) {
	if token := strings.TrimSpace(queryToken); token != "" {
		p, err := g.Principal(ctx, token)
		if err == nil {
			return p, nil
		}
		g.logger.Debug("query token rejected", "error", err)
	}
	if token, ok := BearerToken(authorization); ok {
		p, err := g.Principal(ctx, token)
		if err == nil {
			return p, nil
		}
		g.logger.Debug("bearer token rejected", "error", err)
	}
	return domain.Principal{}, ErrUnauthenticated
}

// Principal validates token and loads the account it names. Inactive
// accounts are rejected.
func (g Gate) Principal(ctx context.Context, token string) (domain.Principal, error) {
	claims, err := jwtpkg.Parse(token, g.secret)
	if err != nil {
		return domain.Principal{}, err
	}
	id, kind, err := claims.Principal()
	if err != nil {
		return domain.Principal{}, err
	}
	switch domain.PrincipalKind(kind) {
	case domain.KindAdmin, domain.KindUser:
	default:
		return domain.Principal{}, ErrUnauthenticated
	}
	user, err := g.users.GetUserByID(ctx, id)
	if err != nil {
		return domain.Principal{}, err
	}
	if user.Kind != domain.PrincipalKind(kind) || !user.Active {
		return domain.Principal{}, ErrUnauthenticated
	}
	return domain.Principal{
		ID:         user.ID,
		Kind:       user.Kind,
		ClientID:   user.ClientID,
		ProjectIDs: user.ProjectIDs,
	}, nil
}

// Authorize resolves the slugs and checks the principal against the result,
// returning the authorized project. Admins pass once resolution succeeds.
// Users must belong to the resolved client and have the project on their
// allow-list. Unpublished projects are denied to everyone.
func (g Gate) Authorize(ctx context.Context, p domain.Principal, clientSlug, projectSlug string) (domain.Project, error) {
	client, project, err := g.catalog.Resolve(ctx, clientSlug, projectSlug)
	if err != nil {
		if errors.Is(err, catalog.ErrClientNotFound) || errors.Is(err, catalog.ErrProjectNotFound) {
			return domain.Project{}, ErrUnauthorized
		}
		return domain.Project{}, err
	}
	if !project.Published() {
		return domain.Project{}, ErrUnauthorized
	}
	if p.IsAdmin() {
		return project, nil
	}
	if p.Kind != domain.KindUser || p.ClientID != client.ID || !p.AssignedTo(project.ID) {
		return domain.Project{}, ErrUnauthorized
	}
	return project, nil
}

// BearerToken extracts the token of a "Bearer <token>" header value.
func BearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
