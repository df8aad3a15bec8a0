package httpx

import (
	"context"
	"net/http"

	"github.com/splax/sitegate/internal/domain"
)

type authContextKey string

const contextKeyPrincipal authContextKey = "sitegate-principal"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAdmin authenticates the bearer token and rejects non-admins.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		principal, err := r.gate.AuthenticateCredentials(req.Context(), "", req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("bearer authentication failed", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := withPrincipal(req, w, principal)
		if !principal.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next(w, req.WithContext(ctx))
	}
}

// withPrincipal stores p in the request context and exposes it to the audit
// recorder.
func withPrincipal(req *http.Request, w http.ResponseWriter, p domain.Principal) context.Context {
	ctx := context.WithValue(req.Context(), contextKeyPrincipal, p)
	if setter, ok := w.(contextSetter); ok {
		setter.SetContext(ctx)
	}
	return ctx
}

// principalFromContext extracts the authenticated principal.
func principalFromContext(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(domain.Principal)
	return p, ok
}
