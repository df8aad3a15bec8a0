package httpx

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/service/access"
	"github.com/splax/sitegate/internal/service/serve"
	"github.com/splax/sitegate/internal/ws"
)

// handleServe serves /{namespace}/{client}/{project}[/{path...}].
func (r *Router) handleServe(w http.ResponseWriter, req *http.Request) {
	segment, _, _ := strings.Cut(strings.TrimPrefix(req.URL.Path, "/"), "/")
	ns, ok := domain.ParseNamespace(segment)
	if !ok {
		r.notFound(w)
		return
	}
	principal, err := r.gate.Authenticate(req)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	r.serveAsset(w, req, principal, ns, req.PathValue("client"), req.PathValue("project"), req.PathValue("path"))
}

// handleRefererAsset serves absolute /assets/... requests made by a page
// that was itself served from a site route. The site is taken from the
// Referer, and so is the token when the request carries none.
func (r *Router) handleRefererAsset(w http.ResponseWriter, req *http.Request) {
	site, ok := parseSiteReferer(req.Referer())
	if !ok {
		r.notFound(w)
		return
	}
	queryToken := req.URL.Query().Get(access.TokenParam)
	if strings.TrimSpace(queryToken) == "" {
		queryToken = site.token
	}
	principal, err := r.gate.AuthenticateCredentials(req.Context(), queryToken, req.Header.Get("Authorization"))
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	r.serveAsset(w, req, principal, site.namespace, site.client, site.project, "assets/"+req.PathValue("path"))
}

func (r *Router) serveAsset(w http.ResponseWriter, req *http.Request, principal domain.Principal, ns domain.Namespace, clientSlug, projectSlug, relPath string) {
	ctx := withPrincipal(req, w, principal)
	project, err := r.gate.Authorize(ctx, principal, clientSlug, projectSlug)
	if err != nil {
		if errors.Is(err, access.ErrUnauthorized) {
			r.logger.Warn("serve access denied", "principal_id", principal.ID, "client", clientSlug, "project", projectSlug)
		}
		writeServiceError(w, r.logger, err)
		return
	}
	site := serve.Site{Namespace: ns, ClientSlug: clientSlug, ProjectSlug: projectSlug, Project: project}
	asset, err := r.resolver.Resolve(ctx, site, relPath)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	r.responder.Write(w, req.WithContext(ctx), asset)
}

type siteRef struct {
	namespace domain.Namespace
	client    string
	project   string
	token     string
}

func parseSiteReferer(raw string) (siteRef, bool) {
	if raw == "" {
		return siteRef{}, false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return siteRef{}, false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		return siteRef{}, false
	}
	ns, ok := domain.ParseNamespace(parts[0])
	if !ok {
		return siteRef{}, false
	}
	return siteRef{
		namespace: ns,
		client:    parts[1],
		project:   parts[2],
		token:     u.Query().Get(access.TokenParam),
	}, true
}

// handleDeploymentEvents streams status changes of one deployment. Browsers
// cannot set headers on websocket upgrades, so the token query parameter is
// accepted as well as the bearer header.
func (r *Router) handleDeploymentEvents(w http.ResponseWriter, req *http.Request) {
	principal, err := r.gate.Authenticate(req)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	ctx := withPrincipal(req, w, principal)
	if !principal.IsAdmin() {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	dep, err := r.deploy.Get(ctx, req.PathValue("id"))
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(dep.ID, client)
	if payload, err := ws.MarshalDeployment(*dep); err == nil {
		if err := client.Send(payload); err != nil {
			r.logger.Debug("initial deployment event not delivered", "deployment_id", dep.ID, "error", err)
		}
	}
	go func() {
		client.Serve()
		r.hub.Unregister(dep.ID, client)
		client.Close()
	}()
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
