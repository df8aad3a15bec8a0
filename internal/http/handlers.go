package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/splax/sitegate/internal/service/deploy"
)

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	user, token, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token.AccessToken,
		"expires_at": token.ExpiresAt,
		"user": map[string]any{
			"id":    user.ID,
			"email": user.Email,
			"kind":  user.Kind,
		},
	})
}

func (r *Router) handleCreateClient(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		CompanyName string `json:"company_name"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	client, err := r.projects.CreateClient(req.Context(), payload.CompanyName)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientResponse(*client))
}

func (r *Router) handleListClients(w http.ResponseWriter, req *http.Request) {
	clients, err := r.projects.ListClients(req.Context())
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	out := make([]clientResponse, 0, len(clients))
	for _, c := range clients {
		out = append(out, toClientResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleCreateProject(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		ClientID string `json:"client_id"`
		Name     string `json:"name"`
		Type     string `json:"type"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	p, err := r.projects.CreateProject(req.Context(), payload.ClientID, payload.Name, payload.Type)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProjectResponse(*p))
}

func (r *Router) handleListProjects(w http.ResponseWriter, req *http.Request) {
	projects, err := r.projects.ListByClient(req.Context(), req.PathValue("id"))
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleCreateUser(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Email      string   `json:"email"`
		Password   string   `json:"password"`
		ClientID   string   `json:"client_id"`
		ProjectIDs []string `json:"project_ids"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	if id := strings.TrimSpace(payload.ClientID); id != "" {
		if _, err := r.projects.GetClient(req.Context(), id); err != nil {
			writeServiceError(w, r.logger, err)
			return
		}
	}
	user, err := r.auth.CreateUser(req.Context(), payload.Email, payload.Password, payload.ClientID, payload.ProjectIDs)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          user.ID,
		"email":       user.Email,
		"kind":        user.Kind,
		"client_id":   user.ClientID,
		"project_ids": user.ProjectIDs,
	})
}

func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if r.maxUploadBytes > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, r.maxUploadBytes)
	}
	if err := req.ParseMultipartForm(maxMultipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeServiceError(w, r.logger, err)
			return
		}
		writeError(w, http.StatusBadRequest, "multipart form with a file field required")
		return
	}
	defer req.MultipartForm.RemoveAll()

	file, header, err := req.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()
	if err := deploy.ValidateArchiveName(header.Filename); err != nil {
		writeServiceError(w, r.logger, err)
		return
	}

	actor := ""
	if p, ok := principalFromContext(req.Context()); ok {
		actor = p.ID
	}
	dep, err := r.deploy.Deploy(req.Context(), req.PathValue("id"), file, actor)
	if err != nil {
		if dep == nil {
			writeServiceError(w, r.logger, err)
			return
		}
		status := statusFor(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			r.logger.Error("deployment failed", "deployment_id", dep.ID, "error", err)
			msg = "internal error"
		}
		writeJSON(w, status, map[string]any{
			"deployment": toDeploymentResponse(*dep),
			"error":      msg,
		})
		return
	}
	writeJSON(w, http.StatusCreated, toDeploymentResponse(*dep))
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	limit := defaultListLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	deployments, err := r.deploy.ListByProject(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	out := make([]deploymentResponse, 0, len(deployments))
	for _, d := range deployments {
		out = append(out, toDeploymentResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Router) handleUndeploy(w http.ResponseWriter, req *http.Request) {
	undeployed, err := r.deploy.Undeploy(req.Context(), req.PathValue("id"))
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"undeployed": undeployed})
}

func (r *Router) handleChangeType(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Type string `json:"type"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	change, err := r.projects.ChangeType(req.Context(), req.PathValue("id"), payload.Type)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (r *Router) handleAccess(w http.ResponseWriter, req *http.Request) {
	info, err := r.projects.Access(req.Context(), req.PathValue("id"))
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	dep, err := r.deploy.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeploymentResponse(*dep))
}
