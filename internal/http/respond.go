package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/splax/sitegate/internal/builder"
	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/publish"
	"github.com/splax/sitegate/internal/repository"
	"github.com/splax/sitegate/internal/service/access"
	"github.com/splax/sitegate/internal/service/auth"
	"github.com/splax/sitegate/internal/service/deploy"
	"github.com/splax/sitegate/internal/service/project"
	"github.com/splax/sitegate/internal/service/serve"
	"github.com/splax/sitegate/pkg/crypto"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		buildErr   *builder.BuildError
		publishErr *publish.PublishError
		maxBytes   *http.MaxBytesError
	)
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, serve.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, project.ErrInvalidInput), errors.Is(err, deploy.ErrInvalidArchive),
		errors.Is(err, auth.ErrInvalidUser), errors.Is(err, crypto.ErrPasswordTooLong):
		return http.StatusBadRequest
	case errors.Is(err, access.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, access.ErrUnauthorized):
		return http.StatusForbidden
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &buildErr), errors.As(err, &publishErr), errors.Is(err, deploy.ErrUnaddressable):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. Internal errors are
// logged and replaced with a generic message.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

type deploymentResponse struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Status        string     `json:"status"`
	DeploymentURL string     `json:"deployment_url,omitempty"`
	FileCount     int        `json:"file_count"`
	StoragePrefix string     `json:"storage_prefix,omitempty"`
	InstanceID    string     `json:"instance_id,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	DeployedBy    string     `json:"deployed_by"`
	DeployedAt    time.Time  `json:"deployed_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toDeploymentResponse(d domain.Deployment) deploymentResponse {
	return deploymentResponse{
		ID:            d.ID,
		ProjectID:     d.ProjectID,
		Status:        string(d.Status),
		DeploymentURL: d.URL,
		FileCount:     d.FileCount,
		StoragePrefix: d.StoragePrefix,
		InstanceID:    d.InstanceID,
		ErrorMessage:  d.Error,
		DeployedBy:    d.DeployedBy,
		DeployedAt:    d.DeployedAt,
		CompletedAt:   d.CompletedAt,
	}
}

type projectResponse struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ClientID      string    `json:"client_id"`
	Type          string    `json:"type"`
	PublishedPath *string   `json:"published_path"`
	InstanceID    *string   `json:"instance_id"`
	CreatedAt     time.Time `json:"created_at"`
}

func toProjectResponse(p domain.Project) projectResponse {
	return projectResponse{
		ID:            p.ID,
		Name:          p.Name,
		ClientID:      p.ClientID,
		Type:          string(p.Type),
		PublishedPath: p.PublishedPath,
		InstanceID:    p.InstanceID,
		CreatedAt:     p.CreatedAt,
	}
}

type clientResponse struct {
	ID          string    `json:"id"`
	CompanyName string    `json:"company_name"`
	CreatedAt   time.Time `json:"created_at"`
}

func toClientResponse(c domain.Client) clientResponse {
	return clientResponse{ID: c.ID, CompanyName: c.CompanyName, CreatedAt: c.CreatedAt}
}
