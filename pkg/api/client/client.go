// Package client is a typed client for the sitegate admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBaseURL is used when no API base URL is configured.
const DefaultBaseURL = "http://localhost:4000"

// Client provides typed access to the sitegate API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL: strings.TrimRight(trimmed, "/"),
		// Deploy requests block until the build finishes.
		httpClient: &http.Client{Timeout: 15 * time.Minute},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}
	resp, err := c.send(ctx, method, path, reader, contentType, token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	return decode(resp.Body, v)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType, token string) (*http.Response, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	return resp, nil
}

func decode(body io.Reader, v any) error {
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// LoginResponse captures the token payload emitted by the API.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

// User reflects API user payloads.
type User struct {
	ID         string   `json:"id"`
	Email      string   `json:"email"`
	Kind       string   `json:"kind"`
	ClientID   string   `json:"client_id,omitempty"`
	ProjectIDs []string `json:"project_ids,omitempty"`
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return LoginResponse{}, err
	}
	return resp, nil
}

// TenantClient is a tenant company.
type TenantClient struct {
	ID          string    `json:"id"`
	CompanyName string    `json:"company_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListClients returns every tenant company.
func (c *Client) ListClients(ctx context.Context, token string) ([]TenantClient, error) {
	var clients []TenantClient
	if err := c.do(ctx, http.MethodGet, "/clients", nil, token, &clients); err != nil {
		return nil, err
	}
	return clients, nil
}

// CreateClient registers a tenant company.
func (c *Client) CreateClient(ctx context.Context, token, companyName string) (TenantClient, error) {
	var out TenantClient
	if err := c.do(ctx, http.MethodPost, "/clients", map[string]string{"company_name": companyName}, token, &out); err != nil {
		return TenantClient{}, err
	}
	return out, nil
}

// Project describes a deployable site.
type Project struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"client_id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	PublishedPath *string   `json:"published_path"`
	InstanceID    *string   `json:"instance_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListProjects returns the projects of a tenant company.
func (c *Client) ListProjects(ctx context.Context, token, clientID string) ([]Project, error) {
	path := fmt.Sprintf("/clients/%s/projects", url.PathEscape(clientID))
	var projects []Project
	if err := c.do(ctx, http.MethodGet, path, nil, token, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Type     string `json:"type,omitempty"`
}

// CreateProject registers a project under a tenant company.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// CreateUserInput captures the payload for tenant user creation.
type CreateUserInput struct {
	Email      string   `json:"email"`
	Password   string   `json:"password"`
	ClientID   string   `json:"client_id"`
	ProjectIDs []string `json:"project_ids"`
}

// CreateUser registers a tenant user.
func (c *Client) CreateUser(ctx context.Context, token string, input CreateUserInput) (User, error) {
	var user User
	if err := c.do(ctx, http.MethodPost, "/users", input, token, &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// Deployment represents API deployment payloads.
type Deployment struct {
	ID            string     `json:"id"`
	ProjectID     string     `json:"project_id"`
	Status        string     `json:"status"`
	DeploymentURL string     `json:"deployment_url"`
	FileCount     int        `json:"file_count"`
	StoragePrefix string     `json:"storage_prefix"`
	InstanceID    string     `json:"instance_id"`
	ErrorMessage  string     `json:"error_message"`
	DeployedBy    string     `json:"deployed_by"`
	DeployedAt    time.Time  `json:"deployed_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// DeployError is returned when the API recorded a deployment that failed.
type DeployError struct {
	APIError
	Deployment Deployment
}

func (e *DeployError) Unwrap() error { return e.APIError }

// Deploy uploads archive as a .zip build source for the project and waits
// for the deployment to finish.
func (c *Client) Deploy(ctx context.Context, token, projectID, filename string, archive io.Reader) (Deployment, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(filename))
		if err == nil {
			_, err = io.Copy(part, archive)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	path := fmt.Sprintf("/projects/%s/deployments", url.PathEscape(projectID))
	resp, err := c.send(ctx, http.MethodPost, path, pr, mw.FormDataContentType(), token)
	if err != nil {
		pr.CloseWithError(err)
		return Deployment{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		var failed struct {
			Deployment Deployment `json:"deployment"`
			Error      string     `json:"error"`
		}
		if json.Unmarshal(data, &failed) == nil && failed.Deployment.ID != "" {
			return failed.Deployment, &DeployError{
				APIError:   APIError{Status: resp.StatusCode, Message: failed.Error},
				Deployment: failed.Deployment,
			}
		}
		return Deployment{}, APIError{Status: resp.StatusCode, Message: extractError(bytes.NewReader(data))}
	}
	var dep Deployment
	if err := decode(resp.Body, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s", url.PathEscape(deploymentID))
	var dep Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// ListDeployments fetches recent deployments for a project, newest first.
func (c *Client) ListDeployments(ctx context.Context, token, projectID string, limit int) ([]Deployment, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/projects/%s/deployments%s", url.PathEscape(projectID), query)
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// Undeploy unpublishes the project. It reports false when the project had
// no deployment.
func (c *Client) Undeploy(ctx context.Context, token, projectID string) (bool, error) {
	path := fmt.Sprintf("/projects/%s/deployment", url.PathEscape(projectID))
	var resp struct {
		Undeployed bool `json:"undeployed"`
	}
	if err := c.do(ctx, http.MethodDelete, path, nil, token, &resp); err != nil {
		return false, err
	}
	return resp.Undeployed, nil
}

// TypeChange is the result of changing a project's type.
type TypeChange struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	AccessType   string `json:"access_type"`
	DashboardURL string `json:"dashboard_url"`
}

// ChangeProjectType switches the project between Dashboard and Addins.
func (c *Client) ChangeProjectType(ctx context.Context, token, projectID, projectType string) (TypeChange, error) {
	path := fmt.Sprintf("/projects/%s/type", url.PathEscape(projectID))
	var out TypeChange
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"type": projectType}, token, &out); err != nil {
		return TypeChange{}, err
	}
	return out, nil
}

// AccessInfo describes how a project's site can be reached.
type AccessInfo struct {
	Accessible   bool   `json:"accessible"`
	Reason       string `json:"reason"`
	DashboardURL string `json:"dashboard_url"`
	ProjectType  string `json:"project_type"`
	IsInternal   bool   `json:"is_internal"`
	AccessMethod string `json:"access_method"`
}

// ProjectAccess reports whether the project's site is reachable.
func (c *Client) ProjectAccess(ctx context.Context, token, projectID string) (AccessInfo, error) {
	path := fmt.Sprintf("/projects/%s/access", url.PathEscape(projectID))
	var out AccessInfo
	if err := c.do(ctx, http.MethodGet, path, nil, token, &out); err != nil {
		return AccessInfo{}, err
	}
	return out, nil
}
