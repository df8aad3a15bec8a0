package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewNormalisesBaseURL(t *testing.T) {
	c, err := New("api.example.com/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.baseURL != "http://api.example.com" {
		t.Fatalf("unexpected base url %q", c.baseURL)
	}
	c, err = New("  ")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.baseURL != DefaultBaseURL {
		t.Fatalf("expected default base url, got %q", c.baseURL)
	}
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "root@example.com" || body["password"] != "pw" {
			t.Errorf("unexpected body %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"token":"tok","expires_at":"2026-01-01T00:00:00Z","user":{"id":"u1","email":"root@example.com","kind":"admin"}}`)
	})

	resp, err := c.Login(context.Background(), "root@example.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if resp.Token != "tok" || resp.User.Kind != "admin" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected authorization %q", got)
		}
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":"admin access required"}`)
	})

	_, err := c.ListClients(context.Background(), "tok")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Message != "admin access required" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestDeployUploadsMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/projects/p1/deployments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "site.zip" || string(data) != "zipbytes" {
			t.Errorf("unexpected upload %q %q", header.Filename, data)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"d1","project_id":"p1","status":"success","file_count":3,"deployment_url":"https://sites.example.com/dashboards/acme/q1/"}`)
	})

	dep, err := c.Deploy(context.Background(), "tok", "p1", "/tmp/build/site.zip", strings.NewReader("zipbytes"))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if dep.Status != "success" || dep.FileCount != 3 {
		t.Fatalf("unexpected deployment %+v", dep)
	}
}

func TestDeployFailureReturnsRecordedDeployment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"deployment":{"id":"d2","status":"failed","error_message":"npm run build exited 1"},"error":"build failed"}`)
	})

	dep, err := c.Deploy(context.Background(), "tok", "p1", "site.zip", strings.NewReader("x"))
	var deployErr *DeployError
	if !errors.As(err, &deployErr) {
		t.Fatalf("expected DeployError, got %v", err)
	}
	if dep.ID != "d2" || deployErr.Deployment.Status != "failed" {
		t.Fatalf("unexpected deployment %+v", dep)
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected wrapped APIError, got %v", err)
	}
}

func TestUndeploy(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/projects/p1/deployment" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"undeployed":true}`)
	})

	ok, err := c.Undeploy(context.Background(), "tok", "p1")
	if err != nil || !ok {
		t.Fatalf("Undeploy: %v %v", ok, err)
	}
}
