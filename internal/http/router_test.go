package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/bcrypt"

	"github.com/splax/sitegate/internal/blob"
	"github.com/splax/sitegate/internal/builder"
	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/publish"
	"github.com/splax/sitegate/internal/repository/sqlite"
	"github.com/splax/sitegate/internal/service/access"
	"github.com/splax/sitegate/internal/service/auth"
	"github.com/splax/sitegate/internal/service/deploy"
	"github.com/splax/sitegate/internal/service/project"
	"github.com/splax/sitegate/internal/service/serve"
	"github.com/splax/sitegate/internal/ws"
	"github.com/splax/sitegate/pkg/crypto"
	jwtpkg "github.com/splax/sitegate/pkg/jwt"
)

const testSecret = "router-secret"

type limiterCall struct {
	key   string
	limit int
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []limiterCall
	allowFn func(key string, limit int, window time.Duration) RateDecision
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{}
}

func (s *rateLimiterStub) Allow(key string, limit int, window time.Duration) RateDecision {
	s.mu.Lock()
	s.calls = append(s.calls, limiterCall{key: key, limit: limit})
	s.mu.Unlock()
	if s.allowFn != nil {
		return s.allowFn(key, limit, window)
	}
	return RateDecision{Allowed: true, Count: 1}
}

func (s *rateLimiterStub) Close() {}

// siteBuilder emits a fixed two-file site.
type siteBuilder struct{}

func (siteBuilder) Build(ctx context.Context, req builder.Request, fn func(builder.Output) error) error {
	dir, err := os.MkdirTemp("", "router-site-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	files := map[string]string{
		"index.html":    `<html><head><title>Q1</title></head><body><script src="/assets/app.js"></script></body></html>`,
		"assets/app.js": `console.log("q1")`,
	}
	for name, body := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return err
		}
	}
	return fn(builder.Output{Dir: dir, InstanceID: "dashboard-0123456789ab"})
}

type routerFixture struct {
	router  *Router
	repo    *sqlite.Repository
	store   *blob.Memory
	limiter *rateLimiterStub
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupRouter(t *testing.T) routerFixture {
	t.Helper()
	crypto.Cost = bcrypt.MinCost
	repo := &sqlite.Repository{DB: sqlite.OpenTestDB(t)}
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	for i, c := range []domain.Client{
		{ID: "globex", CompanyName: "Globex Corp"},
		{ID: "initech", CompanyName: "Initech"},
	} {
		c.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := repo.CreateClient(ctx, &c); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.CreateProject(ctx, &domain.Project{ID: "q1", ClientID: "globex", Name: "Q1 Report ", Type: domain.ProjectTypeDashboard, CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	for _, u := range []domain.User{
		{ID: "root", Email: "root@example.com", Kind: domain.KindAdmin, Active: true},
		{ID: "alice", Email: "alice@example.com", Kind: domain.KindUser, ClientID: "globex", ProjectIDs: []string{"q1"}, Active: true},
		{ID: "mallory", Email: "mallory@example.com", Kind: domain.KindUser, ClientID: "initech", ProjectIDs: []string{"q1"}, Active: true},
	} {
		u.PasswordHash = []byte("x")
		if err := repo.CreateUser(ctx, &u); err != nil {
			t.Fatal(err)
		}
	}

	logger := quietLogger()
	store := blob.NewMemory()
	limiter := newRateLimiterStub()
	registry := prometheus.NewRegistry()
	hub := ws.NewHub(4)
	t.Cleanup(hub.Close)
	router := NewRouter(Deps{
		Logger:   logger,
		Auth:     auth.New(repo, testSecret, time.Hour, logger),
		Gate:     access.NewGate(repo, repo, repo, testSecret, logger),
		Projects: project.New(repo, repo, repo, logger),
		Deploy: deploy.New(deploy.Deps{
			Clients:     repo,
			Projects:    repo,
			Deployments: repo,
			Builder:     siteBuilder{},
			Publisher:   publish.New(store, 2, logger),
			Events:      ws.NewDeploymentStream(hub, logger),
			PublicBase:  "https://sites.example.com",
			Logger:      logger,
		}),
		Resolver:       serve.NewResolver(store, nil, logger),
		Responder:      serve.NewResponder(logger),
		Hub:            hub,
		Limiter:        limiter,
		RateLimit:      100,
		MaxUploadBytes: 1 << 20,
		Registerer:     registry,
		Gatherer:       registry,
	})
	t.Cleanup(router.Close)
	return routerFixture{router: router, repo: repo, store: store, limiter: limiter}
}

func bearer(t *testing.T, id string, kind domain.PrincipalKind) string {
	t.Helper()
	tok, _, err := jwtpkg.GenerateToken(id, string(kind), testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func uploadRequest(t *testing.T, projectID, filename, token string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("PK\x03\x04")); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/projects/"+projectID+"/deployments", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (f routerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f routerFixture) deploy(t *testing.T) deploymentResponse {
	t.Helper()
	rr := f.do(uploadRequest(t, "q1", "site.zip", bearer(t, "root", domain.KindAdmin)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("deploy status = %d body=%s", rr.Code, rr.Body.String())
	}
	var dep deploymentResponse
	if err := json.NewDecoder(rr.Body).Decode(&dep); err != nil {
		t.Fatalf("decode deployment: %v", err)
	}
	return dep
}

func TestDeployAndServe(t *testing.T) {
	f := setupRouter(t)
	dep := f.deploy(t)
	if dep.Status != string(domain.DeploymentSuccess) {
		t.Fatalf("status = %s", dep.Status)
	}
	if dep.DeploymentURL != "https://sites.example.com/dashboards/globex-corp/q1-report" {
		t.Fatalf("deployment url = %s", dep.DeploymentURL)
	}
	if dep.FileCount != 2 {
		t.Fatalf("file count = %d", dep.FileCount)
	}

	token := bearer(t, "alice", domain.KindUser)
	rr := f.do(httptest.NewRequest(http.MethodGet, "/dashboards/globex-corp/q1-report?token="+token, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("serve status = %d body=%s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("content type = %s", rr.Header().Get("Content-Type"))
	}
	if !strings.Contains(rr.Body.String(), `name="viewport"`) {
		t.Fatalf("viewport not injected: %s", rr.Body.String())
	}
	if rr.Header().Get("Cache-Control") != "no-cache, no-store, must-revalidate" {
		t.Fatalf("cache control = %q", rr.Header().Get("Cache-Control"))
	}

	legacy := httptest.NewRequest(http.MethodGet, "/dashboard/globex-corp/q1-report/assets/app.js", nil)
	legacy.Header.Set("Authorization", "Bearer "+token)
	if rr := f.do(legacy); rr.Code != http.StatusOK {
		t.Fatalf("legacy segment status = %d", rr.Code)
	}

	viaReferer := httptest.NewRequest(http.MethodGet, "/assets/app.js", nil)
	viaReferer.Header.Set("Referer", "https://sites.example.com/dashboards/globex-corp/q1-report?token="+token)
	rr = f.do(viaReferer)
	if rr.Code != http.StatusOK {
		t.Fatalf("referer asset status = %d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != `console.log("q1")` {
		t.Fatalf("referer asset body = %q", rr.Body.String())
	}
}

func TestServeAuthFailures(t *testing.T) {
	f := setupRouter(t)
	f.deploy(t)

	cases := []struct {
		name  string
		token string
		path  string
		want  int
	}{
		{name: "no credentials", path: "/dashboards/globex-corp/q1-report", want: http.StatusUnauthorized},
		{name: "garbage token", token: "nope", path: "/dashboards/globex-corp/q1-report", want: http.StatusUnauthorized},
		{name: "other client", token: bearer(t, "mallory", domain.KindUser), path: "/dashboards/globex-corp/q1-report", want: http.StatusForbidden},
		{name: "unknown project", token: bearer(t, "root", domain.KindAdmin), path: "/dashboards/globex-corp/missing", want: http.StatusForbidden},
		{name: "missing file", token: bearer(t, "root", domain.KindAdmin), path: "/addins/globex-corp/q1-report/nope.js", want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.token != "" {
				req.URL.RawQuery = "token=" + tc.token
			}
			if rr := f.do(req); rr.Code != tc.want {
				t.Fatalf("status = %d, want %d body=%s", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestServeStaysInsideAuthorizedProject(t *testing.T) {
	f := setupRouter(t)
	ctx := context.Background()
	boardPath := "/dashboards/globex-corp/board-pack"
	board := domain.Project{ID: "board", ClientID: "globex", Name: "Board Pack", Type: domain.ProjectTypeDashboard, PublishedPath: &boardPath, CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	if err := f.repo.CreateProject(ctx, &board); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Put(ctx, "dashboards/globex-corp/board-pack/payroll.json", []byte(`{"ceo":1000000}`), "application/json"); err != nil {
		t.Fatal(err)
	}
	f.deploy(t)

	token := bearer(t, "alice", domain.KindUser)
	rr := f.do(httptest.NewRequest(http.MethodGet, "/dashboards/globex-corp/q1-report/payroll.json?token="+token, nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("sibling file through q1 status = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = f.do(httptest.NewRequest(http.MethodGet, "/dashboards/globex-corp/board-pack/payroll.json?token="+token, nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("unassigned project status = %d", rr.Code)
	}
}

func TestRefererAssetWithoutSite(t *testing.T) {
	f := setupRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/assets/app.js", nil)
	req.Header.Set("Referer", "https://sites.example.com/login")
	if rr := f.do(req); rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	f := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	if rr := f.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/clients", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, "alice", domain.KindUser))
	if rr := f.do(req); rr.Code != http.StatusForbidden {
		t.Fatalf("user status = %d", rr.Code)
	}

	// Query tokens are only honoured on serve routes.
	req = httptest.NewRequest(http.MethodGet, "/clients?token="+bearer(t, "root", domain.KindAdmin), nil)
	if rr := f.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("query token status = %d", rr.Code)
	}
}

func TestDeployRejectsNonZip(t *testing.T) {
	f := setupRouter(t)
	rr := f.do(uploadRequest(t, "q1", "site.tar.gz", bearer(t, "root", domain.KindAdmin)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	deployments, err := f.repo.ListDeploymentsByProject(context.Background(), "q1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(deployments) != 0 {
		t.Fatalf("rejected upload must not create a deployment, got %d", len(deployments))
	}
}

func TestDeployUploadTooLarge(t *testing.T) {
	f := setupRouter(t)
	f.router.maxUploadBytes = 16
	rr := f.do(uploadRequest(t, "q1", "site.zip", bearer(t, "root", domain.KindAdmin)))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestUndeployEndpoint(t *testing.T) {
	f := setupRouter(t)
	admin := bearer(t, "root", domain.KindAdmin)

	undeploy := func() bool {
		req := httptest.NewRequest(http.MethodDelete, "/projects/q1/deployment", nil)
		req.Header.Set("Authorization", "Bearer "+admin)
		rr := f.do(req)
		if rr.Code != http.StatusOK {
			t.Fatalf("undeploy status = %d", rr.Code)
		}
		var payload map[string]bool
		if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
			t.Fatal(err)
		}
		return payload["undeployed"]
	}

	if undeploy() {
		t.Fatal("undeploy without deployment reported true")
	}
	f.deploy(t)
	if !undeploy() {
		t.Fatal("undeploy after deployment reported false")
	}

	req := httptest.NewRequest(http.MethodGet, "/dashboards/globex-corp/q1-report", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	if rr := f.do(req); rr.Code != http.StatusForbidden {
		t.Fatalf("serve after undeploy status = %d", rr.Code)
	}
	if _, err := f.store.Get(context.Background(), "dashboards/globex-corp/q1-report/index.html"); err != nil {
		t.Fatalf("blob should remain after undeploy: %v", err)
	}
}

func TestBootstrapAndAccess(t *testing.T) {
	f := setupRouter(t)
	admin := "Bearer " + bearer(t, "root", domain.KindAdmin)

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Authorization", admin)
		return f.do(req)
	}

	rr := post("/clients", `{"company_name":"Umbrella"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create client status = %d", rr.Code)
	}
	var client clientResponse
	if err := json.NewDecoder(rr.Body).Decode(&client); err != nil {
		t.Fatal(err)
	}

	rr = post("/projects", `{"client_id":"`+client.ID+`","name":"Ops","type":"Addins"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create project status = %d body=%s", rr.Code, rr.Body.String())
	}
	var proj projectResponse
	if err := json.NewDecoder(rr.Body).Decode(&proj); err != nil {
		t.Fatal(err)
	}

	if rr := post("/projects", `{"client_id":"`+client.ID+`","name":"Ops","type":"Spreadsheet"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid type status = %d", rr.Code)
	}
	if rr := post("/users", `{"email":"ops@example.com","password":"pw","client_id":"nope"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown client user status = %d", rr.Code)
	}
	if rr := post("/users", `{"email":"ops@example.com","password":"pw","client_id":"`+client.ID+`","project_ids":["`+proj.ID+`"]}`); rr.Code != http.StatusCreated {
		t.Fatalf("create user status = %d body=%s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/projects/"+proj.ID+"/access", nil)
	req.Header.Set("Authorization", admin)
	rr = f.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("access status = %d", rr.Code)
	}
	var info project.AccessInfo
	if err := json.NewDecoder(rr.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Accessible || info.Reason != "No dashboard deployed" {
		t.Fatalf("access info = %+v", info)
	}

	rr = post("/projects/"+proj.ID+"/type", `{"type":"Dashboard"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("change type status = %d", rr.Code)
	}
	var change project.TypeChange
	if err := json.NewDecoder(rr.Body).Decode(&change); err != nil {
		t.Fatal(err)
	}
	if change.Message != "No dashboard deployment affected." {
		t.Fatalf("change message = %q", change.Message)
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	f := setupRouter(t)
	reset := time.Unix(1_950_000_000, 0)
	f.limiter.allowFn = func(key string, limit int, window time.Duration) RateDecision {
		return RateDecision{Count: limit, Reset: reset}
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"a@b.c","password":"x"}`))
	req.RemoteAddr = "203.0.113.7:5555"
	rr := f.do(req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("remaining = %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("reset = %q", got)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on a throttled response")
	}

	f.limiter.mu.Lock()
	defer f.limiter.mu.Unlock()
	if len(f.limiter.calls) != 1 || f.limiter.calls[0].key != "login|ip:203.0.113.7" {
		t.Fatalf("limiter calls = %+v", f.limiter.calls)
	}
	if f.limiter.calls[0].limit != rateLimitLogin {
		t.Fatalf("limit = %d", f.limiter.calls[0].limit)
	}
}

func TestLogin(t *testing.T) {
	f := setupRouter(t)
	authSvc := auth.New(f.repo, testSecret, time.Hour, quietLogger())
	if _, err := authSvc.SeedAdmin(context.Background(), "ops@example.com", "hunter2"); err != nil {
		t.Fatal(err)
	}

	rr := f.do(httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"OPS@example.com","password":"hunter2"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/clients", nil)
	req.Header.Set("Authorization", "Bearer "+payload.Token)
	if rr := f.do(req); rr.Code != http.StatusOK {
		t.Fatalf("issued token rejected: %d", rr.Code)
	}

	rr = f.do(httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"ops@example.com","password":"wrong"}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d", rr.Code)
	}
}

func TestDeploymentEventsSendCurrentState(t *testing.T) {
	f := setupRouter(t)
	dep := f.deploy(t)

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/deployments/" + dep.ID + "/events?token=" + bearer(t, "root", domain.KindAdmin)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var event ws.DeploymentEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Type != ws.EventDeploymentStatus || event.DeploymentID != dep.ID || event.Status != domain.DeploymentSuccess {
		t.Fatalf("event = %+v", event)
	}

	req := httptest.NewRequest(http.MethodGet, "/deployments/"+dep.ID+"/events?token="+bearer(t, "alice", domain.KindUser), nil)
	if rr := f.do(req); rr.Code != http.StatusForbidden {
		t.Fatalf("user stream status = %d", rr.Code)
	}
}

func TestParseSiteReferer(t *testing.T) {
	cases := []struct {
		raw  string
		want siteRef
		ok   bool
	}{
		{raw: "https://h/dashboards/acme/sales?token=t1", want: siteRef{namespace: domain.NamespaceDashboards, client: "acme", project: "sales", token: "t1"}, ok: true},
		{raw: "https://h/dashboard/acme/sales/sub/page", want: siteRef{namespace: domain.NamespaceDashboards, client: "acme", project: "sales"}, ok: true},
		{raw: "/addins/acme/tool", want: siteRef{namespace: domain.NamespaceAddins, client: "acme", project: "tool"}, ok: true},
		{raw: "https://h/reports/acme/sales"},
		{raw: "https://h/dashboards/acme"},
		{raw: ""},
	}
	for _, tc := range cases {
		got, ok := parseSiteReferer(tc.raw)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("parseSiteReferer(%q) = %+v, %v", tc.raw, got, ok)
		}
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 1; i <= 2; i++ {
		if d := rl.Allow("k", 2, time.Minute); !d.Allowed || d.Count != i {
			t.Fatalf("call %d = %+v", i, d)
		}
	}
	if d := rl.Allow("k", 2, time.Minute); d.Allowed {
		t.Fatal("third call within window allowed")
	}
	now = now.Add(2 * time.Minute)
	if d := rl.Allow("k", 2, time.Minute); !d.Allowed || d.Count != 1 {
		t.Fatalf("new window = %+v", d)
	}
	rl.sweep(now.Add(time.Hour))
	if len(rl.counters) != 0 {
		t.Fatalf("sweep left %d counters", len(rl.counters))
	}
}
