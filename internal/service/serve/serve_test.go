package serve

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/splax/sitegate/internal/blob"
	"github.com/splax/sitegate/internal/builder"
	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/publish"
	"github.com/splax/sitegate/internal/repository/sqlite"
	"github.com/splax/sitegate/internal/service/deploy"
	"github.com/splax/sitegate/internal/slug"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	repo     *sqlite.Repository
	store    *blob.Memory
	resolver Resolver
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := &sqlite.Repository{DB: sqlite.OpenTestDB(t)}
	ctx := context.Background()
	if err := repo.CreateClient(ctx, &domain.Client{ID: "c1", CompanyName: "Globex Corp"}); err != nil {
		t.Fatal(err)
	}
	store := blob.NewMemory()
	return fixture{repo: repo, store: store, resolver: NewResolver(store, nil, quietLogger())}
}

func (f fixture) put(t *testing.T, key, body string) {
	t.Helper()
	if _, err := f.store.Put(context.Background(), key, []byte(body), publish.ContentType(key)); err != nil {
		t.Fatal(err)
	}
}

func TestResolveExactKeyBeforeAssetsPrefix(t *testing.T) {
	f := newFixture(t)
	f.put(t, "dashboards/globex-corp/q1-report/logo.png", "root")
	f.put(t, "dashboards/globex-corp/q1-report/assets/logo.png", "assets")

	asset, err := f.resolver.Resolve(context.Background(), Site{Namespace: domain.NamespaceDashboards, ClientSlug: "globex-corp", ProjectSlug: "q1-report"}, "logo.png")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if asset.Key != "dashboards/globex-corp/q1-report/logo.png" || string(asset.Data) != "root" {
		t.Fatalf("hit %s", asset.Key)
	}
	if reads := f.store.Reads(); len(reads) != 1 {
		t.Fatalf("reads = %v, want only the exact key", reads)
	}
	if asset.ContentType != "image/png" {
		t.Fatalf("content type = %s", asset.ContentType)
	}
}

func TestResolveFallsBackToAssetsPrefix(t *testing.T) {
	f := newFixture(t)
	f.put(t, "dashboards/globex-corp/q1-report/assets/app.js", "js")

	asset, err := f.resolver.Resolve(context.Background(), Site{Namespace: domain.NamespaceDashboards, ClientSlug: "globex-corp", ProjectSlug: "q1-report"}, "app.js")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{
		"dashboards/globex-corp/q1-report/app.js",
		"dashboards/globex-corp/q1-report/assets/app.js",
	}
	reads := f.store.Reads()
	if len(reads) != 2 || reads[0] != want[0] || reads[1] != want[1] {
		t.Fatalf("reads = %v, want %v", reads, want)
	}
	if asset.Key != want[1] {
		t.Fatalf("hit %s", asset.Key)
	}
}

func TestResolveDoesNotDoubleAssetsPrefix(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), Site{Namespace: domain.NamespaceAddins, ClientSlug: "globex-corp", ProjectSlug: "tool"}, "assets/x.css")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, key := range f.store.Reads() {
		if strings.Contains(key, "assets/assets/") {
			t.Fatalf("doubled assets prefix read: %s", key)
		}
	}
}

func TestResolveReconcilesRenamedProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	published := "/dashboards/globex-corp/q1-report"
	project := domain.Project{ID: "p1", ClientID: "c1", Name: "Quarter One", Type: domain.ProjectTypeDashboard, PublishedPath: &published}
	f.put(t, "dashboards/globex-corp/q1-report/index.html", "<html></html>")

	site := Site{Namespace: domain.NamespaceDashboards, ClientSlug: "globex-corp", ProjectSlug: "quarter-one", Project: project}
	asset, err := f.resolver.Resolve(ctx, site, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if asset.Key != "dashboards/globex-corp/q1-report/index.html" {
		t.Fatalf("hit %s", asset.Key)
	}

	f.put(t, "dashboards/globex-corp/quarter-one/index.html", "<html>new</html>")
	site.ProjectSlug = "stale-link"
	asset, err = f.resolver.Resolve(ctx, site, "index.html")
	if err != nil {
		t.Fatalf("resolve stale: %v", err)
	}
	if asset.Key != "dashboards/globex-corp/quarter-one/index.html" {
		t.Fatalf("stale slug should retry the current name slug first, hit %s", asset.Key)
	}
}

func TestResolveNeverReconcilesIntoSiblingProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boardPath := "/dashboards/globex-corp/board-pack"
	q1Path := "/dashboards/globex-corp/q1-report"
	board := domain.Project{ID: "p0", ClientID: "c1", Name: "Board Pack", Type: domain.ProjectTypeDashboard, PublishedPath: &boardPath}
	q1 := domain.Project{ID: "p1", ClientID: "c1", Name: "Q1 Report", Type: domain.ProjectTypeDashboard, PublishedPath: &q1Path}
	for _, p := range []domain.Project{board, q1} {
		if err := f.repo.CreateProject(ctx, &p); err != nil {
			t.Fatal(err)
		}
	}
	f.put(t, "dashboards/globex-corp/board-pack/payroll.json", `{"ceo":1000000}`)
	f.put(t, "dashboards/globex-corp/q1-report/index.html", "<html></html>")

	site := Site{Namespace: domain.NamespaceDashboards, ClientSlug: "globex-corp", ProjectSlug: "q1-report", Project: q1}
	if _, err := f.resolver.Resolve(ctx, site, "payroll.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, key := range f.store.Reads() {
		if strings.Contains(key, "board-pack") {
			t.Fatalf("read outside the authorized project: %s", key)
		}
	}
}

func TestResolveNotFound(t *testing.T) {
	f := newFixture(t)
	for _, rel := range []string{"missing.js", "../../../etc/passwd", "a/../../b"} {
		if _, err := f.resolver.Resolve(context.Background(), Site{Namespace: domain.NamespaceDashboards, ClientSlug: "globex-corp", ProjectSlug: "q1-report"}, rel); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", rel, err)
		}
	}
}

func TestInjectMobile(t *testing.T) {
	doc := []byte(`<!doctype html><html><head><title>Q1</title></head><body></body></html>`)
	out, err := injectMobile(doc)
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	s := string(out)
	if !strings.HasPrefix(s, `<!doctype html><html><head>`+viewportTag+`<style`) {
		t.Fatalf("unexpected injection: %s", s)
	}
	if !strings.HasSuffix(s, `<title>Q1</title></head><body></body></html>`) {
		t.Fatalf("document tail changed: %s", s)
	}

	existing := []byte(`<html><head lang="en"><meta charset="utf-8"><META NAME="Viewport" content="width=1024"></head></html>`)
	out, err = injectMobile(existing)
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if strings.Count(strings.ToLower(string(out)), `name="viewport"`) != 1 {
		t.Fatalf("viewport duplicated: %s", out)
	}
	if !strings.Contains(string(out), `<head lang="en"><style`) {
		t.Fatalf("style not placed after head: %s", out)
	}
}

func TestInjectMobileDegrades(t *testing.T) {
	if _, err := injectMobile([]byte{0xff, 0xfe, '<', 'h'}); err == nil {
		t.Fatal("invalid UTF-8 must not be rewritten")
	}
	if _, err := injectMobile([]byte(`<html><body>no head</body></html>`)); err == nil {
		t.Fatal("document without head must not be rewritten")
	}
}

func TestResponderHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	NewResponder(quietLogger()).Write(rec, req, Asset{Key: "k", Data: []byte{0xff, 0xfe}, ContentType: "text/html"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	h := rec.Header()
	checks := map[string]string{
		"Cache-Control":          "no-cache, no-store, must-revalidate",
		"Pragma":                 "no-cache",
		"Expires":                "0",
		"X-Content-Type-Options": "nosniff",
		"Content-Type":           "text/html; charset=utf-8",
	}
	for k, v := range checks {
		if h.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, h.Get(k), v)
		}
	}
	if rec.Body.Len() != 2 {
		t.Fatalf("undecodable html must be served unmodified, got %q", rec.Body.Bytes())
	}
}

type siteBuilder struct{}

func (siteBuilder) Build(ctx context.Context, req builder.Request, fn func(builder.Output) error) error {
	dir, err := os.MkdirTemp("", "site-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte(`<html><head><title>Q1</title></head><body><div id="root"></div></body></html>`), 0o644); err != nil {
		return err
	}
	return fn(builder.Output{Dir: dir, InstanceID: "dashboard-feedfacecafe"})
}

func TestGlobexScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.repo.CreateProject(ctx, &domain.Project{ID: "p1", ClientID: "c1", Name: "Q1 Report ", Type: domain.ProjectTypeDashboard}); err != nil {
		t.Fatal(err)
	}
	svc := deploy.New(deploy.Deps{
		Clients:     f.repo,
		Projects:    f.repo,
		Deployments: f.repo,
		Builder:     siteBuilder{},
		Publisher:   publish.New(f.store, 2, quietLogger()),
		Logger:      quietLogger(),
	})
	if _, err := svc.Deploy(ctx, "p1", strings.NewReader("zip"), "admin"); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	clientSlug, projectSlug := slug.Make("Globex Corp"), slug.Make("Q1 Report ")
	if clientSlug != "globex-corp" || projectSlug != "q1-report" {
		t.Fatalf("slugs = %s/%s", clientSlug, projectSlug)
	}
	project, err := f.repo.GetProjectByID(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	site := Site{Namespace: domain.NamespaceDashboards, ClientSlug: clientSlug, ProjectSlug: projectSlug, Project: *project}
	asset, err := f.resolver.Resolve(ctx, site, IndexFile)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	rec := httptest.NewRecorder()
	NewResponder(quietLogger()).Write(rec, httptest.NewRequest(http.MethodGet, "/dashboards/globex-corp/q1-report", nil), asset)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("content type = %s", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), `name="viewport"`) {
		t.Fatalf("viewport not injected: %s", rec.Body.String())
	}
}
