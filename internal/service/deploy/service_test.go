package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splax/sitegate/internal/blob"
	"github.com/splax/sitegate/internal/builder"
	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/publish"
	"github.com/splax/sitegate/internal/repository"
	"github.com/splax/sitegate/internal/repository/sqlite"
)

type fakeBuilder struct {
	err       error
	files     map[string]string
	inFlight  atomic.Int32
	maxSeen   atomic.Int32
	delay     time.Duration
	// started runs when a build begins; published after its output is published.
	started   func()
	published func()
}

func (f *fakeBuilder) Build(ctx context.Context, req builder.Request, fn func(builder.Output) error) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if f.started != nil {
		f.started()
	}
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return f.err
	}
	dir, err := os.MkdirTemp("", "fake-build-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	for name, body := range f.files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return err
		}
	}
	if err := fn(builder.Output{Dir: dir, InstanceID: "dashboard-0123456789ab", PackageManager: "npm"}); err != nil {
		return err
	}
	if f.published != nil {
		f.published()
	}
	return nil
}

type recordedEvents struct {
	mu       sync.Mutex
	statuses []domain.DeploymentStatus
}

func (r *recordedEvents) DeploymentChanged(d domain.Deployment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, d.Status)
}

type fixture struct {
	repo    *sqlite.Repository
	store   *blob.Memory
	builder *fakeBuilder
	events  *recordedEvents
	svc     Service
}

func newFixture(t *testing.T, b *fakeBuilder) fixture {
	t.Helper()
	repo := &sqlite.Repository{DB: sqlite.OpenTestDB(t)}
	ctx := context.Background()
	if err := repo.CreateClient(ctx, &domain.Client{ID: "c1", CompanyName: "Globex Corp"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateProject(ctx, &domain.Project{ID: "p1", ClientID: "c1", Name: "Q1 Report ", Type: domain.ProjectTypeDashboard}); err != nil {
		t.Fatal(err)
	}
	store := blob.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := &recordedEvents{}
	svc := New(Deps{
		Clients:     repo,
		Projects:    repo,
		Deployments: repo,
		Builder:     b,
		Publisher:   publish.New(store, 4, logger),
		Events:      events,
		PublicBase:  "https://sites.example.com/",
		Logger:      logger,
	})
	return fixture{repo: repo, store: store, builder: b, events: events, svc: svc}
}

func TestDeploySuccess(t *testing.T) {
	f := newFixture(t, &fakeBuilder{files: map[string]string{
		"index.html":    "<html><head></head></html>",
		"assets/app.js": "1",
	}})
	dep, err := f.svc.Deploy(context.Background(), "p1", strings.NewReader("zip"), "admin-1")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if dep.Status != domain.DeploymentSuccess || dep.FileCount != 2 {
		t.Fatalf("unexpected deployment %+v", dep)
	}
	if !strings.HasPrefix(dep.ID, "dep-") || len(dep.ID) != 12 {
		t.Fatalf("unexpected deployment id %q", dep.ID)
	}
	if dep.URL != "https://sites.example.com/dashboards/globex-corp/q1-report" {
		t.Fatalf("url = %s", dep.URL)
	}
	if dep.StoragePrefix != "dashboards/globex-corp/q1-report" || dep.DeployedBy != "admin-1" {
		t.Fatalf("unexpected deployment %+v", dep)
	}

	project, err := f.repo.GetProjectByID(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if project.PublishedPath == nil || *project.PublishedPath != "/dashboards/globex-corp/q1-report" {
		t.Fatalf("published path = %v", project.PublishedPath)
	}
	if project.InstanceID == nil || *project.InstanceID != "dashboard-0123456789ab" {
		t.Fatalf("instance id = %v", project.InstanceID)
	}
	if _, err := f.store.Get(context.Background(), "dashboards/globex-corp/q1-report/index.html"); err != nil {
		t.Fatalf("index not published: %v", err)
	}

	stored, err := f.repo.GetDeploymentByID(context.Background(), dep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.DeploymentSuccess || stored.CompletedAt == nil {
		t.Fatalf("stored deployment %+v", stored)
	}
	want := []domain.DeploymentStatus{domain.DeploymentPending, domain.DeploymentSuccess}
	if len(f.events.statuses) != 2 || f.events.statuses[0] != want[0] || f.events.statuses[1] != want[1] {
		t.Fatalf("events = %v", f.events.statuses)
	}
}

func TestDeployAddinsNamespace(t *testing.T) {
	f := newFixture(t, &fakeBuilder{files: map[string]string{"index.html": "x"}})
	if err := f.repo.UpdateProjectType(context.Background(), "p1", domain.ProjectTypeAddins); err != nil {
		t.Fatal(err)
	}
	dep, err := f.svc.Deploy(context.Background(), "p1", strings.NewReader("zip"), "admin")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if dep.StoragePrefix != "addins/globex-corp/q1-report" {
		t.Fatalf("prefix = %s", dep.StoragePrefix)
	}
}

func TestDeployNoManifestLeavesProjectUntouched(t *testing.T) {
	f := newFixture(t, &fakeBuilder{err: &builder.BuildError{Kind: builder.NoManifestFound}})
	previous := "/dashboards/globex-corp/q1-report"
	prevInstance := "dashboard-previous000"
	if err := f.repo.SetPublication(context.Background(), "p1", domain.Publication{PublishedPath: &previous, InstanceID: &prevInstance}); err != nil {
		t.Fatal(err)
	}

	dep, err := f.svc.Deploy(context.Background(), "p1", strings.NewReader("zip"), "admin")
	var be *builder.BuildError
	if !errors.As(err, &be) || be.Kind != builder.NoManifestFound {
		t.Fatalf("expected NoManifestFound, got %v", err)
	}
	if dep == nil || dep.Status != domain.DeploymentFailed || !strings.Contains(dep.Error, "package.json") {
		t.Fatalf("unexpected deployment %+v", dep)
	}
	stored, err := f.repo.GetDeploymentByID(context.Background(), dep.ID)
	if err != nil || stored.Status != domain.DeploymentFailed {
		t.Fatalf("stored deployment %+v err %v", stored, err)
	}
	project, _ := f.repo.GetProjectByID(context.Background(), "p1")
	if project.PublishedPath == nil || *project.PublishedPath != previous || *project.InstanceID != prevInstance {
		t.Fatalf("publication changed: %+v", project)
	}
}

func TestDeployPublishFailureIsRecorded(t *testing.T) {
	f := newFixture(t, &fakeBuilder{files: map[string]string{"index.html": "x"}})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc.publisher = publish.New(rejectingStore{}, 1, logger)

	dep, err := f.svc.Deploy(context.Background(), "p1", strings.NewReader("zip"), "admin")
	var pe *publish.PublishError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PublishError, got %v", err)
	}
	if dep.Status != domain.DeploymentFailed {
		t.Fatalf("status = %s", dep.Status)
	}
	project, _ := f.repo.GetProjectByID(context.Background(), "p1")
	if project.Published() {
		t.Fatal("project must not be published after a failed publish")
	}
}

type rejectingStore struct{}

func (rejectingStore) Put(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("quota exceeded")
}

func (rejectingStore) Get(context.Context, string) (blob.Object, error) {
	return blob.Object{}, blob.ErrNotFound
}

func TestDeployUnknownProject(t *testing.T) {
	f := newFixture(t, &fakeBuilder{})
	if _, err := f.svc.Deploy(context.Background(), "missing", strings.NewReader("zip"), "admin"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeployRejectsUnaddressableName(t *testing.T) {
	f := newFixture(t, &fakeBuilder{files: map[string]string{"index.html": "x"}})
	if err := f.repo.CreateProject(context.Background(), &domain.Project{ID: "p2", ClientID: "c1", Name: "???", Type: domain.ProjectTypeDashboard}); err != nil {
		t.Fatal(err)
	}
	dep, err := f.svc.Deploy(context.Background(), "p2", strings.NewReader("zip"), "admin")
	if !errors.Is(err, ErrUnaddressable) {
		t.Fatalf("expected ErrUnaddressable, got %v", err)
	}
	if dep.Status != domain.DeploymentFailed {
		t.Fatalf("status = %s", dep.Status)
	}
}

func TestDeploySerializesPerProject(t *testing.T) {
	b := &fakeBuilder{files: map[string]string{"index.html": "x"}, delay: 20 * time.Millisecond}
	f := newFixture(t, b)
	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Deploy(context.Background(), "p1", strings.NewReader("zip"), "admin")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("deploy: %v", err)
		}
	}
	if got := b.maxSeen.Load(); got != 1 {
		t.Fatalf("max concurrent builds for one project = %d, want 1", got)
	}
	history, err := f.svc.ListByProject(context.Background(), "p1", 0)
	if err != nil || len(history) != 3 {
		t.Fatalf("history len=%d err=%v", len(history), err)
	}
}

func TestDeployRecordsSuccessAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, &fakeBuilder{files: map[string]string{"index.html": "x"}, published: cancel})

	dep, err := f.svc.Deploy(ctx, "p1", strings.NewReader("zip"), "admin")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	stored, err := f.repo.GetDeploymentByID(context.Background(), dep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.DeploymentSuccess {
		t.Fatalf("stored status = %s, want success", stored.Status)
	}
	project, err := f.repo.GetProjectByID(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !project.Published() {
		t.Fatal("project publication not recorded")
	}
}

func TestQueuedDeployReadsProjectAfterWaiting(t *testing.T) {
	release := make(chan struct{})
	building := make(chan struct{})
	var calls atomic.Int32
	b := &fakeBuilder{files: map[string]string{"index.html": "x"}}
	b.started = func() {
		if calls.Add(1) == 1 {
			close(building)
			<-release
		}
	}
	f := newFixture(t, b)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := f.svc.Deploy(ctx, "p1", strings.NewReader("zip"), "admin")
		first <- err
	}()
	<-building

	second := make(chan *domain.Deployment, 1)
	go func() {
		dep, err := f.svc.Deploy(ctx, "p1", strings.NewReader("zip"), "admin")
		if err != nil {
			t.Errorf("queued deploy: %v", err)
		}
		second <- dep
	}()
	time.Sleep(50 * time.Millisecond)
	if err := f.repo.UpdateProjectType(ctx, "p1", domain.ProjectTypeAddins); err != nil {
		t.Fatal(err)
	}
	close(release)

	if err := <-first; err != nil {
		t.Fatalf("first deploy: %v", err)
	}
	dep := <-second
	if dep == nil || dep.StoragePrefix != "addins/globex-corp/q1-report" {
		t.Fatalf("queued deploy used a stale project read: %+v", dep)
	}
	project, err := f.repo.GetProjectByID(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if project.PublishedPath == nil || *project.PublishedPath != "/addins/globex-corp/q1-report" {
		t.Fatalf("published path = %v", project.PublishedPath)
	}
}

func TestUndeployWithoutDeployment(t *testing.T) {
	f := newFixture(t, &fakeBuilder{})
	ok, err := f.svc.Undeploy(context.Background(), "p1")
	if err != nil || ok {
		t.Fatalf("undeploy = %v, %v; want false, nil", ok, err)
	}
	project, _ := f.repo.GetProjectByID(context.Background(), "p1")
	if project.Published() || project.InstanceID != nil {
		t.Fatalf("project changed: %+v", project)
	}
}

func TestUndeployClearsPublicationAndKeepsBlobs(t *testing.T) {
	f := newFixture(t, &fakeBuilder{files: map[string]string{"index.html": "x"}})
	dep, err := f.svc.Deploy(context.Background(), "p1", strings.NewReader("zip"), "admin")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := f.svc.Undeploy(context.Background(), "p1")
	if err != nil || !ok {
		t.Fatalf("undeploy = %v, %v; want true, nil", ok, err)
	}
	project, _ := f.repo.GetProjectByID(context.Background(), "p1")
	if project.PublishedPath != nil || project.InstanceID != nil {
		t.Fatalf("publication not cleared: %+v", project)
	}
	if _, err := f.repo.GetDeploymentByID(context.Background(), dep.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("deployment row should be deleted, got %v", err)
	}
	if _, err := f.store.Get(context.Background(), "dashboards/globex-corp/q1-report/index.html"); err != nil {
		t.Fatalf("blob should remain fetchable: %v", err)
	}
}

func TestValidateArchiveName(t *testing.T) {
	for name, ok := range map[string]bool{
		"site.zip":     true,
		"SITE.ZIP":     true,
		"site.tar.gz":  false,
		"site":         false,
		"zip":          false,
		" build.zip  ": true,
	} {
		err := ValidateArchiveName(name)
		if ok && err != nil {
			t.Errorf("%q rejected: %v", name, err)
		}
		if !ok && !errors.Is(err, ErrInvalidArchive) {
			t.Errorf("%q accepted", name)
		}
	}
}
