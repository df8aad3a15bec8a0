// Package builder turns an uploaded site archive into a directory of static
// build artifacts.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/splax/sitegate/internal/domain"
	"github.com/splax/sitegate/internal/workspace"
	"github.com/splax/sitegate/pkg/tracing"
)

const (
	uploadName = "upload.zip"
	sourceDir  = "src"

	defaultTimeout    = 10 * time.Minute
	defaultExtractCap = 500 << 20
)

// Request describes one build.
type Request struct {
	// ID names the scratch directory; deployment ids are used.
	ID          string
	Archive     io.Reader
	ProjectType domain.ProjectType
}

// Output is valid only inside the callback passed to Build.
type Output struct {
	Dir            string
	InstanceID     string
	PackageManager string
	// PatchedFile is the source file the instance id was written into, if any.
	PatchedFile string
}

// Builder runs archive builds on a bounded pool of toolchain slots.
type Builder struct {
	workspace  *workspace.Manager
	runner     Runner
	slots      *semaphore.Weighted
	timeout    time.Duration
	extractCap int64
	log        *slog.Logger
}

// Option customises a Builder.
type Option func(*Builder)

// WithTimeout bounds install plus build time.
func WithTimeout(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithExtractLimit caps the total uncompressed size of an archive.
func WithExtractLimit(n int64) Option {
	return func(b *Builder) {
		if n > 0 {
			b.extractCap = n
		}
	}
}

// New constructs a Builder allowing concurrency toolchain runs at once.
func New(ws *workspace.Manager, runner Runner, concurrency int, log *slog.Logger, opts ...Option) (*Builder, error) {
	if ws == nil {
		return nil, errors.New("workspace manager is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Builder{
		workspace:  ws,
		runner:     runner,
		slots:      semaphore.NewWeighted(int64(concurrency)),
		timeout:    defaultTimeout,
		extractCap: defaultExtractCap,
		log:        log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Build unpacks and builds the archive, then calls fn with the output. The
// scratch directory is removed when Build returns, whatever the outcome, so
// fn must finish using Output.Dir before returning.
func (b *Builder) Build(ctx context.Context, req Request, fn func(Output) error) (err error) {
	ctx, span := tracing.Tracer("builder").Start(ctx, "builder.Build")
	span.SetAttributes(attribute.String("build.id", req.ID), attribute.String("project.type", string(req.ProjectType)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	scratch, err := b.workspace.Acquire(req.ID)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := scratch.Release(); rerr != nil {
			b.log.Warn("release build workspace", "build_id", req.ID, "error", rerr)
		}
	}()

	out, err := b.prepare(ctx, scratch.Dir, req)
	if err != nil {
		return err
	}
	if err := b.compile(ctx, &out); err != nil {
		return err
	}
	return fn(out)
}

// prepare persists and extracts the upload and patches the instance id.
func (b *Builder) prepare(ctx context.Context, dir string, req Request) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	uploadPath := filepath.Join(dir, uploadName)
	if err := persist(uploadPath, req.Archive); err != nil {
		return Output{}, err
	}
	src := filepath.Join(dir, sourceDir)
	if err := extractZip(uploadPath, src, b.extractCap); err != nil {
		return Output{}, buildErr(InvalidArchive, "%v", err)
	}

	root, ok, err := findProjectRoot(src)
	if err != nil {
		return Output{}, fmt.Errorf("locate project root: %w", err)
	}
	if !ok {
		return Output{}, &BuildError{Kind: NoManifestFound}
	}

	instanceID, err := NewInstanceID()
	if err != nil {
		return Output{}, err
	}
	patched, err := patchInstanceID(root, instanceID)
	if err != nil {
		b.log.Warn("patch instance id", "build_id", req.ID, "error", err)
	} else if patched == "" {
		b.log.Warn("instance id constant not found", "build_id", req.ID, "candidates", instanceFiles)
	} else {
		b.log.Info("instance id injected", "build_id", req.ID, "file", patched, "instance_id", instanceID)
	}

	return Output{
		Dir:            root,
		InstanceID:     instanceID,
		PackageManager: detectToolchain(root).name,
		PatchedFile:    patched,
	}, nil
}

// compile installs dependencies and runs the build on one pool slot, then
// points out.Dir at the produced output directory.
func (b *Builder) compile(ctx context.Context, out *Output) error {
	if err := b.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.slots.Release(1)

	runCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	tc := toolchainFor(out.PackageManager)
	for _, argv := range [][]string{tc.install, tc.build} {
		started := time.Now()
		_, err := b.runner.Run(runCtx, out.Dir, argv)
		b.log.Debug("toolchain step finished", "command", strings.Join(argv, " "), "duration", time.Since(started), "error", err)
		if err != nil {
			return toolchainError(runCtx, ctx, argv, b.timeout, err)
		}
	}

	outputDir, ok := findOutputDir(out.Dir)
	if !ok {
		return &BuildError{Kind: NoBuildOutput}
	}
	out.Dir = outputDir
	return nil
}

func toolchainError(runCtx, parent context.Context, argv []string, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return buildErr(ToolchainFailed, "%s timed out after %s", strings.Join(argv, " "), timeout)
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		detail := strings.TrimSpace(cmdErr.Stderr)
		if detail == "" {
			detail = cmdErr.Error()
		}
		return &BuildError{Kind: ToolchainFailed, Detail: detail}
	}
	return buildErr(ToolchainFailed, "%v", err)
}

func persist(path string, r io.Reader) error {
	if r == nil {
		return buildErr(InvalidArchive, "empty upload")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write upload file: %w", err)
	}
	return f.Close()
}
