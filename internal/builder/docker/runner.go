package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/splax/sitegate/internal/builder"
)

const containerWorkdir = "/workspace"

// Runner executes toolchain commands in a fresh container with the project
// directory bind-mounted as the working directory.
type Runner struct {
	client *Client
	image  string
	log    *slog.Logger
}

var _ builder.Runner = (*Runner)(nil)

// NewRunner returns a Runner that uses image for every command.
func NewRunner(c *Client, image string, log *slog.Logger) (*Runner, error) {
	if c == nil || c.api == nil {
		return nil, errors.New("docker client not initialized")
	}
	if strings.TrimSpace(image) == "" {
		return nil, errors.New("build image cannot be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{client: c, image: image, log: log}, nil
}

// Run implements builder.Runner.
func (r *Runner) Run(ctx context.Context, dir string, argv []string) (builder.CommandResult, error) {
	if len(argv) == 0 {
		return builder.CommandResult{}, errors.New("empty command")
	}
	if err := r.ensureImage(ctx); err != nil {
		return builder.CommandResult{}, err
	}

	cfg, hostCfg := containerSpec(r.image, dir, argv, os.Getuid(), os.Getgid())
	created, err := r.client.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return builder.CommandResult{}, fmt.Errorf("container create: %w", err)
	}
	defer r.remove(created.ID)

	if err := r.client.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return builder.CommandResult{}, fmt.Errorf("container start: %w", err)
	}

	code, err := r.wait(ctx, created.ID)
	if err != nil {
		return builder.CommandResult{}, err
	}

	res, err := r.logs(ctx, created.ID)
	if err != nil {
		return builder.CommandResult{}, err
	}
	r.log.Debug("container command output", "command", strings.Join(argv, " "), "exit_code", code, "stdout", res.Stdout, "stderr", res.Stderr)
	if code != 0 {
		return res, &builder.CommandError{Command: strings.Join(argv, " "), ExitCode: int(code), Stderr: res.Stderr}
	}
	return res, nil
}

// containerSpec runs as the calling uid so files written to the bind mount
// stay removable by this process.
func containerSpec(img, dir string, argv []string, uid, gid int) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      img,
		Cmd:        argv,
		WorkingDir: containerWorkdir,
		Env:        []string{"HOME=/tmp", "CI=true"},
		User:       strconv.Itoa(uid) + ":" + strconv.Itoa(gid),
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: dir,
			Target: containerWorkdir,
		}},
	}
	return cfg, hostCfg
}

func (r *Runner) ensureImage(ctx context.Context) error {
	if _, _, err := r.client.api.ImageInspectWithRaw(ctx, r.image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", r.image, err)
	}
	r.log.Info("pulling build image", "image", r.image)
	reader, err := r.client.api.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", r.image, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image %s: %w", r.image, err)
	}
	return nil
}

func (r *Runner) wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := r.client.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("wait for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, fmt.Errorf("wait for container: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Runner) logs(ctx context.Context, id string) (builder.CommandResult, error) {
	rc, err := r.client.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return builder.CommandResult{}, fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return builder.CommandResult{}, fmt.Errorf("demux container logs: %w", err)
	}
	return builder.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// remove runs on its own deadline so a cancelled build still cleans up.
func (r *Runner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := r.client.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		r.log.Warn("remove build container", "container_id", id, "error", err)
	}
}
