package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	pullMaxAttempts = 3
	pullBackoffBase = 2 * time.Second
)

// DockerRunner runs tool containers against a Docker-compatible daemon.
// Containers are hardened: read-only rootfs, all capabilities dropped
// except those the catalog entry declares, no privilege escalation, and
// a writable tmpfs on /tmp only.
type DockerRunner struct {
	cli    client.APIClient
	logger *slog.Logger

	// registryMirror, when set, is prefixed onto image references.
	registryMirror string

	mu     sync.Mutex
	pulled map[string]bool
}

// DockerOption configures a DockerRunner.
type DockerOption func(*DockerRunner)

// WithDockerLogger sets the logger.
func WithDockerLogger(logger *slog.Logger) DockerOption {
	return func(r *DockerRunner) {
		r.logger = logger
	}
}

// WithRegistryMirror prefixes image references with a mirror host.
func WithRegistryMirror(mirror string) DockerOption {
	return func(r *DockerRunner) {
		r.registryMirror = strings.TrimSuffix(mirror, "/")
	}
}

// WithClient substitutes the Docker API client. Used by tests.
func WithClient(cli client.APIClient) DockerOption {
	return func(r *DockerRunner) {
		r.cli = cli
	}
}

// NewDockerRunner connects to the daemon from the environment
// (DOCKER_HOST etc.) with API version negotiation.
func NewDockerRunner(opts ...DockerOption) (*DockerRunner, error) {
	r := &DockerRunner{
		logger: slog.Default(),
		pulled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		r.cli = cli
	}
	return r, nil
}

// Close releases the underlying client connection.
func (r *DockerRunner) Close() error {
	if closer, ok := r.cli.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Run executes the spec to completion. The context bounds setup; the
// run itself is bounded by spec.Timeout, and on expiry the container is
// killed and the partial output returned with TimedOut set.
func (r *DockerRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	ref := spec.Image
	if r.registryMirror != "" {
		ref = r.registryMirror + "/" + ref
	}

	if err := r.ensureImage(ctx, ref); err != nil {
		return nil, &ImagePullError{Image: ref, Err: err}
	}

	id, err := r.create(ctx, ref, spec)
	if err != nil {
		return nil, &StartError{Image: ref, Err: err}
	}
	defer r.remove(id)

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, &StartError{Image: ref, Err: err}
	}

	started := time.Now()
	r.logger.Debug("Container started",
		"invocation_id", spec.InvocationID,
		"image", ref,
		"container_id", id[:12])

	logs, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, &HostError{Op: "attach logs", Err: err}
	}

	out := newLimitWriter(MaxOutputBytes)
	copyDone := make(chan error, 1)
	go func() {
		defer logs.Close()
		// Both streams demux into the same bounded buffer.
		_, cerr := stdcopy.StdCopy(out, out, logs)
		copyDone <- cerr
	}()

	res := &Result{}
	exit, waitErr := r.wait(ctx, id, spec.Timeout)
	switch {
	case waitErr == errRunTimeout:
		res.TimedOut = true
		res.ExitCode = -1
	case waitErr != nil:
		return nil, &HostError{Op: "wait", Err: waitErr}
	default:
		res.ExitCode = exit
	}

	// Give the log copier a moment to drain after the container exits.
	select {
	case <-copyDone:
	case <-time.After(3 * time.Second):
	}

	res.Output = out.String()
	res.Truncated = out.Truncated()
	res.Metrics = r.collectMetrics(id, time.Since(started))

	return res, nil
}

// ensureImage checks local presence and pulls with backoff if missing.
func (r *DockerRunner) ensureImage(ctx context.Context, ref string) error {
	r.mu.Lock()
	if r.pulled[ref] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	list, err := r.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err == nil && len(list) > 0 {
		r.markPulled(ref)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= pullMaxAttempts; attempt++ {
		rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err == nil {
			_, err = io.Copy(io.Discard, rc)
			rc.Close()
		}
		if err == nil {
			r.markPulled(ref)
			return nil
		}
		lastErr = err
		r.logger.Warn("Image pull failed",
			"image", ref,
			"attempt", attempt,
			"error", err)

		if attempt < pullMaxAttempts {
			backoff := pullBackoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (r *DockerRunner) markPulled(ref string) {
	r.mu.Lock()
	r.pulled[ref] = true
	r.mu.Unlock()
}

func (r *DockerRunner) create(ctx context.Context, ref string, spec Spec) (string, error) {
	netMode := container.NetworkMode("bridge")
	if spec.Isolated {
		netMode = "none"
	}

	pids := spec.Limits.PidsLimit
	if pids <= 0 {
		pids = 256
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    netMode,
		ReadonlyRootfs: true,
		AutoRemove:     false,
		CapDrop:        []string{"ALL"},
		CapAdd:         spec.CapAdd,
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=256m"},
		Resources: container.Resources{
			Memory:    spec.Limits.MemoryBytes,
			NanoCPUs:  int64(spec.Limits.CPUPercent) * 1e7,
			PidsLimit: &pids,
		},
	}

	cfg := &container.Config{
		Image: ref,
		Cmd:   spec.Argv,
		Env:   spec.Env,
		Labels: map[string]string{
			"probeline.invocation": spec.InvocationID,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// errRunTimeout is an internal sentinel for the per-run deadline.
var errRunTimeout = fmt.Errorf("run deadline exceeded")

// wait blocks for container exit or the run timeout, whichever first.
// On timeout the container is killed before returning.
func (r *DockerRunner) wait(ctx context.Context, id string, timeout time.Duration) (int, error) {
	waitCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return 0, fmt.Errorf("wait response: %s", resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		return 0, err
	case <-deadline:
		r.kill(id)
		return 0, errRunTimeout
	case <-ctx.Done():
		r.kill(id)
		return 0, ctx.Err()
	}
}

func (r *DockerRunner) kill(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cli.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		r.logger.Warn("Failed to kill container", "container_id", id[:12], "error", err)
	}
}

// remove force-deletes the container. Removal of an already-gone
// container is not an error.
func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		r.logger.Warn("Failed to remove container", "container_id", id[:12], "error", err)
	}
}

// collectMetrics takes a one-shot stats sample. Best-effort: the
// container may already be gone, in which case only duration is filled.
func (r *DockerRunner) collectMetrics(id string, elapsed time.Duration) Metrics {
	m := Metrics{Duration: elapsed}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats, err := r.cli.ContainerStatsOneShot(ctx, id)
	if err != nil {
		return m
	}
	defer stats.Body.Close()

	var sr container.StatsResponse
	if err := json.NewDecoder(stats.Body).Decode(&sr); err != nil {
		return m
	}
	m.MaxMemBytes = sr.MemoryStats.MaxUsage
	if m.MaxMemBytes == 0 {
		m.MaxMemBytes = sr.MemoryStats.Usage
	}
	m.CPUTotal = sr.CPUStats.CPUUsage.TotalUsage
	return m
}
