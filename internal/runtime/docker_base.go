package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/logger"
)

// PingTimeout bounds the daemon availability check.
const PingTimeout = 5 * time.Second

// logDrainTimeout bounds how long Run waits for the log stream to finish
// after the container has exited.
const logDrainTimeout = 5 * time.Second

// DockerEngine implements Engine with the Docker Engine API.
//
// The client honours DOCKER_HOST, DOCKER_TLS_VERIFY and DOCKER_CERT_PATH and
// negotiates the API version with the daemon.
type DockerEngine struct {
	client *client.Client
	host   string
	alive  func(pid int) bool

	// Pull replaces the image pull implementation. Nil uses the docker CLI
	// when installed, the Engine API otherwise.
	Pull func(ctx context.Context, ref string, onLine func(string)) error
}

// NewDockerEngine connects to the Docker daemon.
//
// This function performs the following initialization steps:
//  1. Creates the Docker client from the environment
//  2. Negotiates the API version with the daemon
//  3. Verifies the daemon answers a ping within PingTimeout
//
// Parameters:
//   - ctx: Parent context for the ping
//
// Returns:
//   - Connected engine
//   - Error categorized as api.RuntimeUnavailable if the daemon is unreachable
//
// Example:
//
//	engine, err := runtime.NewDockerEngine(ctx)
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
func NewDockerEngine(ctx context.Context) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, api.E(api.RuntimeUnavailable, "", fmt.Errorf("failed to create Docker client: %w", err))
	}

	e := &DockerEngine{client: cli, alive: processAlive}
	e.host, _ = os.Hostname()

	if err := e.Ping(ctx); err != nil {
		cli.Close()
		return nil, err
	}
	logger.Debug("Connected to Docker daemon at %s (API %s)", cli.DaemonHost(), cli.ClientVersion())
	return e, nil
}

// Close releases the client's connections.
func (e *DockerEngine) Close() error {
	return e.client.Close()
}

// Ping checks that the daemon is reachable.
func (e *DockerEngine) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	if _, err := e.client.Ping(ctx); err != nil {
		return api.E(api.RuntimeUnavailable, "", fmt.Errorf("Docker is not running or not installed: %w", err))
	}
	return nil
}

// Runtimes returns the names of the OCI runtimes registered with the daemon.
func (e *DockerEngine) Runtimes(ctx context.Context) ([]string, error) {
	info, err := e.client.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query Docker info: %w", err)
	}
	names := make([]string, 0, len(info.Runtimes))
	for name := range info.Runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ImageExists reports whether ref is present locally.
func (e *DockerEngine) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := e.client.ImageInspect(ctx, ref); err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return true, nil
}

// EnsureImage checks if an image exists locally and pulls it if not.
//
// Parameters:
//   - ctx: Context for cancellation of the pull
//   - ref: Image reference
//   - refresh: Pull even if the image is present
//
// Returns:
//   - nil if the image is available
//   - Error categorized as api.RuntimeUnavailable if it cannot be made so
func (e *DockerEngine) EnsureImage(ctx context.Context, ref string, refresh bool) error {
	if ref == "" {
		return api.Errorf(api.RuntimeUnavailable, "", "image name cannot be empty")
	}

	exists, err := e.ImageExists(ctx, ref)
	if err != nil {
		return api.E(api.RuntimeUnavailable, "", err)
	}
	if exists && !refresh {
		logger.Debug("Docker image %s found locally", ref)
		return nil
	}

	if exists {
		logger.Info("Updating Docker image %s", ref)
	} else {
		logger.Info("Docker image %s not found locally, pulling", ref)
	}
	onLine := func(line string) { logger.Info("[pull] %s", line) }
	if err := e.pull(ctx, ref, onLine); err != nil {
		if ctx.Err() != nil {
			return api.E(api.Canceled, "", ctx.Err())
		}
		if exists {
			logger.Warn("Failed to update %s, using the local copy: %v", ref, err)
			return nil
		}
		return api.E(api.RuntimeUnavailable, "", fmt.Errorf("image %s is not available: %w", ref, err))
	}
	logger.Info("Docker image %s is up to date", ref)
	return nil
}

func (e *DockerEngine) pull(ctx context.Context, ref string, onLine func(string)) error {
	if e.Pull != nil {
		return e.Pull(ctx, ref, onLine)
	}
	if _, err := exec.LookPath("docker"); err == nil {
		return PullDockerImage(ctx, ref, onLine)
	}
	return e.pullViaAPI(ctx, ref, onLine)
}

// EnsureClean removes the containers of runID and stale managed containers.
//
// Containers belonging to a concurrent live invocation are left alone. A
// container that disappears while being removed counts as removed.
//
// Returns:
//   - Number of containers removed
//   - Joined errors of the removals that failed
func (e *DockerEngine) EnsureClean(ctx context.Context, runID string) (int, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	var errs []error
	for _, c := range containers {
		running := c.State == "running" || c.State == "restarting"
		reason := staleReason(running, c.Labels, runID, e.host, e.alive)
		if reason == "" {
			logger.Debug("Keeping container %s of a live run", shortID(c.ID))
			continue
		}
		logger.Debug("Removing container %s (%s)", shortID(c.ID), reason)
		if err := e.remove(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Remove force-removes a container by name or ID. A missing container is
// not an error.
func (e *DockerEngine) Remove(ctx context.Context, nameOrID string) error {
	return e.remove(ctx, nameOrID)
}

func (e *DockerEngine) remove(ctx context.Context, id string) error {
	err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", shortID(id), err)
	}
	return nil
}

// Run creates and starts a container from spec and blocks until it exits.
//
// The container's output is streamed to spec.OnLog while it runs. If ctx is
// cancelled the container is stopped with spec.StopTimeout and ctx's error
// is returned; removal is left to EnsureClean.
//
// Parameters:
//   - ctx: Context for the whole run
//   - spec: Launch specification
//
// Returns:
//   - Exit status of the process
//   - Error if the container could not be created, started or waited on
func (e *DockerEngine) Run(ctx context.Context, spec *LaunchSpec) (*ExitStatus, error) {
	cfg, hostCfg := containerConfigs(spec)

	resp, err := e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		logger.Warn("Docker: %s", w)
	}
	id := resp.ID
	logger.Debug("Created container %s (%s)", spec.Name, shortID(id))

	waitCtx, cancelWait := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWait()
	waitCh, waitErrCh := e.client.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	if err := e.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	logger.Info("Started container %s from %s", spec.Name, spec.Image)

	emit := spec.OnLog
	if emit == nil {
		emit = func(line string) { logger.Info("[segment] %s", line) }
	}
	lines := newLineWriter(DefaultTailLines, emit)
	logsDone := e.streamLogs(waitCtx, id, lines)

	var code int
	select {
	case res := <-waitCh:
		code = int(res.StatusCode)
		if res.Error != nil && res.Error.Message != "" {
			logger.Debug("Wait reported: %s", res.Error.Message)
		}
	case err := <-waitErrCh:
		return nil, fmt.Errorf("failed waiting for container: %w", err)
	case <-ctx.Done():
		e.stop(id, spec.StopTimeout)
		return nil, ctx.Err()
	}

	select {
	case <-logsDone:
	case <-time.After(logDrainTimeout):
		logger.Debug("Log stream of %s did not drain", shortID(id))
	}
	lines.Flush()

	status := &ExitStatus{Code: code, LogTail: lines.Tail()}
	if inspect, err := e.client.ContainerInspect(waitCtx, id); err == nil {
		st := mapContainerState(&inspect)
		status.OOMKilled = st.OOMKilled
		status.Error = st.Error
		logger.Debug("Container %s %s", spec.Name, formatExit(st))
	}
	return status, nil
}

func (e *DockerEngine) streamLogs(ctx context.Context, id string, w *lineWriter) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		rc, err := e.client.ContainerLogs(ctx, id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			logger.Debug("Failed to attach to logs of %s: %v", shortID(id), err)
			return
		}
		defer rc.Close()
		if _, err := stdcopy.StdCopy(w, w, rc); err != nil && ctx.Err() == nil {
			logger.Debug("Log stream of %s ended: %v", shortID(id), err)
		}
	}()
	return done
}

// stop stops a container on a context detached from the cancelled run.
func (e *DockerEngine) stop(id string, timeout int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout+10)*time.Second)
	defer cancel()
	logger.Info("Stopping container %s", shortID(id))
	if err := e.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		logger.Warn("Failed to stop container %s: %v", shortID(id), err)
	}
}

// ListManaged returns the names and states of all managed containers.
func (e *DockerEngine) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	containers, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	out := make([]ManagedContainer, 0, len(containers))
	for _, c := range containers {
		name := shortID(c.ID)
		if len(c.Names) > 0 {
			name = trimSlash(c.Names[0])
		}
		out = append(out, ManagedContainer{
			ID:      c.ID,
			Name:    name,
			State:   string(c.State),
			RunID:   c.Labels[LabelRunID],
			Created: time.Unix(c.Created, 0),
		})
	}
	slices.SortFunc(out, func(a, b ManagedContainer) int { return a.Created.Compare(b.Created) })
	return out, nil
}

// ManagedContainer summarizes a container created by this tool.
type ManagedContainer struct {
	ID      string
	Name    string
	State   string
	RunID   string
	Created time.Time
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func trimSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

// containerConfigs translates a LaunchSpec into Docker create parameters.
func containerConfigs(spec *LaunchSpec) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    env,
		Labels: spec.Labels,
		Tty:    false,
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	res := container.Resources{
		NanoCPUs: spec.Resources.NanoCPUs,
		Memory:   spec.Resources.MemoryBytes,
	}
	if res.Memory > 0 {
		// Equal to Memory disables swap, so the ceiling is a hard one.
		res.MemorySwap = res.Memory
	}
	if spec.Resources.GPU {
		req := container.DeviceRequest{
			Driver:       spec.Resources.GPUDriver,
			Capabilities: [][]string{{"gpu"}},
		}
		if len(spec.Resources.GPUDeviceIDs) > 0 {
			req.DeviceIDs = spec.Resources.GPUDeviceIDs
		} else {
			req.Count = 1
		}
		res.DeviceRequests = []container.DeviceRequest{req}
	}

	useInit := true
	hostCfg := &container.HostConfig{
		Mounts:        mounts,
		Resources:     res,
		ShmSize:       spec.Resources.ShmBytes,
		Init:          &useInit,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	return cfg, hostCfg
}
