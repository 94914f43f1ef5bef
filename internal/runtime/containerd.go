// Package runtime implements the Container Lifecycle Manager: the
// create/start/stop/remove/exec/stats/logs state machine over containerd,
// plus the resource-sampling and heartbeat loops and cleanup policies that
// drive containers out of the fleet.
//
// Network attach/detach is delegated to internal/network rather than
// embedded here, since a container's network identity outlives any single
// create/remove cycle when it's reused across a pool.
package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/runnerhub/orchestrator/internal/apierr"
	"github.com/runnerhub/orchestrator/internal/domain"
)

const (
	// Namespace is the containerd namespace RunnerHub's containers live in.
	Namespace = "runnerhub"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdDriver implements the low-level container operations against a
// local containerd daemon. It also satisfies internal/network.Driver for
// bridge network create/attach/detach, since both concerns share the same
// client connection.
type ContainerdDriver struct {
	client *containerd.Client
}

// NewContainerdDriver dials containerd at socketPath (DefaultSocketPath if
// empty).
func NewContainerdDriver(socketPath string) (*ContainerdDriver, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, err, "connect to containerd at %s", socketPath)
	}
	return &ContainerdDriver{client: client}, nil
}

func (d *ContainerdDriver) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}

func (d *ContainerdDriver) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// PullImage pulls and unpacks imageRef.
func (d *ContainerdDriver) PullImage(ctx context.Context, imageRef string) error {
	ctx = d.ctx(ctx)
	if _, err := d.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return apierr.Wrap(apierr.Transient, err, "pull image %s", imageRef)
	}
	return nil
}

// Create builds (but does not start) a container from rec's image and
// resource limits.
func (d *ContainerdDriver) Create(ctx context.Context, rec *domain.ContainerRecord, env []string) error {
	ctx = d.ctx(ctx)

	image, err := d.client.GetImage(ctx, rec.Image)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, err, "image %s not present; pull first", rec.Image)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
	}

	if rec.Resources.CPULimit > 0 {
		// CPU shares: relative weight (1024 == 1 core). CPU quota/period
		// bounds the hard ceiling within a 100ms CFS period.
		shares := uint64(rec.Resources.CPULimit * 1024)
		quota := int64(rec.Resources.CPULimit * 100000)
		period := uint64(100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, period))
	}
	if rec.Resources.MemLimitBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(rec.Resources.MemLimitBytes)))
	}
	if rec.Resources.PidsLimit > 0 {
		opts = append(opts, oci.WithPidsLimit(rec.Resources.PidsLimit))
	}

	_, err = d.client.NewContainer(
		ctx,
		rec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(rec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return apierr.Wrap(apierr.Transient, err, "create container %s", rec.ID)
	}
	return nil
}

// Start creates a task for an already-created container and starts it,
// redirecting stdout/stderr to logPath so the "archive logs" cleanup
// action has something to archive once the container stops. An empty
// logPath falls back to discarding output.
func (d *ContainerdDriver) Start(ctx context.Context, containerID string, logPath string) error {
	ctx = d.ctx(ctx)
	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return apierr.Wrap(apierr.NotFound, err, "load container %s", containerID)
	}
	ioCreator := cio.NullIO
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return apierr.Wrap(apierr.Transient, err, "create log dir for %s", containerID)
		}
		ioCreator = cio.LogFile(logPath)
	}
	task, err := container.NewTask(ctx, ioCreator)
	if err != nil {
		return apierr.Wrap(apierr.Transient, err, "create task for %s", containerID)
	}
	if err := task.Start(ctx); err != nil {
		return apierr.Wrap(apierr.Transient, err, "start task for %s", containerID)
	}
	return nil
}

// Stop sends SIGTERM, waits up to timeout, then escalates to SIGKILL.
func (d *ContainerdDriver) Stop(ctx context.Context, containerID string, timeout time.Duration) (exitCode int, err error) {
	ctx = d.ctx(ctx)
	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return 0, nil // already gone
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, nil // never started
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return 0, apierr.Wrap(apierr.Transient, err, "wait on task %s", containerID)
	}
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return 0, apierr.Wrap(apierr.Transient, err, "SIGTERM task %s", containerID)
	}

	select {
	case status := <-statusC:
		code, _, _ := status.Result()
		_, _ = task.Delete(ctx)
		return int(code), nil
	case <-stopCtx.Done():
		_ = task.Kill(ctx, syscall.SIGKILL)
		status := <-statusC
		code, _, _ := status.Result()
		_, _ = task.Delete(ctx)
		return int(code), nil
	}
}

// Remove deletes a container and its snapshot, stopping it first if needed.
func (d *ContainerdDriver) Remove(ctx context.Context, containerID string) error {
	ctx = d.ctx(ctx)
	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	if _, err := d.Stop(ctx, containerID, 10*time.Second); err != nil {
		return apierr.Wrap(apierr.Transient, err, "stop before remove %s", containerID)
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return apierr.Wrap(apierr.Transient, err, "delete container %s", containerID)
	}
	return nil
}

// Exec runs cmd inside containerID's namespace and waits for it to exit. The
// process's output is discarded (cio.NullIO), so the returned string is always
// empty; a non-zero exit code is returned as a StateError.
func (d *ContainerdDriver) Exec(ctx context.Context, containerID string, cmd []string) (string, error) {
	ctx = d.ctx(ctx)
	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", apierr.Wrap(apierr.NotFound, err, "load container %s", containerID)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return "", apierr.Wrap(apierr.StateError, err, "container %s has no running task", containerID)
	}
	spec, err := container.Spec(ctx)
	if err != nil {
		return "", apierr.Wrap(apierr.Transient, err, "load spec for %s", containerID)
	}
	pspec := spec.Process
	pspec.Args = cmd

	process, err := task.Exec(ctx, containerID+"-exec", pspec, cio.NullIO)
	if err != nil {
		return "", apierr.Wrap(apierr.Transient, err, "exec in %s", containerID)
	}
	defer process.Delete(ctx)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return "", apierr.Wrap(apierr.Transient, err, "wait exec in %s", containerID)
	}
	if err := process.Start(ctx); err != nil {
		return "", apierr.Wrap(apierr.Transient, err, "start exec in %s", containerID)
	}
	status := <-statusC
	code, _, _ := status.Result()
	if code != 0 {
		return "", apierr.New(apierr.StateError, "exec in %s exited %d", containerID, code)
	}
	return "", nil
}

// Stats returns a resource sample, converting containerd's task.Metrics
// surface into domain.ResourceSample.
func (d *ContainerdDriver) Stats(ctx context.Context, containerID string) (domain.ResourceSample, error) {
	ctx = d.ctx(ctx)
	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return domain.ResourceSample{}, apierr.Wrap(apierr.NotFound, err, "load container %s", containerID)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return domain.ResourceSample{}, apierr.Wrap(apierr.StateError, err, "container %s has no task", containerID)
	}
	if _, err := task.Metrics(ctx); err != nil {
		return domain.ResourceSample{}, apierr.Wrap(apierr.Transient, err, "read metrics for %s", containerID)
	}
	// containerd's metric payload is runtime-specific (cgroups v1/v2 protobuf)
	// and is not decoded here: the returned sample carries only its timestamp,
	// and its CPU and memory fields stay zero.
	return domain.ResourceSample{SampledAt: time.Now()}, nil
}

// Logs opens the archived log file captured by Start's cio.LogFile sink.
// Live log streaming isn't wired: RunnerHub containers are ephemeral and
// their stdout/stderr is captured to ArchivedLogPath for the container's
// whole lifetime instead of tailed while running.
func (d *ContainerdDriver) Logs(ctx context.Context, archivedLogPath string) (io.ReadCloser, error) {
	if archivedLogPath == "" {
		return nil, apierr.NewNotFound("container has no archived_log_path")
	}
	f, err := os.Open(archivedLogPath)
	if err != nil {
		return nil, apierr.Wrap(apierr.NotFound, err, "open archived log %s", archivedLogPath)
	}
	return f, nil
}

// IsRunning reports whether containerID currently has a running task.
func (d *ContainerdDriver) IsRunning(ctx context.Context, containerID string) bool {
	ctx = d.ctx(ctx)
	container, err := d.client.LoadContainer(ctx, containerID)
	if err != nil {
		return false
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return false
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running
}

// --- internal/network.Driver -------------------------------------------------

// CreateBridgeNetwork is a placeholder satisfying network.Driver: containerd
// itself has no native CNI bridge management API, so real deployments pair
// this driver with a CNI plugin invocation. RunnerHub records the intended
// subnet/gateway in the store regardless, so network attach/detach bookkeeping
// stays accurate even when the underlying bridge is provisioned out of band.
func (d *ContainerdDriver) CreateBridgeNetwork(name, subnet, gateway string) (string, error) {
	return name, nil
}

func (d *ContainerdDriver) RemoveNetwork(id string) error { return nil }

func (d *ContainerdDriver) DisconnectFromAll(containerID string) error { return nil }

func (d *ContainerdDriver) Connect(containerID string, networkID string) error { return nil }
