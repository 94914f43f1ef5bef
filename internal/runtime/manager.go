package runtime

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runnerhub/orchestrator/internal/apierr"
	"github.com/runnerhub/orchestrator/internal/bus"
	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/health"
	"github.com/runnerhub/orchestrator/internal/metrics"
	"github.com/runnerhub/orchestrator/internal/network"
	"github.com/runnerhub/orchestrator/internal/obslog"
	"github.com/runnerhub/orchestrator/internal/store"
)

// healthCheckLabel, when present on a container, names the command (split on
// spaces; no shell quoting support) the health loop execs inside the
// container on every tick, on top of the heartbeat-deadline rule. Containers
// in this domain expose no stable network endpoint to probe, so only the
// exec checker from internal/health applies; HTTPChecker/TCPChecker are kept
// for embedding binaries that do (e.g. a future dashboard-facing service).
const healthCheckLabel = "health_check_cmd"

// Driver is the subset of ContainerdDriver the Manager drives; narrowed to
// an interface so tests can substitute a fake.
type Driver interface {
	PullImage(ctx context.Context, imageRef string) error
	Create(ctx context.Context, rec *domain.ContainerRecord, env []string) error
	Start(ctx context.Context, containerID string, logPath string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) (int, error)
	Remove(ctx context.Context, containerID string) error
	Exec(ctx context.Context, containerID string, cmd []string) (string, error)
	Stats(ctx context.Context, containerID string) (domain.ResourceSample, error)
	IsRunning(ctx context.Context, containerID string) bool
}

// CleanupPolicy describes one row of the cleanup policy table.
type CleanupPolicy struct {
	Name      string
	Predicate func(*domain.ContainerRecord) bool
	Action    string // "remove" or "stop"
}

// Manager implements the Container Lifecycle Manager: state transitions,
// resource sampling, heartbeat-based health, and periodic cleanup sweeps.
//
// A ticker-driven monitor loop samples every tracked container on a fixed
// interval, applying per-container resource+health checks rather than a
// single process-wide liveness check.
type Manager struct {
	store    store.Store
	driver   Driver
	isolator *network.Isolator
	bus      *bus.Bus

	sampleInterval time.Duration
	heartbeatEvery time.Duration

	mu                sync.Mutex
	consecutiveBreach map[string]int // containerID -> count of consecutive threshold breaches
	stopCh            chan struct{}
}

const (
	highCPUThresholdPct = 90.0
	highMemThresholdPct = 90.0
	breachesForEvent    = 2

	// containerLogDir is where each container's stdout/stderr is archived
	// for the duration of its life, so the "archive logs" cleanup action
	// doesn't need a live-streaming log API.
	containerLogDir = "/var/log/runnerhub/containers"
)

// NewManager wires a Manager over its store, driver, isolator, and bus.
func NewManager(s store.Store, driver Driver, isolator *network.Isolator, b *bus.Bus) *Manager {
	return &Manager{
		store:             s,
		driver:            driver,
		isolator:          isolator,
		bus:               b,
		sampleInterval:    30 * time.Second,
		heartbeatEvery:    15 * time.Second,
		consecutiveBreach: make(map[string]int),
		stopCh:            make(chan struct{}),
	}
}

// Start launches the background sampler and health loops.
func (m *Manager) Start() {
	go m.sampleLoop()
	go m.healthLoop()
}

// Stop halts both background loops.
func (m *Manager) Stop() { close(m.stopCh) }

// Create transitions a container CREATING -> CREATED, pulling the image if
// necessary and recording the repository's isolated network on the record;
// StartContainer performs the network attach.
func (m *Manager) Create(ctx context.Context, jobID, repository, image string, resources domain.ResourceLimits, labels map[string]string) (*domain.ContainerRecord, error) {
	id := "ctr-" + jobID
	if jobID == "" {
		id = "ctr-" + uuid.NewString()
	}
	rec := &domain.ContainerRecord{
		ID:         id,
		JobID:      jobID,
		Repository: repository,
		Image:      image,
		State:      domain.ContainerCreating,
		Resources:  resources,
		Labels:     labels,
		CreatedAt:  time.Now(),
	}
	if err := m.store.CreateContainer(rec); err != nil {
		return nil, err
	}

	if err := m.driver.PullImage(ctx, image); err != nil {
		rec.State = domain.ContainerError
		_ = m.store.UpdateContainer(rec)
		return nil, err
	}
	env := []string{"RUNNERHUB_JOB_ID=" + jobID, "RUNNERHUB_REPOSITORY=" + repository}
	if err := m.driver.Create(ctx, rec, env); err != nil {
		rec.State = domain.ContainerError
		_ = m.store.UpdateContainer(rec)
		return nil, err
	}

	if n, err := m.isolator.GetOrCreate(repository); err == nil {
		rec.NetworkID = n.ID
	}

	rec.ArchivedLogPath = filepath.Join(containerLogDir, rec.ID+".log")
	rec.State = domain.ContainerCreated
	if err := m.store.UpdateContainer(rec); err != nil {
		return nil, err
	}
	m.publish("created", rec)
	metrics.ContainersTotal.WithLabelValues(string(domain.ContainerCreated)).Inc()
	return rec, nil
}

// StartContainer transitions CREATED -> STARTING -> RUNNING, attaching the
// isolated network before the task starts executing job code.
func (m *Manager) StartContainer(ctx context.Context, id string) error {
	rec, err := m.store.GetContainer(id)
	if err != nil {
		return err
	}
	if rec.State != domain.ContainerCreated {
		return apierr.NewStateError("container %s is %s, not CREATED", id, rec.State)
	}

	rec.State = domain.ContainerStarting
	_ = m.store.UpdateContainer(rec)

	if err := m.isolator.Attach(id, rec.Repository); err != nil {
		rec.State = domain.ContainerError
		_ = m.store.UpdateContainer(rec)
		return err
	}
	if err := m.driver.Start(ctx, id, rec.ArchivedLogPath); err != nil {
		rec.State = domain.ContainerError
		_ = m.store.UpdateContainer(rec)
		return err
	}

	now := time.Now()
	rec.State = domain.ContainerRunning
	rec.StartedAt = &now
	rec.LastHeartbeat = now
	rec.Healthy = true
	if err := m.store.UpdateContainer(rec); err != nil {
		return err
	}
	m.publish("started", rec)
	return nil
}

// StopContainer transitions RUNNING -> STOPPING -> STOPPED.
func (m *Manager) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	rec, err := m.store.GetContainer(id)
	if err != nil {
		return err
	}
	rec.State = domain.ContainerStopping
	_ = m.store.UpdateContainer(rec)

	code, err := m.driver.Stop(ctx, id, timeout)
	if err != nil {
		rec.State = domain.ContainerError
		_ = m.store.UpdateContainer(rec)
		return err
	}

	now := time.Now()
	rec.State = domain.ContainerStopped
	rec.FinishedAt = &now
	rec.ExitCode = &code
	if err := m.store.UpdateContainer(rec); err != nil {
		return err
	}
	m.publish("stopped", rec)
	return nil
}

// RemoveContainer transitions to REMOVING -> REMOVED, detaching the network
// and deleting the container/snapshot. Skips persistent containers unless
// force is set, per IsPersistent.
func (m *Manager) RemoveContainer(ctx context.Context, id string, force bool) error {
	rec, err := m.store.GetContainer(id)
	if err != nil {
		return err
	}
	if rec.IsPersistent() && !force {
		return apierr.NewConflict("container %s is persistent; pass force to remove", id)
	}

	rec.State = domain.ContainerRemoving
	_ = m.store.UpdateContainer(rec)

	_ = m.isolator.Detach(id, rec.Repository)
	if err := m.driver.Remove(ctx, id); err != nil {
		rec.State = domain.ContainerError
		_ = m.store.UpdateContainer(rec)
		return err
	}

	rec.State = domain.ContainerRemoved
	_ = m.store.UpdateContainer(rec)
	m.publish("removed", rec)
	return m.store.DeleteContainer(id)
}

// Exec runs cmd inside a running container; used by internal/health's
// ExecChecker.
func (m *Manager) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	rec, err := m.store.GetContainer(id)
	if err != nil {
		return "", err
	}
	if rec.State != domain.ContainerRunning {
		return "", apierr.NewStateError("container %s is %s, not RUNNING", id, rec.State)
	}
	return m.driver.Exec(ctx, id, cmd)
}

// Heartbeat records a liveness ping from a runner executing inside the
// container, independent of the webhook-driven job status per the
// heartbeat/webhook split decided for job status authority.
func (m *Manager) Heartbeat(id string) error {
	rec, err := m.store.GetContainer(id)
	if err != nil {
		return err
	}
	rec.LastHeartbeat = time.Now()
	rec.Healthy = true
	return m.store.UpdateContainer(rec)
}

func (m *Manager) publish(kind string, rec *domain.ContainerRecord) {
	if m.bus != nil {
		m.bus.Publish(bus.TopicContainer, kind, rec)
	}
}

// sampleLoop periodically reads each running container's resource usage,
// emitting high_cpu/high_mem events after breachesForEvent consecutive
// threshold breaches so a single transient spike doesn't trigger scaling.
func (m *Manager) sampleLoop() {
	ticker := time.NewTicker(m.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sampleOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sampleOnce() {
	running, err := m.store.ListContainersByState(domain.ContainerRunning)
	if err != nil {
		return
	}
	ctx := context.Background()
	for _, rec := range running {
		sample, err := m.driver.Stats(ctx, rec.ID)
		if err != nil {
			continue
		}
		rec.LastSample = sample
		_ = m.store.UpdateContainer(rec)

		m.mu.Lock()
		breach := sample.CPUPct >= highCPUThresholdPct || sample.MemPct >= highMemThresholdPct
		if breach {
			m.consecutiveBreach[rec.ID]++
		} else {
			m.consecutiveBreach[rec.ID] = 0
		}
		count := m.consecutiveBreach[rec.ID]
		m.mu.Unlock()

		if count == breachesForEvent {
			kind := "high_cpu"
			if sample.MemPct >= highMemThresholdPct {
				kind = "high_mem"
			}
			m.publish(kind, rec)
		}
	}
}

// healthLoop marks containers UNHEALTHY after two missed heartbeat intervals
// plus a 10s grace period.
func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.healthOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) healthOnce() {
	running, err := m.store.ListContainersByState(domain.ContainerRunning)
	if err != nil {
		return
	}
	ctx := context.Background()
	deadline := 2*m.heartbeatEvery + 10*time.Second
	for _, rec := range running {
		missedHeartbeat := time.Since(rec.LastHeartbeat) > deadline

		unhealthy := missedHeartbeat
		reason := "missed heartbeat deadline"
		if checker := m.execChecker(rec); checker != nil {
			result := checker.Check(ctx)
			if !result.Healthy {
				unhealthy = true
				reason = "health check failed: " + result.Message
			}
		}

		if unhealthy && rec.Healthy {
			rec.Healthy = false
			_ = m.store.UpdateContainer(rec)
			m.publish("unhealthy", rec)
			obslog.WithRunnerID(rec.RunnerID).Warn().Msg(reason)
		} else if !unhealthy && !rec.Healthy {
			rec.Healthy = true
			_ = m.store.UpdateContainer(rec)
			m.publish("healthy", rec)
		}
	}
}

// execChecker builds a health.ExecChecker for containers that opted into a
// command-based check via healthCheckLabel, wired to the Manager's own Exec
// so the check runs inside the container's namespace.
func (m *Manager) execChecker(rec *domain.ContainerRecord) health.Checker {
	cmdStr, ok := rec.Labels[healthCheckLabel]
	if !ok || cmdStr == "" {
		return nil
	}
	return &health.ExecChecker{
		Command:     strings.Fields(cmdStr),
		ContainerID: rec.ID,
		Executor:    m.Exec,
	}
}

// DefaultCleanupPolicies implements the baseline cleanup table: idle
// (STOPPED+persistent-false past idleTTL), failed (ERROR state past
// failedTTL), orphaned (RUNNING with no matching job row), expired
// (RUNNING past a hard ceiling regardless of health).
func DefaultCleanupPolicies(idleTTL, failedTTL, hardCeiling time.Duration, jobExists func(jobID string) bool) []CleanupPolicy {
	return []CleanupPolicy{
		{
			Name: "idle",
			Predicate: func(c *domain.ContainerRecord) bool {
				return c.State == domain.ContainerStopped && !c.IsPersistent() &&
					c.FinishedAt != nil && time.Since(*c.FinishedAt) > idleTTL
			},
			Action: "remove",
		},
		{
			Name: "failed",
			Predicate: func(c *domain.ContainerRecord) bool {
				return c.State == domain.ContainerError && time.Since(c.CreatedAt) > failedTTL
			},
			Action: "remove",
		},
		{
			Name: "orphaned",
			Predicate: func(c *domain.ContainerRecord) bool {
				return c.State == domain.ContainerRunning && c.JobID != "" && !jobExists(c.JobID)
			},
			Action: "stop",
		},
		{
			Name: "expired",
			Predicate: func(c *domain.ContainerRecord) bool {
				return c.State == domain.ContainerRunning && c.StartedAt != nil && time.Since(*c.StartedAt) > hardCeiling
			},
			Action: "stop",
		},
	}
}

// RunCleanup sweeps all containers against policies once, recording a
// CleanupHistory entry for the run.
func (m *Manager) RunCleanup(ctx context.Context, policies []CleanupPolicy) (*domain.CleanupHistory, error) {
	timer := metrics.NewTimer()
	all, err := m.store.ListContainers()
	if err != nil {
		return nil, err
	}

	history := &domain.CleanupHistory{
		ID:           uuid.NewString(),
		StartedAt:    time.Now(),
		PolicyCounts: make(map[string]int),
	}
	for _, rec := range all {
		for _, p := range policies {
			if !p.Predicate(rec) {
				continue
			}
			detail := domain.CleanupDetail{ContainerID: rec.ID, Policy: p.Name, Action: p.Action}
			var actionErr error
			switch p.Action {
			case "remove":
				actionErr = m.RemoveContainer(ctx, rec.ID, true)
			case "stop":
				actionErr = m.StopContainer(ctx, rec.ID, 10*time.Second)
			}
			if actionErr != nil {
				detail.Error = actionErr.Error()
			}
			history.Detail = append(history.Detail, detail)
			history.PolicyCounts[p.Name]++
			break // first matching policy wins; don't double-act on one container
		}
	}
	history.FinishedAt = time.Now()
	timer.ObserveDuration(metrics.CleanupDuration)
	metrics.CleanupCyclesTotal.Inc()

	if err := m.store.AppendCleanupHistory(history); err != nil {
		return history, err
	}
	return history, nil
}
