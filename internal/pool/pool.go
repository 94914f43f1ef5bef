// Package pool implements the Runner Pool Manager: per-repository pools of
// EPHEMERAL/DEDICATED runners, enforcing min/max and serving
// request_runner/release_runner.
//
// The package runs no background loop of its own: a pool changes size only
// through RequestRunner, ReleaseRunner, ScaleUp and ScaleDown, and it is the
// Auto-Scaler's below_min trigger that brings a pool back up to its minimum.
package pool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/runnerhub/orchestrator/internal/apierr"
	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/keyedmutex"
	"github.com/runnerhub/orchestrator/internal/metrics"
	"github.com/runnerhub/orchestrator/internal/obslog"
	"github.com/runnerhub/orchestrator/internal/store"
	"github.com/runnerhub/orchestrator/internal/upstream"
)

// LifecycleDriver is the narrow surface the Runner Pool Manager needs from
// the Container Lifecycle Manager.
type LifecycleDriver interface {
	Create(ctx context.Context, jobID, repository, image string, resources domain.ResourceLimits, labels map[string]string) (*domain.ContainerRecord, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// Manager owns per-repository runner pools.
type Manager struct {
	store    store.Store
	lifecycle LifecycleDriver
	upstream *upstream.Client
	locks    *keyedmutex.Table

	image          string
	startupTimeout time.Duration
	namePrefix     string
}

// Config configures a Manager.
type Config struct {
	Image          string
	StartupTimeout time.Duration
	NamePrefix     string
}

// New builds a Manager.
func New(s store.Store, lifecycle LifecycleDriver, upstreamClient *upstream.Client, cfg Config) *Manager {
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "runnerhub"
	}
	return &Manager{
		store:          s,
		lifecycle:      lifecycle,
		upstream:       upstreamClient,
		locks:          keyedmutex.New(),
		image:          cfg.Image,
		startupTimeout: cfg.StartupTimeout,
		namePrefix:     cfg.NamePrefix,
	}
}

// EnsurePool returns the repository's pool, creating one with the given
// defaults if it doesn't exist yet.
func (m *Manager) EnsurePool(repository string, minRunners, maxRunners, scaleIncrement int) (*domain.RunnerPool, error) {
	return m.EnsurePoolWithLabels(repository, minRunners, maxRunners, scaleIncrement, nil)
}

// EnsurePoolWithLabels is EnsurePool plus the default label set applied to
// runners the auto-scaler creates anticipatorily.
func (m *Manager) EnsurePoolWithLabels(repository string, minRunners, maxRunners, scaleIncrement int, defaultLabels []string) (*domain.RunnerPool, error) {
	if p, err := m.store.GetPool(repository); err == nil {
		return p, nil
	}
	p := &domain.RunnerPool{
		Repository:     repository,
		MinRunners:     minRunners,
		MaxRunners:     maxRunners,
		ScaleIncrement: scaleIncrement,
		Policy:         domain.DefaultScalingPolicy(),
		DefaultLabels:  defaultLabels,
		CreatedAt:      time.Now(),
	}
	if err := m.store.UpsertPool(p); err != nil {
		return nil, err
	}
	return p, nil
}

// CurrentRunners returns every runner recorded for the repository, whatever
// its status.
func (m *Manager) CurrentRunners(repository string) ([]*domain.Runner, error) {
	return m.store.ListRunnersByRepository(repository)
}

// RequestRunner serves one job's need for a runner: if a matching IDLE
// runner exists it's returned directly; otherwise a fresh EPHEMERAL runner
// is created synchronously (the Auto-Scaler handles anticipatory scaling;
// this path is the fallback guaranteeing forward progress).
func (m *Manager) RequestRunner(ctx context.Context, job *domain.Job, labels []string) (*domain.Runner, error) {
	var runner *domain.Runner
	err := m.locks.With(job.Repository, func() error {
		runners, err := m.store.ListRunnersByRepository(job.Repository)
		if err != nil {
			return err
		}
		for _, r := range runners {
			if r.Status == domain.RunnerIdle && r.HasSuperset(labels) {
				runner = r
				return nil
			}
		}

		pool, err := m.store.GetPool(job.Repository)
		if err != nil {
			return apierr.NewNotFound("no pool configured for %s", job.Repository)
		}
		if len(runners) >= pool.MaxRunners {
			return apierr.NewConflict("pool for %s is at max_runners=%d", job.Repository, pool.MaxRunners)
		}

		created, err := m.createRunnerLocked(ctx, job.Repository, domain.RunnerEphemeral, labels)
		if err != nil {
			return err
		}
		runner = created
		return nil
	})
	return runner, err
}

// createRunnerLocked performs the runner-creation sequence: token, name,
// container spec + create, start (which attaches the repository network),
// then a poll of the runner record's LastHeartbeat bounded by the startup
// timeout. LastHeartbeat is stamped when the record is created and nothing
// else updates it, so the first successful read marks the runner IDLE; no
// heartbeat from the started container is awaited.
func (m *Manager) createRunnerLocked(ctx context.Context, repository string, runnerType domain.RunnerType, labels []string) (*domain.Runner, error) {
	log := obslog.WithRepository(repository)

	if _, err := m.upstream.IssueRunnerRegistrationToken(ctx, repository); err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, err, "issue registration token for %s", repository)
	}

	nonce := uuid.NewString()[:8]
	name := fmt.Sprintf("%s-%s-%s-%s", m.namePrefix, typeSuffix(runnerType), normalizeRepo(repository), nonce)

	runner := &domain.Runner{
		ID:            name,
		Name:          name,
		Type:          runnerType,
		Repository:    repository,
		Labels:        labels,
		Status:        domain.RunnerStarting,
		LastHeartbeat: time.Now(),
	}
	if err := m.store.CreateRunner(runner); err != nil {
		return nil, err
	}

	rec, err := m.lifecycle.Create(ctx, "", repository, m.image, domain.ResourceLimits{}, labelMap(labels))
	if err != nil {
		runner.Status = domain.RunnerOffline
		_ = m.store.UpdateRunner(runner)
		return nil, err
	}
	runner.ContainerID = rec.ID

	if err := m.lifecycle.StartContainer(ctx, rec.ID); err != nil {
		runner.Status = domain.RunnerOffline
		_ = m.store.UpdateRunner(runner)
		return nil, err
	}

	deadline := time.Now().Add(m.startupTimeout)
	for time.Now().Before(deadline) {
		current, err := m.store.GetRunner(runner.ID)
		if err == nil && time.Since(current.LastHeartbeat) < m.startupTimeout {
			current.Status = domain.RunnerIdle
			current.IdleSince = time.Now()
			if err := m.store.UpdateRunner(current); err != nil {
				return nil, err
			}
			metrics.RunnersTotal.WithLabelValues(repository, string(domain.RunnerIdle)).Inc()
			log.Info().Str("runner_id", current.ID).Msg("runner ready")
			return current, nil
		}
		time.Sleep(500 * time.Millisecond)
	}

	runner.Status = domain.RunnerOffline
	_ = m.store.UpdateRunner(runner)
	_ = m.lifecycle.RemoveContainer(ctx, rec.ID, true)
	return nil, apierr.New(apierr.Unavailable, "runner %s did not heartbeat within startup_timeout", name)
}

// ReleaseRunner returns a runner to IDLE (DEDICATED) or destroys it
// (EPHEMERAL), per outcome.
func (m *Manager) ReleaseRunner(ctx context.Context, runnerID string, outcome string) error {
	runner, err := m.store.GetRunner(runnerID)
	if err != nil {
		return err
	}
	runner.LifetimeJobsServed++

	if runner.Type == domain.RunnerEphemeral {
		return m.destroyRunner(ctx, runner)
	}

	runner.Status = domain.RunnerIdle
	runner.IdleSince = time.Now()
	return m.store.UpdateRunner(runner)
}

// destroyRunner runs the destruction sequence: remove upstream
// (idempotent), stop+remove the container (network detach implicit).
func (m *Manager) destroyRunner(ctx context.Context, runner *domain.Runner) error {
	runner.Status = domain.RunnerStopping
	_ = m.store.UpdateRunner(runner)

	if err := m.upstream.RemoveRunner(ctx, runner.Repository, runner.ID); err != nil && !apierr.Is(err, apierr.NotFound) {
		obslog.WithRunnerID(runner.ID).Warn().Err(err).Msg("upstream runner removal failed; continuing with local teardown")
	}
	if runner.ContainerID != "" {
		if err := m.lifecycle.RemoveContainer(ctx, runner.ContainerID, true); err != nil {
			return err
		}
	}

	runner.Status = domain.RunnerOffline
	if err := m.store.UpdateRunner(runner); err != nil {
		return err
	}
	metrics.RunnersTotal.WithLabelValues(runner.Repository, string(domain.RunnerOffline)).Inc()
	return m.store.DeleteRunner(runner.ID)
}

// ScaleUp creates byN additional EPHEMERAL runners for repository, satisfying
// the autoscaler.PoolScaler interface. Partial failure (some runners created,
// one fails) returns the first error after leaving the successes in place;
// the next tick's below-min trigger will retry the shortfall.
func (m *Manager) ScaleUp(ctx context.Context, repository string, byN int) error {
	pool, err := m.store.GetPool(repository)
	if err != nil {
		return apierr.NewNotFound("no pool configured for %s", repository)
	}

	var firstErr error
	for i := 0; i < byN; i++ {
		err := m.locks.With(repository, func() error {
			_, err := m.createRunnerLocked(ctx, repository, domain.RunnerEphemeral, pool.DefaultLabels)
			return err
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ScaleDown releases byN IDLE runners for repository, oldest-idle first.
// Runners currently BUSY are never selected, matching the invariant that a
// pool's min/max bound only applies modulo in-flight work.
func (m *Manager) ScaleDown(ctx context.Context, repository string, byN int) error {
	return m.locks.With(repository, func() error {
		runners, err := m.store.ListRunnersByRepository(repository)
		if err != nil {
			return err
		}
		var idle []*domain.Runner
		for _, r := range runners {
			if r.Status == domain.RunnerIdle {
				idle = append(idle, r)
			}
		}
		sort.SliceStable(idle, func(i, k int) bool { return idle[i].IdleSince.Before(idle[k].IdleSince) })

		n := byN
		if n > len(idle) {
			n = len(idle)
		}
		var firstErr error
		for i := 0; i < n; i++ {
			if err := m.destroyRunner(ctx, idle[i]); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	})
}

func typeSuffix(t domain.RunnerType) string {
	switch t {
	case domain.RunnerDedicated:
		return "ded"
	default:
		return "eph"
	}
}

func normalizeRepo(repo string) string {
	out := make([]byte, 0, len(repo))
	for _, c := range repo {
		if c == '/' || c == '_' {
			out = append(out, '-')
			continue
		}
		out = append(out, byte(c))
	}
	return string(out)
}

func labelMap(labels []string) map[string]string {
	m := make(map[string]string, len(labels))
	for _, l := range labels {
		m[l] = "true"
	}
	return m
}
