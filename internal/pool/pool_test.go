package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/storetest"
	"github.com/runnerhub/orchestrator/internal/upstream"
)

type fakeLifecycle struct {
	created int
	removed int
}

func (f *fakeLifecycle) Create(ctx context.Context, jobID, repository, image string, resources domain.ResourceLimits, labels map[string]string) (*domain.ContainerRecord, error) {
	f.created++
	return &domain.ContainerRecord{ID: "ctr-" + repository}, nil
}

func (f *fakeLifecycle) StartContainer(ctx context.Context, id string) error { return nil }

func (f *fakeLifecycle) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (f *fakeLifecycle) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.removed++
	return nil
}

func newTestManager(t *testing.T) (*Manager, *storetest.Store, *fakeLifecycle) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"token":"tok","expires_at":"2026-01-01T00:00:00Z"}`))
	}))
	t.Cleanup(srv.Close)

	s := storetest.New()
	lc := &fakeLifecycle{}
	uc := upstream.New(upstream.Config{BaseURL: srv.URL, Token: "t", MaxRPH: 100000})
	m := New(s, lc, uc, Config{Image: "img", StartupTimeout: time.Second})
	return m, s, lc
}

// seedReadyRunner bypasses the heartbeat-wait loop by writing an already
// IDLE runner directly into the store, since createRunnerLocked's polling
// loop depends on wall-clock heartbeat timing that a unit test shouldn't
// race against.
func seedReadyRunner(t *testing.T, s *storetest.Store, repo, id string, status domain.RunnerStatus, idleSince time.Time) {
	t.Helper()
	require.NoError(t, s.CreateRunner(&domain.Runner{
		ID: id, Repository: repo, Status: status, IdleSince: idleSince,
		ContainerID: "ctr-" + id, LastHeartbeat: time.Now(),
	}))
}

func TestRequestRunnerReusesIdleMatchingRunner(t *testing.T) {
	m, s, lc := newTestManager(t)
	_, err := m.EnsurePool("org/a", 0, 5, 1)
	require.NoError(t, err)
	seedReadyRunner(t, s, "org/a", "runner-1", domain.RunnerIdle, time.Now())

	job := &domain.Job{ID: "job-1", Repository: "org/a"}
	runner, err := m.RequestRunner(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, "runner-1", runner.ID)
	assert.Equal(t, 0, lc.created, "an idle runner should be reused, not created")
}

func TestRequestRunnerAtMaxRunnersFails(t *testing.T) {
	m, s, _ := newTestManager(t)
	_, err := m.EnsurePool("org/a", 0, 1, 1)
	require.NoError(t, err)
	seedReadyRunner(t, s, "org/a", "busy-1", domain.RunnerBusy, time.Time{})

	job := &domain.Job{ID: "job-1", Repository: "org/a"}
	_, err = m.RequestRunner(context.Background(), job, nil)
	require.Error(t, err)
}

// TestScaleDownNeverSelectsBusyRunners verifies that min/max bounds apply
// modulo in-flight work, so a BUSY runner is never a scale-down candidate.
func TestScaleDownNeverSelectsBusyRunners(t *testing.T) {
	m, s, lc := newTestManager(t)
	_, err := m.EnsurePool("org/a", 0, 5, 1)
	require.NoError(t, err)
	seedReadyRunner(t, s, "org/a", "busy-1", domain.RunnerBusy, time.Time{})
	seedReadyRunner(t, s, "org/a", "idle-1", domain.RunnerIdle, time.Now())

	require.NoError(t, m.ScaleDown(context.Background(), "org/a", 5))
	assert.Equal(t, 1, lc.removed)

	remaining, err := s.ListRunnersByRepository("org/a")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "busy-1", remaining[0].ID)
}

func TestScaleDownPrefersOldestIdleFirst(t *testing.T) {
	m, s, _ := newTestManager(t)
	_, err := m.EnsurePool("org/a", 0, 5, 1)
	require.NoError(t, err)
	seedReadyRunner(t, s, "org/a", "newer", domain.RunnerIdle, time.Now())
	seedReadyRunner(t, s, "org/a", "older", domain.RunnerIdle, time.Now().Add(-time.Hour))

	require.NoError(t, m.ScaleDown(context.Background(), "org/a", 1))

	remaining, err := s.ListRunnersByRepository("org/a")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "newer", remaining[0].ID)
}

func TestReleaseEphemeralRunnerDestroysIt(t *testing.T) {
	m, s, lc := newTestManager(t)
	require.NoError(t, s.CreateRunner(&domain.Runner{ID: "eph-1", Repository: "org/a", Type: domain.RunnerEphemeral, Status: domain.RunnerBusy, ContainerID: "ctr-eph-1"}))

	require.NoError(t, m.ReleaseRunner(context.Background(), "eph-1", "success"))
	assert.Equal(t, 1, lc.removed)

	_, err := s.GetRunner("eph-1")
	require.Error(t, err)
}

func TestReleaseDedicatedRunnerReturnsToIdle(t *testing.T) {
	m, s, lc := newTestManager(t)
	require.NoError(t, s.CreateRunner(&domain.Runner{ID: "ded-1", Repository: "org/a", Type: domain.RunnerDedicated, Status: domain.RunnerBusy}))

	require.NoError(t, m.ReleaseRunner(context.Background(), "ded-1", "success"))
	assert.Equal(t, 0, lc.removed)

	runner, err := s.GetRunner("ded-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunnerIdle, runner.Status)
}
