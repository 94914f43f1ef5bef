package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/storetest"
)

func newTestRouter(t *testing.T, rules ...*domain.RoutingRule) (*Router, *storetest.Store) {
	t.Helper()
	s := storetest.New()
	for _, r := range rules {
		require.NoError(t, s.UpsertRoutingRule(r))
	}
	r, err := New(s)
	require.NoError(t, err)
	return r, s
}

// TestExclusiveRuleCandidatesEqualLabels verifies that for any routing
// decision whose matched rule is exclusive, every candidate runner's label
// set equals exactly the rule's required set.
func TestExclusiveRuleCandidatesEqualLabels(t *testing.T) {
	rule := &domain.RoutingRule{
		ID:       "r1",
		Name:     "gpu-exclusive",
		Priority: 100,
		Enabled:  true,
		Conditions: domain.RoutingConditions{
			Labels: []string{"gpu"},
		},
		Targets: domain.RoutingTargets{
			RunnerLabels: []string{"gpu", "cuda-12"},
			Exclusive:    true,
		},
	}
	r, _ := newTestRouter(t, rule)

	job := &domain.Job{ID: "job-1", Repository: "org/a", Labels: []string{"gpu", "cuda"}}
	pool := []*domain.Runner{
		{ID: "exact", Labels: []string{"gpu", "cuda-12"}, Status: domain.RunnerIdle},
		{ID: "superset", Labels: []string{"gpu", "cuda-12", "linux"}, Status: domain.RunnerIdle},
		{ID: "mismatch", Labels: []string{"gpu"}, Status: domain.RunnerIdle},
	}

	decision, err := r.Route(job, "main", "workflow_job", pool)
	require.NoError(t, err)
	require.NotNil(t, decision.Rule)
	assert.True(t, decision.Rule.Targets.Exclusive)

	for _, candidate := range decision.Candidates {
		assert.True(t, candidate.EqualsLabelSet(rule.Targets.RunnerLabels),
			"candidate %s labels %v should equal exactly %v", candidate.ID, candidate.Labels, rule.Targets.RunnerLabels)
	}
	// Only the exact-match runner qualifies; the superset runner is excluded
	// by exclusivity even though it has every required label.
	require.Len(t, decision.Candidates, 1)
	assert.Equal(t, "exact", decision.Candidates[0].ID)
}

// TestExclusiveRuleNoExactMatchYieldsEmptyCandidates covers S5: a pool with
// only a superset-labeled runner produces matches=true, candidates=[].
func TestExclusiveRuleNoExactMatchYieldsEmptyCandidates(t *testing.T) {
	rule := &domain.RoutingRule{
		ID:       "r1",
		Name:     "gpu-exclusive",
		Priority: 100,
		Enabled:  true,
		Conditions: domain.RoutingConditions{
			Labels: []string{"gpu"},
		},
		Targets: domain.RoutingTargets{
			RunnerLabels: []string{"gpu", "cuda-12"},
			Exclusive:    true,
		},
	}
	r, _ := newTestRouter(t, rule)

	job := &domain.Job{ID: "job-1", Repository: "org/a", Labels: []string{"gpu", "cuda"}}
	pool := []*domain.Runner{
		{ID: "superset-only", Labels: []string{"gpu", "cuda-12", "linux"}, Status: domain.RunnerIdle},
	}

	decision, err := r.Route(job, "main", "workflow_job", pool)
	require.NoError(t, err)
	require.NotNil(t, decision.Rule)
	assert.Empty(t, decision.Candidates)
	assert.Nil(t, decision.Selected)
}

func TestPriorityOrderFirstMatchWins(t *testing.T) {
	low := &domain.RoutingRule{
		ID: "low", Name: "low", Priority: 1, Enabled: true,
		Targets: domain.RoutingTargets{RunnerLabels: []string{"linux"}},
	}
	high := &domain.RoutingRule{
		ID: "high", Name: "high", Priority: 100, Enabled: true,
		Conditions: domain.RoutingConditions{RepositoryPattern: "org/*"},
		Targets:    domain.RoutingTargets{RunnerLabels: []string{"linux"}},
	}
	r, _ := newTestRouter(t, low, high)

	job := &domain.Job{ID: "j1", Repository: "org/repo1", Labels: nil}
	pool := []*domain.Runner{
		{ID: "runner-1", Labels: []string{"linux"}, Status: domain.RunnerIdle, IdleSince: time.Now()},
	}

	decision, err := r.Route(job, "main", "workflow_job", pool)
	require.NoError(t, err)
	require.NotNil(t, decision.Rule)
	assert.Equal(t, "high", decision.Rule.ID)
}

func TestDisabledRuleIsIgnored(t *testing.T) {
	rule := &domain.RoutingRule{
		ID: "disabled", Name: "disabled", Priority: 100, Enabled: false,
		Targets: domain.RoutingTargets{RunnerLabels: []string{"linux"}},
	}
	r, _ := newTestRouter(t, rule)

	job := &domain.Job{ID: "j1", Repository: "org/repo1"}
	pool := []*domain.Runner{{ID: "runner-1", Labels: []string{"linux"}, Status: domain.RunnerIdle, Repository: "org/repo1"}}

	decision, err := r.Route(job, "main", "workflow_job", pool)
	require.NoError(t, err)
	assert.Nil(t, decision.Rule)
	assert.Equal(t, "default policy", decision.Reason)
}

func TestPickBestPrefersIdleThenLongestIdleThenFewestLifetimeJobs(t *testing.T) {
	now := time.Now()
	rule := &domain.RoutingRule{
		ID: "r1", Name: "r1", Priority: 10, Enabled: true,
		Targets: domain.RoutingTargets{RunnerLabels: []string{"linux"}},
	}
	r, _ := newTestRouter(t, rule)

	job := &domain.Job{ID: "j1", Repository: "org/a"}
	pool := []*domain.Runner{
		{ID: "busy", Labels: []string{"linux"}, Status: domain.RunnerBusy},
		{ID: "idle-recent", Labels: []string{"linux"}, Status: domain.RunnerIdle, IdleSince: now, LifetimeJobsServed: 1},
		{ID: "idle-longest", Labels: []string{"linux"}, Status: domain.RunnerIdle, IdleSince: now.Add(-time.Hour), LifetimeJobsServed: 5},
	}

	decision, err := r.Route(job, "main", "workflow_job", pool)
	require.NoError(t, err)
	require.NotNil(t, decision.Selected)
	assert.Equal(t, "idle-longest", decision.Selected.ID)
}
