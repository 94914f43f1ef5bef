// Package router implements the Job Router: a priority-sorted rule list
// with a label inverted index, glob-based condition matching, and
// candidate-runner selection.
//
// Glob matching uses github.com/gobwas/glob compiled with '/' as the sole
// separator rune, so '*' matches [^/]* without hand-rolling a matcher — the
// ecosystem library the reference pack already carries for path-style
// pattern matching. A '**' in a pattern is not rejected: gobwas compiles it
// as a wildcard that also matches across '/'.
package router

import (
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/metrics"
	"github.com/runnerhub/orchestrator/internal/store"
)

type compiledRule struct {
	rule   *domain.RoutingRule
	repoG  glob.Glob
	workG  glob.Glob
	branchG glob.Glob
}

// Router holds the priority-sorted rule set and its label inverted index.
type Router struct {
	store store.Store

	mu          sync.RWMutex
	rules       []*compiledRule
	labelIndex  map[string][]*compiledRule // label -> rules requiring it
}

// New builds a Router and loads the current rule set from s.
func New(s store.Store) (*Router, error) {
	r := &Router{store: s, labelIndex: make(map[string][]*compiledRule)}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads and re-compiles all enabled rules from the store, sorted
// by priority descending.
func (r *Router) Reload() error {
	rules, err := r.store.ListRoutingRules()
	if err != nil {
		return err
	}

	var compiled []*compiledRule
	index := make(map[string][]*compiledRule)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		cr := &compiledRule{rule: rule}
		if rule.Conditions.RepositoryPattern != "" {
			cr.repoG, _ = glob.Compile(rule.Conditions.RepositoryPattern, '/')
		}
		if rule.Conditions.WorkflowPattern != "" {
			cr.workG, _ = glob.Compile(rule.Conditions.WorkflowPattern, '/')
		}
		if rule.Conditions.BranchPattern != "" {
			cr.branchG, _ = glob.Compile(rule.Conditions.BranchPattern, '/')
		}
		compiled = append(compiled, cr)
		for _, label := range rule.Conditions.Labels {
			index[label] = append(index[label], cr)
		}
	}
	sort.SliceStable(compiled, func(i, k int) bool {
		return compiled[i].rule.Priority > compiled[k].rule.Priority
	})

	r.mu.Lock()
	r.rules = compiled
	r.labelIndex = index
	r.mu.Unlock()
	return nil
}

// Decision is the outcome of routing one job, before a runner has actually
// been allocated.
type Decision struct {
	Rule        *domain.RoutingRule
	Candidates  []*domain.Runner
	Selected    *domain.Runner
	Reason      string
}

// subsetOf reports whether need is a subset of have (as sets).
func subsetOf(need, have []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, n := range need {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

func matchesConditions(cr *compiledRule, job *domain.Job, branch, event string) bool {
	c := cr.rule.Conditions
	if !subsetOf(c.Labels, job.Labels) {
		return false
	}
	if cr.repoG != nil && !cr.repoG.Match(job.Repository) {
		return false
	}
	if cr.workG != nil && !cr.workG.Match(job.Workflow) {
		return false
	}
	if cr.branchG != nil && !cr.branchG.Match(branch) {
		return false
	}
	if c.Event != "" && c.Event != event {
		return false
	}
	return true
}

// Route evaluates job against the rule set, selecting the best candidate
// runner from candidatePool (runners belonging to job's repository, as
// supplied by the caller from the Runner Pool Manager). It always records a
// RoutingDecision.
func (r *Router) Route(job *domain.Job, branch, event string, candidatePool []*domain.Runner) (*Decision, error) {
	r.mu.RLock()
	rules := r.rules
	r.mu.RUnlock()

	var matched *compiledRule
	for _, cr := range rules {
		if matchesConditions(cr, job, branch, event) {
			matched = cr
			break
		}
	}

	var decision *Decision
	if matched != nil {
		decision = r.selectFromRule(matched, job, candidatePool)
	} else {
		decision = r.selectDefault(job, candidatePool)
	}

	matchedID := ""
	selectedID := ""
	if matched != nil {
		matchedID = matched.rule.ID
	}
	if decision.Selected != nil {
		selectedID = decision.Selected.ID
	}
	rd := &domain.RoutingDecision{
		JobID:            job.ID,
		MatchedRuleID:    matchedID,
		SelectedRunnerID: selectedID,
		CandidateCount:   len(decision.Candidates),
		Reason:           decision.Reason,
		Timestamp:        time.Now(),
	}
	if err := r.store.AppendRoutingDecision(rd); err != nil {
		return decision, err
	}

	metrics.RoutingDecisionsTotal.WithLabelValues(boolLabel(matched != nil), boolLabel(decision.Selected != nil)).Inc()
	return decision, nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (r *Router) selectFromRule(cr *compiledRule, job *domain.Job, pool []*domain.Runner) *Decision {
	targets := cr.rule.Targets
	var candidates []*domain.Runner
	for _, runner := range pool {
		if targets.PoolOverride != "" && runner.Repository != targets.PoolOverride {
			continue
		}
		if targets.Exclusive {
			if !runner.EqualsLabelSet(targets.RunnerLabels) {
				continue
			}
		} else if !runner.HasSuperset(targets.RunnerLabels) {
			continue
		}
		candidates = append(candidates, runner)
	}

	selected := pickBest(candidates)
	reason := "matched rule " + cr.rule.Name
	if selected == nil {
		reason = "matched rule " + cr.rule.Name + " but no idle candidate"
	}
	return &Decision{Rule: cr.rule, Candidates: candidates, Selected: selected, Reason: reason}
}

func (r *Router) selectDefault(job *domain.Job, pool []*domain.Runner) *Decision {
	var candidates []*domain.Runner
	for _, runner := range pool {
		if runner.Repository == job.Repository && runner.HasSuperset(job.Labels) {
			candidates = append(candidates, runner)
		}
	}
	selected := pickBest(candidates)
	reason := "default policy"
	if selected == nil {
		reason = "default policy: no idle candidate"
	}
	return &Decision{Candidates: candidates, Selected: selected, Reason: reason}
}

// pickBest selects only among IDLE candidates (nil when none is idle),
// preferring the longest-idle, then the fewest lifetime jobs served.
func pickBest(candidates []*domain.Runner) *domain.Runner {
	var idle []*domain.Runner
	for _, c := range candidates {
		if c.Status == domain.RunnerIdle {
			idle = append(idle, c)
		}
	}
	if len(idle) == 0 {
		return nil
	}
	sort.SliceStable(idle, func(i, k int) bool {
		if !idle[i].IdleSince.Equal(idle[k].IdleSince) {
			return idle[i].IdleSince.Before(idle[k].IdleSince)
		}
		return idle[i].LifetimeJobsServed < idle[k].LifetimeJobsServed
	})
	return idle[0]
}
