// Package storetest provides an in-memory store.Store fake shared across
// package tests, so each package doesn't hand-roll its own partial
// implementation of the interface.
package storetest

import (
	"sync"
	"time"

	"github.com/runnerhub/orchestrator/internal/apierr"
	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/store"
)

// Store is a minimal in-memory implementation of store.Store for tests.
type Store struct {
	mu sync.Mutex

	jobs       map[string]*domain.Job
	runners    map[string]*domain.Runner
	pools      map[string]*domain.RunnerPool
	rules      map[string]*domain.RoutingRule
	decisions  []*domain.RoutingDecision
	containers map[string]*domain.ContainerRecord
	networks   map[string]*domain.Network
	webhooks   map[string]*domain.WebhookEvent
	scaling    []*domain.ScalingEvent
	cleanups   []*domain.CleanupHistory
}

// New builds an empty fake Store.
func New() *Store {
	return &Store{
		jobs:       make(map[string]*domain.Job),
		runners:    make(map[string]*domain.Runner),
		pools:      make(map[string]*domain.RunnerPool),
		rules:      make(map[string]*domain.RoutingRule),
		containers: make(map[string]*domain.ContainerRecord),
		networks:   make(map[string]*domain.Network),
		webhooks:   make(map[string]*domain.WebhookEvent),
	}
}

func (s *Store) CreateJob(j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return apierr.NewConflict("job %s exists", j.ID)
	}
	s.jobs[j.ID] = j
	return nil
}

func (s *Store) UpdateJob(j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *Store) GetJob(id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apierr.NewNotFound("job %s", id)
	}
	return j, nil
}

func (s *Store) ListJobs(f store.JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Repository != "" && j.Repository != f.Repository {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *Store) CreateRunner(r *domain.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[r.ID] = r
	return nil
}

func (s *Store) UpdateRunner(r *domain.Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[r.ID] = r
	return nil
}

func (s *Store) GetRunner(id string) (*domain.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	if !ok {
		return nil, apierr.NewNotFound("runner %s", id)
	}
	return r, nil
}

func (s *Store) DeleteRunner(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, id)
	return nil
}

func (s *Store) ListRunnersByRepository(repo string) ([]*domain.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Runner
	for _, r := range s.runners {
		if r.Repository == repo {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListRunners() ([]*domain.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Runner, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) UpsertPool(p *domain.RunnerPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[p.Repository] = p
	return nil
}

func (s *Store) GetPool(repo string) (*domain.RunnerPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[repo]
	if !ok {
		return nil, apierr.NewNotFound("pool %s", repo)
	}
	return p, nil
}

func (s *Store) ListPools() ([]*domain.RunnerPool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.RunnerPool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) DeletePool(repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, repo)
	return nil
}

func (s *Store) UpsertRoutingRule(r *domain.RoutingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

func (s *Store) DeleteRoutingRule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
	return nil
}

func (s *Store) ListRoutingRules() ([]*domain.RoutingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.RoutingRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) AppendRoutingDecision(d *domain.RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *Store) ListRoutingDecisions(since time.Time) ([]*domain.RoutingDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.RoutingDecision
	for _, d := range s.decisions {
		if d.Timestamp.After(since) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) CreateContainer(c *domain.ContainerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[c.ID] = c
	return nil
}

func (s *Store) UpdateContainer(c *domain.ContainerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[c.ID] = c
	return nil
}

func (s *Store) GetContainer(id string) (*domain.ContainerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, apierr.NewNotFound("container %s", id)
	}
	return c, nil
}

func (s *Store) DeleteContainer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, id)
	return nil
}

func (s *Store) ListContainersByState(state domain.ContainerState) ([]*domain.ContainerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ContainerRecord
	for _, c := range s.containers {
		if c.State == state {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) ListContainers() ([]*domain.ContainerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ContainerRecord, 0, len(s.containers))
	for _, c := range s.containers {
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) UpsertNetwork(n *domain.Network) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[n.Repository] = n
	return nil
}

func (s *Store) GetNetworkByRepository(repo string) (*domain.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.networks[repo]
	if !ok {
		return nil, apierr.NewNotFound("network for %s", repo)
	}
	return n, nil
}

func (s *Store) ListNetworks() ([]*domain.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Network, 0, len(s.networks))
	for _, n := range s.networks {
		out = append(out, n)
	}
	return out, nil
}

func (s *Store) DeleteNetwork(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for repo, n := range s.networks {
		if n.ID == id {
			delete(s.networks, repo)
		}
	}
	return nil
}

func (s *Store) CreateWebhookEvent(e *domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[e.DeliveryID]; ok {
		return apierr.NewConflict("webhook event %s exists", e.DeliveryID)
	}
	s.webhooks[e.DeliveryID] = e
	return nil
}

func (s *Store) UpdateWebhookEvent(e *domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[e.DeliveryID] = e
	return nil
}

func (s *Store) GetWebhookEvent(deliveryID string) (*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.webhooks[deliveryID]
	if !ok {
		return nil, apierr.NewNotFound("webhook event %s", deliveryID)
	}
	return e, nil
}

func (s *Store) ListWebhookEventsByRepository(repo string, since time.Time) ([]*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WebhookEvent
	for _, e := range s.webhooks {
		if e.Repository == repo && e.ReceivedAt.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ListFailedWebhookEvents(limit int) ([]*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WebhookEvent
	for _, e := range s.webhooks {
		if e.LastError != "" {
			out = append(out, e)
			if len(out) >= limit && limit > 0 {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) AppendScalingEvent(e *domain.ScalingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scaling = append(s.scaling, e)
	return nil
}

func (s *Store) ListScalingEvents(repo string, since time.Time) ([]*domain.ScalingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ScalingEvent
	for _, e := range s.scaling {
		if e.Repository == repo && e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) AppendCleanupHistory(h *domain.CleanupHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, h)
	return nil
}

func (s *Store) Close() error { return nil }
