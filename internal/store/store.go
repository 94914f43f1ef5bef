// Package store defines the Store interface — relational persistence with
// one transactional boundary per public operation — and its bbolt-backed
// implementation.
package store

import (
	"time"

	"github.com/runnerhub/orchestrator/internal/domain"
)

// JobFilter narrows ListJobs by status, repository, time range, and page.
type JobFilter struct {
	Status     domain.JobStatus
	Repository string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// Store is the relational persistence boundary. Every method is one bbolt
// transaction; composite lookups are served by secondary-index buckets
// maintained inside the same transaction as the primary write.
type Store interface {
	CreateJob(j *domain.Job) error
	UpdateJob(j *domain.Job) error
	GetJob(id string) (*domain.Job, error)
	ListJobs(f JobFilter) ([]*domain.Job, error)

	CreateRunner(r *domain.Runner) error
	UpdateRunner(r *domain.Runner) error
	GetRunner(id string) (*domain.Runner, error)
	DeleteRunner(id string) error
	ListRunnersByRepository(repo string) ([]*domain.Runner, error)
	ListRunners() ([]*domain.Runner, error)

	UpsertPool(p *domain.RunnerPool) error
	GetPool(repo string) (*domain.RunnerPool, error)
	ListPools() ([]*domain.RunnerPool, error)
	DeletePool(repo string) error

	UpsertRoutingRule(r *domain.RoutingRule) error
	DeleteRoutingRule(id string) error
	ListRoutingRules() ([]*domain.RoutingRule, error)

	AppendRoutingDecision(d *domain.RoutingDecision) error
	ListRoutingDecisions(since time.Time) ([]*domain.RoutingDecision, error)

	CreateContainer(c *domain.ContainerRecord) error
	UpdateContainer(c *domain.ContainerRecord) error
	GetContainer(id string) (*domain.ContainerRecord, error)
	DeleteContainer(id string) error
	ListContainersByState(state domain.ContainerState) ([]*domain.ContainerRecord, error)
	ListContainers() ([]*domain.ContainerRecord, error)

	UpsertNetwork(n *domain.Network) error
	GetNetworkByRepository(repo string) (*domain.Network, error)
	ListNetworks() ([]*domain.Network, error)
	DeleteNetwork(id string) error

	CreateWebhookEvent(e *domain.WebhookEvent) error
	UpdateWebhookEvent(e *domain.WebhookEvent) error
	GetWebhookEvent(deliveryID string) (*domain.WebhookEvent, error)
	ListWebhookEventsByRepository(repo string, since time.Time) ([]*domain.WebhookEvent, error)
	ListFailedWebhookEvents(limit int) ([]*domain.WebhookEvent, error)

	AppendScalingEvent(e *domain.ScalingEvent) error
	ListScalingEvents(repo string, since time.Time) ([]*domain.ScalingEvent, error)

	AppendCleanupHistory(h *domain.CleanupHistory) error

	Close() error
}
