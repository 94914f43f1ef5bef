// Package dispatcher implements the Dispatcher Workers: a pool of loops that
// reserve one message at a time off the durable queue, route it through the
// Job Router, allocate a runner through the Runner Pool Manager, and ack or
// nack depending on the outcome.
//
// Idempotency is keyed on (job ID, attempt) rather than delivery ID, since a
// dispatch attempt can be redelivered by the queue's visibility timeout
// independent of the webhook ingress layer.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/runnerhub/orchestrator/internal/apierr"
	"github.com/runnerhub/orchestrator/internal/bus"
	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/obslog"
	"github.com/runnerhub/orchestrator/internal/queue"
	"github.com/runnerhub/orchestrator/internal/router"
	"github.com/runnerhub/orchestrator/internal/store"
)

// PoolAllocator is the narrow surface the Worker needs from the Runner Pool
// Manager.
type PoolAllocator interface {
	RequestRunner(ctx context.Context, job *domain.Job, labels []string) (*domain.Runner, error)
	CurrentRunners(repository string) ([]*domain.Runner, error)
}

// Routed is the narrow surface the Worker needs from the Runner Routing
// Engine.
type Routed interface {
	Route(job *domain.Job, branch, event string, candidatePool []*domain.Runner) (*router.Decision, error)
}

// payload is the shape internal/webhook enqueues: the minimal fields a
// Worker needs to materialize a Job.
type payload struct {
	UpstreamJobID int64    `json:"upstream_job_id"`
	Repository    string   `json:"repository"`
	Labels        []string `json:"labels"`
	Ref           string   `json:"ref"`
	DeliveryID    string   `json:"delivery_id"`
}

// Config configures a Worker.
type Config struct {
	ID                string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	AllocateTimeout   time.Duration
}

// Worker reserves, routes, allocates, and acks one message at a time.
type Worker struct {
	queue *queue.Queue
	store store.Store
	pool  PoolAllocator
	route Routed
	bus   *bus.Bus

	id                string
	pollInterval      time.Duration
	visibilityTimeout time.Duration
	allocateTimeout   time.Duration

	stopCh chan struct{}
}

// New builds a Worker.
func New(q *queue.Queue, s store.Store, pool PoolAllocator, route Routed, b *bus.Bus, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = "dispatcher-1"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.AllocateTimeout == 0 {
		cfg.AllocateTimeout = 90 * time.Second
	}
	return &Worker{
		queue:             q,
		store:             s,
		pool:              pool,
		route:             route,
		bus:               b,
		id:                cfg.ID,
		pollInterval:      cfg.PollInterval,
		visibilityTimeout: cfg.VisibilityTimeout,
		allocateTimeout:   cfg.AllocateTimeout,
		stopCh:            make(chan struct{}),
	}
}

// Start launches the poll loop in the background.
func (w *Worker) Start() { go w.loop() }

// Stop halts the poll loop.
func (w *Worker) Stop() { close(w.stopCh) }

func (w *Worker) loop() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Drain everything currently reservable before waiting for the
			// next tick, so one worker doesn't sit idle while work queues up.
			for w.processOnce() {
			}
		case <-w.stopCh:
			return
		}
	}
}

// processOnce reserves and handles a single message, reporting whether one
// was available.
func (w *Worker) processOnce() bool {
	res, err := w.queue.Reserve(w.id, w.visibilityTimeout)
	if err != nil {
		obslog.Error("dispatcher reserve failed: " + err.Error())
		return false
	}
	if res == nil {
		return false
	}
	w.handle(res)
	return true
}

func (w *Worker) handle(res *queue.Reservation) {
	var p payload
	if err := json.Unmarshal(res.Message.Payload, &p); err != nil {
		obslog.Error("dispatcher dropped unparseable message: " + err.Error())
		_ = w.queue.DLQ(res)
		return
	}

	log := obslog.WithJobID(jobIDFor(p))
	attempt := res.Message.Attempts

	job, err := w.store.GetJob(jobIDFor(p))
	isNew := apierr.Is(err, apierr.NotFound) || job == nil
	if isNew {
		job = &domain.Job{
			ID:            jobIDFor(p),
			UpstreamJobID: fmt.Sprintf("%d", p.UpstreamJobID),
			Repository:    p.Repository,
			Labels:        p.Labels,
			Priority:      priorityForBand(res.Message.Band),
			Status:        domain.JobQueued,
			DedupKey:      p.DeliveryID,
			CreatedAt:     time.Now(),
		}
	} else if job.Attempt >= attempt {
		// This attempt (or a later one) was already dispatched; the queue
		// redelivered it after a crash mid-ack. Ack and drop it silently.
		_ = w.queue.Ack(res)
		return
	}
	job.Attempt = attempt

	var saveErr error
	if isNew {
		saveErr = w.store.CreateJob(job)
	} else {
		saveErr = w.store.UpdateJob(job)
	}
	if saveErr != nil {
		log.Error().Err(saveErr).Msg("dispatcher failed to persist job")
		w.retryOrFail(res, job, saveErr)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.allocateTimeout)
	defer cancel()

	candidatePool, err := w.pool.CurrentRunners(job.Repository)
	if err != nil {
		candidatePool = nil
	}

	decision, err := w.route.Route(job, branchFromRef(p.Ref), "workflow_job", candidatePool)
	allocJob := job
	labels := job.Labels
	if err == nil && decision != nil && decision.Rule != nil {
		if decision.Rule.Targets.PoolOverride != "" {
			override := *job
			override.Repository = decision.Rule.Targets.PoolOverride
			allocJob = &override
		}
		if decision.Rule.Targets.Exclusive {
			labels = append([]string{}, decision.Rule.Targets.RunnerLabels...)
		} else if len(decision.Rule.Targets.RunnerLabels) > 0 {
			labels = append(append([]string{}, job.Labels...), decision.Rule.Targets.RunnerLabels...)
		}
	}

	runner, err := w.pool.RequestRunner(ctx, allocJob, labels)
	if err != nil {
		log.Warn().Err(err).Msg("dispatcher allocation failed")
		w.retryOrFail(res, job, err)
		return
	}

	job.Status = domain.JobAssigned
	job.AssignedRunnerID = runner.ID
	job.ContainerID = runner.ContainerID
	now := time.Now()
	job.StartedAt = &now
	if err := w.store.UpdateJob(job); err != nil {
		log.Error().Err(err).Msg("dispatcher failed to record assignment")
		w.retryOrFail(res, job, err)
		return
	}

	if err := w.queue.Ack(res); err != nil {
		log.Error().Err(err).Msg("dispatcher ack failed")
		return
	}
	if w.bus != nil {
		w.bus.Publish(bus.TopicJob, "assigned", job)
	}
}

// retryOrFail nacks with exponential backoff while attempts remain, or marks
// the job FAILED and dead-letters the message once they're exhausted.
func (w *Worker) retryOrFail(res *queue.Reservation, job *domain.Job, cause error) {
	if res.Message.Attempts >= res.Message.MaxAttempts {
		job.Status = domain.JobFailed
		job.Error = cause.Error()
		_ = w.store.UpdateJob(job)
		_ = w.queue.DLQ(res)
		if w.bus != nil {
			w.bus.Publish(bus.TopicJob, "failed", job)
		}
		return
	}
	_ = w.queue.Nack(res, backoffFor(res.Message.Attempts))
}

func backoffFor(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > 2*time.Minute {
		d = 2 * time.Minute
	}
	return d
}

func jobIDFor(p payload) string {
	repo := strings.NewReplacer("/", "-", "_", "-").Replace(p.Repository)
	return fmt.Sprintf("job-%s-%d", repo, p.UpstreamJobID)
}

func branchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

func priorityForBand(b queue.Band) domain.Priority {
	switch b {
	case queue.BandCritical:
		return domain.PriorityCritical
	case queue.BandHigh:
		return domain.PriorityHigh
	case queue.BandLow:
		return domain.PriorityLow
	default:
		return domain.PriorityNormal
	}
}
