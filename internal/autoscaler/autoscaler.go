// Package autoscaler implements the Auto-Scaler control loop: per-pool
// utilization/queue-depth/wait-time decisions, cooldown enforcement, and an
// optional predictive mode.
//
// Each pool's scale operations are wrapped in a github.com/sony/gobreaker
// circuit breaker so a pool whose runner creation keeps failing (bad image,
// exhausted upstream credentials) stops hammering the Runner Pool Manager
// and instead fails fast until the breaker's reset timeout elapses —
// adopted from the reference corpus's general preference for a real
// breaker library over a hand-rolled failure counter.
package autoscaler

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/metrics"
	"github.com/runnerhub/orchestrator/internal/obslog"
	"github.com/runnerhub/orchestrator/internal/store"
)

// PoolScaler is the narrow surface the Auto-Scaler needs from the Runner
// Pool Manager to act on a decision.
type PoolScaler interface {
	CurrentRunners(repository string) ([]*domain.Runner, error)
	ScaleUp(ctx context.Context, repository string, byN int) error
	ScaleDown(ctx context.Context, repository string, byN int) error
}

type poolSample struct {
	util       float64
	queueDepth int
	avgWait    time.Duration
	sampledAt  time.Time
}

// AutoScaler runs the scaling control loop on a fixed tick for every active
// pool, damping noisy inputs by averaging the last two samples.
type AutoScaler struct {
	store   store.Store
	scaler  PoolScaler
	metrics func(repository string) (util float64, queueDepth int, avgWait time.Duration)

	tick time.Duration

	mu       sync.Mutex
	samples  map[string][]poolSample // last two samples per repository
	breakers map[string]*gobreaker.CircuitBreaker
	stopCh   chan struct{}
}

// MetricsFunc supplies the live util/queue_depth/avg_wait reading for repo;
// wired by the caller to the Queue + store + bus snapshot.
type MetricsFunc func(repository string) (util float64, queueDepth int, avgWait time.Duration)

// New builds an AutoScaler ticking every tick (default 30s if zero).
func New(s store.Store, scaler PoolScaler, metricsFn MetricsFunc, tick time.Duration) *AutoScaler {
	if tick == 0 {
		tick = 30 * time.Second
	}
	return &AutoScaler{
		store:    s,
		scaler:   scaler,
		metrics:  metricsFn,
		tick:     tick,
		samples:  make(map[string][]poolSample),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the control loop.
func (a *AutoScaler) Start() { go a.loop() }

// Stop halts the control loop.
func (a *AutoScaler) Stop() { close(a.stopCh) }

func (a *AutoScaler) loop() {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.tickOnce()
		case <-a.stopCh:
			return
		}
	}
}

func (a *AutoScaler) tickOnce() {
	pools, err := a.store.ListPools()
	if err != nil {
		return
	}
	ctx := context.Background()
	for _, p := range pools {
		a.evaluatePool(ctx, p)
	}
}

func (a *AutoScaler) breakerFor(repo string) *gobreaker.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.breakers[repo]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pool-" + repo,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	a.breakers[repo] = b
	return b
}

func (a *AutoScaler) recordSample(repo string, s poolSample) (util float64, queueDepth int, avgWait time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	hist := append(a.samples[repo], s)
	if len(hist) > 2 {
		hist = hist[len(hist)-2:]
	}
	a.samples[repo] = hist

	var utilSum float64
	var waitSum time.Duration
	queueSum := 0
	for _, h := range hist {
		utilSum += h.util
		waitSum += h.avgWait
		queueSum += h.queueDepth
	}
	n := float64(len(hist))
	return utilSum / n, queueSum / len(hist), waitSum / time.Duration(len(hist))
}

func (a *AutoScaler) evaluatePool(ctx context.Context, p *domain.RunnerPool) {
	runners, err := a.scaler.CurrentRunners(p.Repository)
	if err != nil {
		return
	}
	total := len(runners)

	rawUtil, rawQueue, rawWait := a.metrics(p.Repository)
	util, queueDepth, avgWait := a.recordSample(p.Repository, poolSample{util: rawUtil, queueDepth: rawQueue, avgWait: rawWait, sampledAt: time.Now()})

	direction, trigger, amount := decide(p, total, util, queueDepth, avgWait)
	if direction == domain.ScaleNone {
		return
	}

	if direction != domain.ScaleNone && trigger != "below_min" && time.Since(p.LastScaledAt) < p.Policy.CooldownPeriod {
		return
	}

	breaker := a.breakerFor(p.Repository)
	_, err = breaker.Execute(func() (any, error) {
		var err error
		after := total
		switch direction {
		case domain.ScaleUp:
			err = a.scaler.ScaleUp(ctx, p.Repository, amount)
			after = total + amount
		case domain.ScaleDown:
			err = a.scaler.ScaleDown(ctx, p.Repository, amount)
			after = total - amount
		}
		if err != nil {
			obslog.WithRepository(p.Repository).Warn().Err(err).Msg("autoscaler action failed")
			return nil, err
		}

		p.LastScaledAt = time.Now()
		_ = a.store.UpsertPool(p)

		event := &domain.ScalingEvent{
			Repository: p.Repository,
			Direction:  direction,
			Before:     total,
			After:      clamp(after, p.MinRunners, p.MaxRunners),
			Trigger:    trigger,
			Timestamp:  time.Now(),
		}
		_ = a.store.AppendScalingEvent(event)
		metrics.ScalingEventsTotal.WithLabelValues(p.Repository, string(direction)).Inc()
		return nil, nil
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		_ = a.store.AppendScalingEvent(&domain.ScalingEvent{
			Repository: p.Repository,
			Direction:  domain.ScaleNone,
			Before:     total,
			After:      total,
			Trigger:    trigger,
			Timestamp:  time.Now(),
		})
	}
}

// decide implements the scaling decision table, first match wins.
func decide(p *domain.RunnerPool, total int, util float64, queueDepth int, avgWait time.Duration) (domain.ScalingDirection, string, int) {
	if total < p.MinRunners {
		return domain.ScaleUp, "below_min", p.MinRunners - total
	}
	if queueDepth >= p.Policy.QueueThreshold {
		return capUp(p, total, "queue_depth")
	}
	if util >= p.Policy.ScaleUpThreshold {
		return capUp(p, total, "utilization")
	}
	if avgWait >= p.Policy.WaitThreshold {
		return capUp(p, total, "wait_time")
	}
	if util <= p.Policy.ScaleDownThreshold && queueDepth == 0 && total > p.MinRunners {
		amount := p.Policy.ScaleDecrement
		if total-amount < p.MinRunners {
			amount = total - p.MinRunners
		}
		return domain.ScaleDown, "idle", amount
	}
	return domain.ScaleNone, "", 0
}

func capUp(p *domain.RunnerPool, total int, trigger string) (domain.ScalingDirection, string, int) {
	amount := p.ScaleIncrement
	if amount <= 0 {
		amount = 1
	}
	if total+amount > p.MaxRunners {
		amount = p.MaxRunners - total
	}
	if amount <= 0 {
		return domain.ScaleNone, "", 0
	}
	return domain.ScaleUp, trigger, amount
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PredictScaleUp implements the optional predictive mode: ordinary
// least-squares linear regression over the last N utilization samples,
// scaling up proactively if the projection at horizon exceeds the scale-up
// threshold with sufficient confidence (R^2 as a confidence proxy).
func PredictScaleUp(samples []float64, horizon time.Duration, sampleInterval time.Duration, threshold, minConfidence float64) bool {
	n := len(samples)
	if n < 3 {
		return false
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range samples {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return false
	}
	slope := (nf*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / nf

	meanY := sumY / nf
	var ssTot, ssRes float64
	for i, y := range samples {
		x := float64(i)
		pred := intercept + slope*x
		ssRes += (y - pred) * (y - pred)
		ssTot += (y - meanY) * (y - meanY)
	}
	confidence := 1.0
	if ssTot > 0 {
		confidence = 1 - ssRes/ssTot
	}

	horizonSteps := float64(horizon) / float64(sampleInterval)
	projected := intercept + slope*(nf-1+horizonSteps)
	return projected >= threshold && confidence >= minConfidence
}
