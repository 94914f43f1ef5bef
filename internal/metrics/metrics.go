// Package metrics exposes the orchestrator's Prometheus instrumentation:
// package-level collectors registered at init, a Timer helper for histogram
// observation, and a Handler() for mounting promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runnerhub_jobs_total",
		Help: "Total jobs observed, by terminal status.",
	}, []string{"status"})

	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runnerhub_jobs_in_flight",
		Help: "Jobs currently QUEUED or ASSIGNED or RUNNING.",
	})

	RunnersTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runnerhub_runners_total",
		Help: "Runners by repository and status.",
	}, []string{"repository", "status"})

	ContainersTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "runnerhub_containers_total",
		Help: "Containers by state.",
	}, []string{"state"})

	ScalingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runnerhub_scaling_events_total",
		Help: "Auto-scaler decisions, by repository and direction.",
	}, []string{"repository", "direction"})

	RoutingDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runnerhub_routing_decisions_total",
		Help: "Routing decisions, by whether a rule matched and a runner was selected.",
	}, []string{"matched", "selected"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runnerhub_webhook_events_total",
		Help: "Inbound webhook deliveries, by outcome.",
	}, []string{"outcome"})

	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runnerhub_upstream_requests_total",
		Help: "Upstream API calls, by method and outcome.",
	}, []string{"method", "outcome"})

	UpstreamRateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runnerhub_upstream_rate_limit_remaining",
		Help: "Last observed remaining upstream rate-limit budget.",
	})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "runnerhub_dispatch_latency_seconds",
		Help:    "Time from queue reservation to Job ASSIGNED or FAILED.",
		Buckets: prometheus.DefBuckets,
	})

	CleanupCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "runnerhub_cleanup_cycles_total",
		Help: "Number of cleanup loop runs completed.",
	})

	CleanupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "runnerhub_cleanup_duration_seconds",
		Help:    "Duration of cleanup loop runs.",
		Buckets: prometheus.DefBuckets,
	})

	BusDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runnerhub_bus_drops_total",
		Help: "Monitoring bus events dropped because a subscriber buffer was full.",
	}, []string{"topic"})
)

// Handler returns the promhttp handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration and reports it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since NewTimer without recording it.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
