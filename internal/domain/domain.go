// Package domain holds the entities persisted by the orchestrator: Job,
// Runner, RunnerPool, RoutingRule, RoutingDecision, ContainerRecord, Network,
// WebhookEvent, ScalingEvent, and CleanupHistory. All entities are plain
// structs with JSON tags since the store serializes them as JSON values.
package domain

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobAssigned  JobStatus = "ASSIGNED"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCancelled JobStatus = "CANCELLED"
)

// Priority is the dispatch priority assigned to a Job and carried by the Queue.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// Job is one unit of work produced by an upstream workflow.
type Job struct {
	ID                string     `json:"id"`
	UpstreamJobID     string     `json:"upstream_job_id"`
	UpstreamRunID     string     `json:"upstream_run_id"`
	Repository        string     `json:"repository"`
	Workflow          string     `json:"workflow"`
	Labels            []string   `json:"labels"`
	Priority          Priority   `json:"priority"`
	Status            JobStatus  `json:"status"`
	AssignedRunnerID  string     `json:"assigned_runner_id,omitempty"`
	ContainerID       string     `json:"container_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	Error             string     `json:"error,omitempty"`
	Attempt           int        `json:"attempt"`
	DedupKey          string     `json:"dedup_key,omitempty"`
}

// HasLabel reports whether the job carries the given label.
func (j *Job) HasLabel(label string) bool {
	for _, l := range j.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// LabelSet returns the job's labels as a set for subset comparisons.
func (j *Job) LabelSet() map[string]struct{} {
	set := make(map[string]struct{}, len(j.Labels))
	for _, l := range j.Labels {
		set[l] = struct{}{}
	}
	return set
}

// RunnerType distinguishes proxy, ephemeral, and dedicated runners.
type RunnerType string

const (
	RunnerProxy     RunnerType = "PROXY"
	RunnerEphemeral RunnerType = "EPHEMERAL"
	RunnerDedicated RunnerType = "DEDICATED"
)

// RunnerStatus is the lifecycle state of a Runner.
type RunnerStatus string

const (
	RunnerStarting RunnerStatus = "STARTING"
	RunnerIdle     RunnerStatus = "IDLE"
	RunnerBusy     RunnerStatus = "BUSY"
	RunnerOffline  RunnerStatus = "OFFLINE"
	RunnerStopping RunnerStatus = "STOPPING"
)

// Runner is a worker that registers with the upstream and executes a Job.
type Runner struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	Type               RunnerType   `json:"type"`
	Repository         string       `json:"repository,omitempty"`
	Labels             []string     `json:"labels"`
	Status             RunnerStatus `json:"status"`
	ContainerID        string       `json:"container_id,omitempty"`
	LastHeartbeat      time.Time    `json:"last_heartbeat"`
	IdleSince          time.Time    `json:"idle_since"`
	LifetimeJobsServed int          `json:"lifetime_jobs_served"`
}

// LabelSet returns the runner's labels as a set.
func (r *Runner) LabelSet() map[string]struct{} {
	set := make(map[string]struct{}, len(r.Labels))
	for _, l := range r.Labels {
		set[l] = struct{}{}
	}
	return set
}

// HasSuperset reports whether r's labels are a superset of required.
func (r *Runner) HasSuperset(required []string) bool {
	set := r.LabelSet()
	for _, l := range required {
		if _, ok := set[l]; !ok {
			return false
		}
	}
	return true
}

// EqualsLabelSet reports whether r's labels equal exactly the given set
// (used for exclusive routing rules).
func (r *Runner) EqualsLabelSet(required []string) bool {
	if len(r.Labels) != len(required) {
		return false
	}
	return r.HasSuperset(required)
}

// ScalingPolicy configures a RunnerPool's auto-scaler behavior.
type ScalingPolicy struct {
	ScaleUpThreshold   float64       `json:"scale_up_threshold"`
	ScaleDownThreshold float64       `json:"scale_down_threshold"`
	QueueThreshold     int           `json:"queue_threshold"`
	WaitThreshold       time.Duration `json:"wait_threshold"`
	CooldownPeriod     time.Duration `json:"cooldown_period"`
	ScaleDecrement     int           `json:"scale_decrement"`
	PredictiveEnabled  bool          `json:"predictive_enabled"`
}

// DefaultScalingPolicy returns the auto-scaler's baseline thresholds.
func DefaultScalingPolicy() ScalingPolicy {
	return ScalingPolicy{
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		QueueThreshold:     3,
		WaitThreshold:      30 * time.Second,
		CooldownPeriod:     300 * time.Second,
		ScaleDecrement:     1,
	}
}

// RunnerPool is the set of runners for one repository plus its scaling policy.
type RunnerPool struct {
	Repository     string        `json:"repository"`
	MinRunners     int           `json:"min_runners"`
	MaxRunners     int           `json:"max_runners"`
	ScaleIncrement int           `json:"scale_increment"`
	Policy         ScalingPolicy `json:"policy"`
	// DefaultLabels are applied to every runner the auto-scaler creates
	// anticipatorily (as opposed to RequestRunner's job-specific labels), so
	// scaled-up capacity still matches the repository's ordinary routing
	// rules.
	DefaultLabels []string  `json:"default_labels,omitempty"`
	LastScaledAt  time.Time `json:"last_scaled_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// RoutingConditions gates which jobs a RoutingRule applies to.
type RoutingConditions struct {
	Labels             []string `json:"labels,omitempty"`
	RepositoryPattern  string   `json:"repository_pattern,omitempty"`
	WorkflowPattern    string   `json:"workflow_pattern,omitempty"`
	BranchPattern      string   `json:"branch_pattern,omitempty"`
	Event              string   `json:"event,omitempty"`
}

// RoutingTargets names the runner class a RoutingRule selects.
type RoutingTargets struct {
	RunnerLabels []string `json:"runner_labels"`
	PoolOverride string   `json:"pool_override,omitempty"`
	Exclusive    bool     `json:"exclusive"`
}

// RoutingRule is a labeled condition→target mapping used to pick a runner class.
type RoutingRule struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Priority   int               `json:"priority"`
	Conditions RoutingConditions `json:"conditions"`
	Targets    RoutingTargets    `json:"targets"`
	Enabled    bool              `json:"enabled"`
}

// RoutingDecision is an append-only record of one routing evaluation.
type RoutingDecision struct {
	JobID             string    `json:"job_id"`
	MatchedRuleID     string    `json:"matched_rule_id,omitempty"`
	SelectedRunnerID  string    `json:"selected_runner_id,omitempty"`
	CandidateCount    int       `json:"candidate_count"`
	Reason            string    `json:"reason"`
	Timestamp         time.Time `json:"timestamp"`
}

// ContainerState is a node in the Container Lifecycle Manager's state machine.
type ContainerState string

const (
	ContainerCreating ContainerState = "CREATING"
	ContainerCreated  ContainerState = "CREATED"
	ContainerStarting ContainerState = "STARTING"
	ContainerRunning  ContainerState = "RUNNING"
	ContainerStopping ContainerState = "STOPPING"
	ContainerStopped  ContainerState = "STOPPED"
	ContainerRemoving ContainerState = "REMOVING"
	ContainerRemoved  ContainerState = "REMOVED"
	ContainerError    ContainerState = "ERROR"
)

// ResourceLimits bounds the cgroup resources of a ContainerRecord.
type ResourceLimits struct {
	CPULimit      float64 `json:"cpu_limit"`
	MemLimitBytes int64   `json:"mem_limit_bytes"`
	PidsLimit     int64   `json:"pids_limit"`
}

// ResourceSample is the latest differenced resource reading for a container.
type ResourceSample struct {
	CPUPct   float64 `json:"cpu_pct"`
	MemPct   float64 `json:"mem_pct"`
	RxBytes  uint64  `json:"rx_bytes"`
	TxBytes  uint64  `json:"tx_bytes"`
	BlockIO  uint64  `json:"block_io"`
	SampledAt time.Time `json:"sampled_at"`
}

// ContainerRecord tracks one container through the lifecycle state machine.
type ContainerRecord struct {
	ID               string          `json:"id"`
	JobID            string          `json:"job_id,omitempty"`
	RunnerID         string          `json:"runner_id,omitempty"`
	Repository       string          `json:"repository"`
	Image            string          `json:"image"`
	State            ContainerState  `json:"state"`
	Resources        ResourceLimits  `json:"resources"`
	NetworkID        string          `json:"network_id,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty"`
	ExitCode         *int            `json:"exit_code,omitempty"`
	LastSample       ResourceSample  `json:"last_sample"`
	LastHeartbeat    time.Time       `json:"last_heartbeat"`
	Healthy          bool            `json:"healthy"`
	ArchivedLogPath  string          `json:"archived_log_path,omitempty"`
}

// IsPersistent reports whether cleanup policies must skip this container.
func (c *ContainerRecord) IsPersistent() bool {
	return c.Labels["persistent"] == "true" || c.Labels["no-cleanup"] == "true"
}

// Network is a per-repository internal bridge network.
type Network struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Repository string     `json:"repository"`
	Subnet     string     `json:"subnet"`
	Gateway    string     `json:"gateway"`
	Internal   bool       `json:"internal"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsed   time.Time  `json:"last_used"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
}

// WebhookEvent is the persisted record of one inbound webhook delivery.
type WebhookEvent struct {
	DeliveryID        string     `json:"delivery_id"`
	EventType         string     `json:"event_type"`
	Action            string     `json:"action,omitempty"`
	Repository        string     `json:"repository"`
	Payload           []byte     `json:"payload"`
	SignatureVerified bool       `json:"signature_verified"`
	ReceivedAt        time.Time  `json:"received_at"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	Attempts          int        `json:"attempts"`
	LastError         string     `json:"last_error,omitempty"`
}

// ScalingDirection is the outcome of one auto-scaler decision.
type ScalingDirection string

const (
	ScaleUp   ScalingDirection = "UP"
	ScaleDown ScalingDirection = "DOWN"
	ScaleNone ScalingDirection = "NONE"
)

// ScalingEvent is an append-only record of one auto-scaler decision.
type ScalingEvent struct {
	Repository string           `json:"repository"`
	Direction  ScalingDirection `json:"direction"`
	Before     int              `json:"before"`
	After      int              `json:"after"`
	Trigger    string           `json:"trigger"`
	Timestamp  time.Time        `json:"timestamp"`
}

// CleanupDetail is one container's outcome within a CleanupHistory run.
type CleanupDetail struct {
	ContainerID string `json:"container_id"`
	Policy      string `json:"policy"`
	Action      string `json:"action"`
	Error       string `json:"error,omitempty"`
}

// CleanupHistory is an append-only record of one cleanup loop run.
type CleanupHistory struct {
	ID           string           `json:"id"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	PolicyCounts map[string]int   `json:"policy_counts"`
	Detail       []CleanupDetail  `json:"detail"`
}
