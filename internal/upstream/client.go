// Package upstream implements the rate-limited, priority-aware client to
// the upstream CI provider (registration tokens, runner removal, run/runner
// listing).
//
// net/http is wrapped with a library-driven limiter and retry policy: rate
// limiting uses golang.org/x/time/rate, retries use
// github.com/cenkalti/backoff/v5 via internal/retry.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/runnerhub/orchestrator/internal/apierr"
	"github.com/runnerhub/orchestrator/internal/metrics"
	"github.com/runnerhub/orchestrator/internal/retry"
)

// Strategy selects how aggressively the client consumes its observed
// rate-limit budget.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyAggressive   Strategy = "aggressive"
	StrategyAdaptive     Strategy = "adaptive"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	Strategy   Strategy
	MaxRPH     int // requests per hour, used as the initial limiter seed
	MaxRetries int
	HTTPClient *http.Client
}

// Client is the upstream API surface RunnerHub depends on.
type Client struct {
	cfg Config

	mu      sync.Mutex
	limiter *rate.Limiter

	http *http.Client
}

// New builds a Client seeded with cfg.MaxRPH requests/hour.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	rph := cfg.MaxRPH
	if rph == 0 {
		rph = 1000
	}
	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(rph)/3600.0), rph/10+1),
		http:    cfg.HTTPClient,
	}
}

// RegistrationToken is the JIT runner-registration credential issued by the
// upstream provider.
type RegistrationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueRunnerRegistrationToken requests a fresh JIT token for repository.
func (c *Client) IssueRunnerRegistrationToken(ctx context.Context, repository string) (*RegistrationToken, error) {
	var tok RegistrationToken
	path := fmt.Sprintf("/repos/%s/actions/runners/registration-token", repository)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// RemoveRunner deregisters runnerID from repository upstream.
func (c *Client) RemoveRunner(ctx context.Context, repository string, runnerID string) error {
	path := fmt.Sprintf("/repos/%s/actions/runners/%s", repository, runnerID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// WorkflowRun is a minimal projection of the upstream run resource, used to
// reconcile Job status against what the upstream actually believes.
type WorkflowRun struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// ListWorkflowRuns lists workflow runs for repository, filtered by status.
func (c *Client) ListWorkflowRuns(ctx context.Context, repository, status string) ([]WorkflowRun, error) {
	var out struct {
		WorkflowRuns []WorkflowRun `json:"workflow_runs"`
	}
	path := fmt.Sprintf("/repos/%s/actions/runs?status=%s", repository, status)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.WorkflowRuns, nil
}

// UpstreamRunner is the upstream's view of a registered runner.
type UpstreamRunner struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ListRunners lists runners registered to repository upstream.
func (c *Client) ListRunners(ctx context.Context, repository string) ([]UpstreamRunner, error) {
	var out struct {
		Runners []UpstreamRunner `json:"runners"`
	}
	path := fmt.Sprintf("/repos/%s/actions/runners", repository)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Runners, nil
}

// doJSON performs one rate-limited, retried HTTP call with JSON
// request/response bodies, surfacing the client's failure-mode taxonomy
// (transient, rate-limited, unauthorized, not-found, validation) to the
// caller. 5xx, 429 and transport errors are retried.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apierr.Wrap(apierr.Transient, err, "rate limiter wait")
	}

	var result *http.Response
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = c.cfg.MaxRetries
	attempts := 0
	err := retry.Do(ctx, policy, func() error {
		attempts++
		resp, err := c.send(ctx, method, path, body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return apierr.New(apierr.Transient, "upstream %d on %s %s", resp.StatusCode, method, path)
		}
		if resp.StatusCode == http.StatusTooManyRequests && attempts < policy.MaxAttempts {
			resp.Body.Close()
			return apierr.NewRateLimited(retryAfterSeconds(resp.Header), "upstream rate limited %s %s", method, path)
		}
		result = resp
		return nil
	})
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "error").Inc()
		return classify(err)
	}
	defer result.Body.Close()
	c.applyRateHeaders(result.Header)

	switch {
	case result.StatusCode == http.StatusTooManyRequests:
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "rate_limited").Inc()
		return apierr.NewRateLimited(retryAfterSeconds(result.Header), "upstream rate limited %s %s", method, path)
	case result.StatusCode == http.StatusUnauthorized || result.StatusCode == http.StatusForbidden:
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "unauthorized").Inc()
		return apierr.NewUnauthorized("upstream rejected credentials for %s %s", method, path)
	case result.StatusCode == http.StatusNotFound:
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "not_found").Inc()
		return apierr.NewNotFound("upstream 404 on %s %s", method, path)
	case result.StatusCode >= 400:
		metrics.UpstreamRequestsTotal.WithLabelValues(method, "client_error").Inc()
		return apierr.NewValidation("upstream %d on %s %s", result.StatusCode, method, path)
	}

	metrics.UpstreamRequestsTotal.WithLabelValues(method, "ok").Inc()
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(result.Body)
	if err != nil {
		return apierr.Wrap(apierr.Transient, err, "read response body")
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apierr.Wrap(apierr.Transient, err, "decode response body")
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apierr.NewValidation("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, apierr.Wrap(apierr.Validation, err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.Transient, err, "transport error on %s %s", method, path)
	}
	return resp, nil
}

func classify(err error) error {
	if apierr.Is(err, apierr.Transient) {
		return err
	}
	return apierr.Wrap(apierr.Transient, err, "upstream request failed after retries")
}

// applyRateHeaders re-tunes the limiter from X-RateLimit-Remaining/Reset,
// implementing the adaptive strategy's target-linear-budget formula:
// spend the remaining budget evenly across the time left until reset.
func (c *Client) applyRateHeaders(h http.Header) {
	remaining, errR := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	resetUnix, errT := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if errR != nil || errT != nil {
		return
	}
	metrics.UpstreamRateLimitRemaining.Set(float64(remaining))

	resetAt := time.Unix(resetUnix, 0)
	window := time.Until(resetAt)
	if window <= 0 || remaining <= 0 {
		return
	}

	var target float64
	switch c.cfg.Strategy {
	case StrategyAggressive:
		target = float64(remaining) / window.Seconds() * 1.5
	case StrategyConservative:
		target = float64(remaining) / window.Seconds() * 0.5
	default: // adaptive
		target = float64(remaining) / window.Seconds()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiter.SetLimit(rate.Limit(target))
}

func retryAfterSeconds(h http.Header) int {
	v, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil {
		return 60
	}
	return v
}

