// Package webhook implements the Webhook Ingress: header validation, HMAC
// signature verification, dedup, persistence, priority-derived enqueue, and
// the replay/retry-failed endpoints.
//
// ServeHTTP runs a fixed pipeline — max body size, signature check,
// event/action filtering, 202-before-processing response — over a
// constant-time HMAC check of the upstream-signed delivery, with an
// explicit dedup cache guarding against redelivery within the dedup TTL.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/runnerhub/orchestrator/internal/apierr"
	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/metrics"
	"github.com/runnerhub/orchestrator/internal/obslog"
	"github.com/runnerhub/orchestrator/internal/store"
)

const maxBodySize = 5 * 1024 * 1024

// EnqueueFunc hands a decoded job payload to the dispatch queue at the
// given priority.
type EnqueueFunc func(priority domain.Priority, payload any, dedupKey string) error

// Ingress is the HTTP handler plus dedup cache for inbound webhooks.
type Ingress struct {
	store    store.Store
	secret   []byte
	enqueue  EnqueueFunc
	dedupTTL time.Duration

	mu    sync.Mutex
	dedup map[string]time.Time
}

// Config configures an Ingress.
type Config struct {
	Secret   []byte
	DedupTTL time.Duration
}

// New builds an Ingress.
func New(s store.Store, enqueue EnqueueFunc, cfg Config) *Ingress {
	if cfg.DedupTTL == 0 {
		cfg.DedupTTL = 60 * time.Second
	}
	return &Ingress{
		store:    s,
		secret:   cfg.Secret,
		enqueue:  enqueue,
		dedupTTL: cfg.DedupTTL,
		dedup:    make(map[string]time.Time),
	}
}

// eventEnvelope is the minimal shape Ingress needs out of any upstream
// webhook payload to route and prioritize it; the full payload is retained
// opaquely in WebhookEvent.Payload.
type eventEnvelope struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	WorkflowJob struct {
		ID     int64    `json:"id"`
		Labels []string `json:"labels"`
	} `json:"workflow_job"`
	Ref string `json:"ref"`
}

// ServeHTTP runs the ingress pipeline: validate headers, verify
// signature, dedup, persist, dispatch, respond 202 before any downstream
// processing completes.
func (ing *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	eventType := r.Header.Get("X-RunnerHub-Event")
	deliveryID := r.Header.Get("X-RunnerHub-Delivery")
	signature := r.Header.Get("X-RunnerHub-Signature-256")
	if eventType == "" || deliveryID == "" || signature == "" {
		metrics.WebhookEventsTotal.WithLabelValues("bad_headers").Inc()
		http.Error(w, "missing required headers", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("body_too_large").Inc()
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !ing.verifySignature(body, signature) {
		metrics.WebhookEventsTotal.WithLabelValues("bad_signature").Inc()
		http.Error(w, "signature verification failed", http.StatusUnauthorized)
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("bad_payload").Inc()
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	dedupKey := fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%d", eventType, deliveryID, env.Action, env.Repository.FullName, env.WorkflowJob.ID)
	if ing.seenRecently(dedupKey) {
		metrics.WebhookEventsTotal.WithLabelValues("dedup").Inc()
		writeDeliveryResponse(w, http.StatusOK, "duplicate", deliveryID)
		return
	}

	evt := &domain.WebhookEvent{
		DeliveryID:        deliveryID,
		EventType:         eventType,
		Action:            env.Action,
		Repository:        env.Repository.FullName,
		Payload:           body,
		SignatureVerified: true,
		ReceivedAt:        time.Now(),
	}
	if err := ing.store.CreateWebhookEvent(evt); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("store_error").Inc()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeDeliveryResponse(w, http.StatusAccepted, "accepted", deliveryID)

	ing.dispatch(evt, env, dedupKey)
	metrics.WebhookEventsTotal.WithLabelValues("accepted").Inc()
}

// writeDeliveryResponse writes the {status, delivery_id} response body.
func writeDeliveryResponse(w http.ResponseWriter, code int, status, deliveryID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(struct {
		Status     string `json:"status"`
		DeliveryID string `json:"delivery_id"`
	}{Status: status, DeliveryID: deliveryID})
}

// dispatch enqueues work for events that produce it. Downstream failures
// never change the already-sent 202 response; they're recorded on the
// WebhookEvent for retry_failed to pick up.
func (ing *Ingress) dispatch(evt *domain.WebhookEvent, env eventEnvelope, dedupKey string) {
	if evt.EventType != "workflow_job" || evt.Action != "queued" {
		now := time.Now()
		evt.ProcessedAt = &now
		_ = ing.store.UpdateWebhookEvent(evt)
		return
	}

	priority := priorityFor(env.WorkflowJob.Labels, evt.EventType)
	payload := map[string]any{
		"upstream_job_id": env.WorkflowJob.ID,
		"repository":      evt.Repository,
		"labels":          env.WorkflowJob.Labels,
		"ref":             env.Ref,
		"delivery_id":     evt.DeliveryID,
	}

	evt.Attempts++
	if err := ing.enqueue(priority, payload, dedupKey); err != nil {
		evt.LastError = err.Error()
		obslog.WithRepository(evt.Repository).Error().Err(err).Msg("webhook enqueue failed")
	} else {
		now := time.Now()
		evt.ProcessedAt = &now
	}
	_ = ing.store.UpdateWebhookEvent(evt)
}

// priorityFor derives a dispatch priority from a job's labels and event kind.
func priorityFor(labels []string, eventType string) domain.Priority {
	for _, l := range labels {
		switch l {
		case "deploy", "hotfix":
			return domain.PriorityCritical
		}
	}
	for _, l := range labels {
		if l == "pr" || l == "pull_request" {
			return domain.PriorityHigh
		}
	}
	for _, l := range labels {
		if l == "cleanup" {
			return domain.PriorityLow
		}
	}
	return domain.PriorityNormal
}

func (ing *Ingress) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, ing.secret)
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

func (ing *Ingress) seenRecently(key string) bool {
	ing.mu.Lock()
	defer ing.mu.Unlock()

	now := time.Now()
	for k, t := range ing.dedup {
		if now.Sub(t) > ing.dedupTTL {
			delete(ing.dedup, k)
		}
	}
	if _, ok := ing.dedup[key]; ok {
		return true
	}
	ing.dedup[key] = now
	return false
}

// Replay re-enqueues a persisted event bypassing dedup.
func (ing *Ingress) Replay(deliveryID string) error {
	evt, err := ing.store.GetWebhookEvent(deliveryID)
	if err != nil {
		return apierr.NewNotFound("no webhook event with delivery_id %s", deliveryID)
	}
	var env eventEnvelope
	if err := json.Unmarshal(evt.Payload, &env); err != nil {
		return apierr.Wrap(apierr.Validation, err, "decode stored payload for %s", deliveryID)
	}
	ing.dispatch(evt, env, "")
	return nil
}

// RetryFailed re-enqueues events whose last attempt failed, capped at max.
func (ing *Ingress) RetryFailed(max int) (int, error) {
	failed, err := ing.store.ListFailedWebhookEvents(max)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, evt := range failed {
		var env eventEnvelope
		if err := json.Unmarshal(evt.Payload, &env); err != nil {
			continue
		}
		ing.dispatch(evt, env, "")
		retried++
	}
	return retried, nil
}
