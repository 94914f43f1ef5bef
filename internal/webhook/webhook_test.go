package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/orchestrator/internal/domain"
	"github.com/runnerhub/orchestrator/internal/storetest"
)

var testSecret = []byte("topsecret")

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []domain.Priority
}

func (e *recordingEnqueuer) Enqueue(priority domain.Priority, payload any, dedupKey string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, priority)
	return nil
}

func (e *recordingEnqueuer) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func newRequest(t *testing.T, body string, eventType, deliveryID string, sign bool) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/hooks", strings.NewReader(body))
	req.Header.Set("X-RunnerHub-Event", eventType)
	req.Header.Set("X-RunnerHub-Delivery", deliveryID)
	if sign {
		req.Header.Set("X-RunnerHub-Signature-256", signBody(body))
	} else {
		req.Header.Set("X-RunnerHub-Signature-256", "sha256=deadbeef")
	}
	return req
}

func signBody(body string) string {
	mac := hmac.New(sha256.New, testSecret)
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newIngress(t *testing.T, enq *recordingEnqueuer) (*Ingress, *storetest.Store) {
	t.Helper()
	s := storetest.New()
	ing := New(s, enq.Enqueue, Config{Secret: testSecret, DedupTTL: time.Minute})
	return ing, s
}

const queuedJobBody = `{"action":"queued","repository":{"full_name":"org/a"},"workflow_job":{"id":42,"labels":["deploy"]}}`

func TestServeHTTPRejectsBadSignature(t *testing.T) {
	enq := &recordingEnqueuer{}
	ing, _ := newIngress(t, enq)

	req := newRequest(t, queuedJobBody, "workflow_job", "d1", false)
	w := httptest.NewRecorder()
	ing.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, enq.count())
}

func TestServeHTTPAccepts202BeforeDispatchCompletes(t *testing.T) {
	enq := &recordingEnqueuer{}
	ing, _ := newIngress(t, enq)

	req := newRequest(t, queuedJobBody, "workflow_job", "d1", true)
	w := httptest.NewRecorder()
	ing.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, enq.count())
}

// TestDuplicateDeliveryWithinTTLEnqueuesOnce verifies that two deliveries
// sharing the same composite key within the TTL window produce exactly one
// enqueued job.
func TestDuplicateDeliveryWithinTTLEnqueuesOnce(t *testing.T) {
	enq := &recordingEnqueuer{}
	ing, _ := newIngress(t, enq)

	first := newRequest(t, queuedJobBody, "workflow_job", "d1", true)
	ing.ServeHTTP(httptest.NewRecorder(), first)

	second := newRequest(t, queuedJobBody, "workflow_job", "d1", true)
	w2 := httptest.NewRecorder()
	ing.ServeHTTP(w2, second)

	assert.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, 1, enq.count(), "the duplicate delivery must not enqueue a second job")
}

func TestNonQueuedWorkflowJobEventsAreNotDispatched(t *testing.T) {
	enq := &recordingEnqueuer{}
	ing, _ := newIngress(t, enq)

	body := `{"action":"completed","repository":{"full_name":"org/a"},"workflow_job":{"id":42,"labels":["deploy"]}}`
	req := newRequest(t, body, "workflow_job", "d2", true)
	w := httptest.NewRecorder()
	ing.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 0, enq.count())
}

func TestPriorityForDerivesFromLabels(t *testing.T) {
	assert.Equal(t, domain.PriorityCritical, priorityFor([]string{"deploy"}, "workflow_job"))
	assert.Equal(t, domain.PriorityHigh, priorityFor([]string{"pr"}, "workflow_job"))
	assert.Equal(t, domain.PriorityLow, priorityFor([]string{"cleanup"}, "workflow_job"))
	assert.Equal(t, domain.PriorityNormal, priorityFor(nil, "workflow_job"))
}

func TestMissingHeadersRejected(t *testing.T) {
	enq := &recordingEnqueuer{}
	ing, _ := newIngress(t, enq)

	req := httptest.NewRequest(http.MethodPost, "/hooks", strings.NewReader(queuedJobBody))
	w := httptest.NewRecorder()
	ing.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetryFailedReenqueuesOnlyFailedEvents(t *testing.T) {
	enq := &recordingEnqueuer{}
	ing, s := newIngress(t, enq)

	ok := newRequest(t, queuedJobBody, "workflow_job", "d-ok", true)
	ing.ServeHTTP(httptest.NewRecorder(), ok)
	require.Equal(t, 1, enq.count())

	evt, err := s.GetWebhookEvent("d-ok")
	require.NoError(t, err)
	evt.LastError = "enqueue failed: simulated"
	require.NoError(t, s.UpdateWebhookEvent(evt))

	n, err := ing.RetryFailed(10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, enq.count())
}
