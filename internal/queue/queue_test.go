package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/orchestrator/internal/domain"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestStrictPriorityAcrossNonEmptyBands(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(domain.PriorityLow, "low", EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(domain.PriorityNormal, "normal", EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(domain.PriorityHigh, "high", EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(domain.PriorityCritical, "critical", EnqueueOptions{})
	require.NoError(t, err)

	// The first three reservations (cursor 0,1,2) follow strict priority
	// order since the fairness draw only kicks in every 8th reservation.
	for _, want := range []string{"critical", "high", "normal"} {
		res, err := q.Reserve("worker-1", time.Second)
		require.NoError(t, err)
		require.NotNil(t, res)
		var got string
		require.NoError(t, json.Unmarshal(res.Message.Payload, &got))
		assert.Equal(t, want, got)
		require.NoError(t, q.Ack(res))
	}
}

func TestFifoWithinBand(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(domain.PriorityNormal, "first", EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(domain.PriorityNormal, "second", EnqueueOptions{})
	require.NoError(t, err)

	res, err := q.Reserve("worker-1", time.Second)
	require.NoError(t, err)
	var got string
	require.NoError(t, json.Unmarshal(res.Message.Payload, &got))
	assert.Equal(t, "first", got)
}

// TestFairnessWatchdogVisitsLowWithinWindow verifies that a LOW message is
// eventually reserved even under sustained higher-band pressure, within
// fairnessWindow reservations.
func TestFairnessWatchdogVisitsLowWithinWindow(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(domain.PriorityLow, "low-job", EnqueueOptions{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := q.Enqueue(domain.PriorityCritical, "critical-job", EnqueueOptions{})
		require.NoError(t, err)
	}

	sawLow := false
	for i := 0; i < fairnessWindow; i++ {
		res, err := q.Reserve("worker-1", time.Second)
		require.NoError(t, err)
		require.NotNil(t, res)
		var got string
		require.NoError(t, json.Unmarshal(res.Message.Payload, &got))
		if got == "low-job" {
			sawLow = true
		}
		require.NoError(t, q.Ack(res))
	}
	assert.True(t, sawLow, "LOW message should be reserved within one fairness window")
}

// TestEnqueueReserveAckIsIdentity verifies that enqueue + reserve + ack
// leaves no trace in either band.
func TestEnqueueReserveAckIsIdentity(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(domain.PriorityNormal, "payload", EnqueueOptions{})
	require.NoError(t, err)

	res, err := q.Reserve("worker-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Ack(res))

	again, err := q.Reserve("worker-1", time.Second)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestNackMovesToDLQAfterMaxAttempts(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(domain.PriorityNormal, "payload", EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	res, err := q.Reserve("worker-1", time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Nack(res, 0))

	dlq, err := q.ListDLQ()
	require.NoError(t, err)
	require.Len(t, dlq, 1)

	none, err := q.Reserve("worker-1", time.Second)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestReservationHiddenUntilVisibilityTimeout(t *testing.T) {
	q := openTestQueue(t)

	_, err := q.Enqueue(domain.PriorityNormal, "payload", EnqueueOptions{})
	require.NoError(t, err)

	res, err := q.Reserve("worker-1", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, res)

	hidden, err := q.Reserve("worker-2", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, hidden, "message reserved by worker-1 should stay hidden for worker-2")
}
