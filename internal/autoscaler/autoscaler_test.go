package autoscaler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/runnerhub/orchestrator/internal/domain"
)

func testPool() *domain.RunnerPool {
	return &domain.RunnerPool{
		Repository:     "org/a",
		MinRunners:     1,
		MaxRunners:     10,
		ScaleIncrement: 2,
		Policy:         domain.DefaultScalingPolicy(),
	}
}

func TestDecideBelowMinAlwaysWinsFirst(t *testing.T) {
	p := testPool()
	p.MinRunners = 3
	direction, trigger, amount := decide(p, 1, 0, 0, 0)
	assert.Equal(t, domain.ScaleUp, direction)
	assert.Equal(t, "below_min", trigger)
	assert.Equal(t, 2, amount)
}

func TestDecideQueueDepthBeatsUtilization(t *testing.T) {
	p := testPool()
	p.Policy.QueueThreshold = 5
	p.Policy.ScaleUpThreshold = 0.8
	direction, trigger, _ := decide(p, 4, 0.95, 10, 0)
	assert.Equal(t, domain.ScaleUp, direction)
	assert.Equal(t, "queue_depth", trigger)
}

func TestDecideScaleUpCappedAtMax(t *testing.T) {
	p := testPool()
	p.MaxRunners = 5
	p.ScaleIncrement = 4
	p.Policy.QueueThreshold = 1
	direction, _, amount := decide(p, 4, 0, 5, 0)
	assert.Equal(t, domain.ScaleUp, direction)
	assert.Equal(t, 1, amount, "amount should be capped so total+amount never exceeds MaxRunners")
}

func TestDecideScaleDownNeverBelowMin(t *testing.T) {
	p := testPool()
	p.MinRunners = 3
	p.Policy.ScaleDownThreshold = 0.1
	p.Policy.ScaleDecrement = 5
	direction, trigger, amount := decide(p, 4, 0.0, 0, 0)
	assert.Equal(t, domain.ScaleDown, direction)
	assert.Equal(t, "idle", trigger)
	assert.Equal(t, 1, amount, "scale-down amount should be capped so total-amount never drops below MinRunners")
}

func TestDecideNoneWhenWithinBand(t *testing.T) {
	p := testPool()
	direction, _, _ := decide(p, 3, 0.5, 0, 0)
	assert.Equal(t, domain.ScaleNone, direction)
}

func TestPredictScaleUpRequiresEnoughSamplesAndConfidence(t *testing.T) {
	assert.False(t, PredictScaleUp([]float64{0.5, 0.6}, time.Minute, time.Second, 0.9, 0.5),
		"fewer than 3 samples should never trigger a prediction")

	rising := []float64{0.1, 0.3, 0.5, 0.7, 0.9}
	assert.True(t, PredictScaleUp(rising, 5*time.Second, time.Second, 0.8, 0.5),
		"a clean linear rise projected forward should cross the threshold with high confidence")

	flat := []float64{0.5, 0.5, 0.5, 0.5}
	assert.False(t, PredictScaleUp(flat, 5*time.Second, time.Second, 0.9, 0.5),
		"a flat series never approaches a high threshold")
}

func TestClampStaysWithinBounds(t *testing.T) {
	assert.Equal(t, 1, clamp(0, 1, 10))
	assert.Equal(t, 10, clamp(20, 1, 10))
	assert.Equal(t, 5, clamp(5, 1, 10))
}
