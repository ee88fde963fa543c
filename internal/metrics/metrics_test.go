package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestRecordBreakerState(t *testing.T) {
	CircuitBreakerState.Reset()
	CircuitBreakerStateChanges.Reset()

	RecordBreakerState("classifier", gobreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("classifier")))

	RecordBreakerState("classifier", gobreaker.StateHalfOpen)
	RecordBreakerState("classifier", gobreaker.StateClosed)

	assert.Equal(t, 0.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("classifier")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitBreakerStateChanges.WithLabelValues("classifier", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitBreakerStateChanges.WithLabelValues("classifier", "half-open")))
}

func TestShockScoreSeriesRemoval(t *testing.T) {
	ShockScore.Reset()

	ShockScore.WithLabelValues("a").Set(42)
	ShockScore.WithLabelValues("b").Set(7)
	assert.Equal(t, 2, testutil.CollectAndCount(ShockScore))

	ShockScore.DeleteLabelValues("a")
	assert.Equal(t, 1, testutil.CollectAndCount(ShockScore))
}
