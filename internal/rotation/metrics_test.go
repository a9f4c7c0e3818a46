package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProxyMetricsSuccessResetsFailures(t *testing.T) {
	m := &ProxyMetrics{}

	m.record(false, 0)
	m.record(false, 0)
	assert.Equal(t, 2, m.ConsecutiveFailures)
	assert.Equal(t, 2, m.FailedRequests)
	assert.Equal(t, 0.0, m.SuccessRate)

	m.record(true, 100*time.Millisecond)
	assert.Equal(t, 0, m.ConsecutiveFailures)
	assert.Equal(t, 0, m.FailedRequests)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.False(t, m.LastSuccess.IsZero())
}

func TestProxyMetricsResponseTimeEMA(t *testing.T) {
	m := &ProxyMetrics{}

	m.record(true, 100*time.Millisecond)
	assert.InDelta(t, 10.0, m.ResponseTimeMs, 0.001) // 0*0.9 + 100*0.1

	m.record(true, 100*time.Millisecond)
	assert.InDelta(t, 19.0, m.ResponseTimeMs, 0.001) // 10*0.9 + 100*0.1
}

func TestProxyMetricsZeroResponseTimeIgnored(t *testing.T) {
	m := &ProxyMetrics{}
	m.record(true, 50*time.Millisecond)
	before := m.ResponseTimeMs

	m.record(true, 0)
	assert.Equal(t, before, m.ResponseTimeMs)
}

func TestProxyMetricsSuccessRateAfterMixedResults(t *testing.T) {
	m := &ProxyMetrics{}
	m.record(true, 10*time.Millisecond)
	m.record(false, 0)
	m.record(false, 0)

	// total=3, failed=2
	assert.InDelta(t, 1.0/3.0, m.SuccessRate, 0.001)
	assert.Equal(t, 2, m.ConsecutiveFailures)
}
