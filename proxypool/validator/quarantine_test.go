package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuarantineTriggersAfterThreshold(t *testing.T) {
	q := NewQuarantine(3, time.Minute)

	q.RecordFailure("1.2.3.4:8080")
	q.RecordFailure("1.2.3.4:8080")
	assert.False(t, q.IsQuarantined("1.2.3.4:8080"))

	q.RecordFailure("1.2.3.4:8080")
	assert.True(t, q.IsQuarantined("1.2.3.4:8080"))
	assert.Equal(t, 3, q.Failures("1.2.3.4:8080"))
}

func TestQuarantineSuccessResetsEverything(t *testing.T) {
	q := NewQuarantine(2, time.Minute)

	q.RecordFailure("1.2.3.4:8080")
	q.RecordFailure("1.2.3.4:8080")
	assert.True(t, q.IsQuarantined("1.2.3.4:8080"))

	q.RecordSuccess("1.2.3.4:8080")
	assert.False(t, q.IsQuarantined("1.2.3.4:8080"))
	assert.Equal(t, 0, q.Failures("1.2.3.4:8080"))
}

func TestQuarantineExpiresButKeepsFailureCount(t *testing.T) {
	q := NewQuarantine(2, 20*time.Millisecond)

	q.RecordFailure("5.6.7.8:3128")
	q.RecordFailure("5.6.7.8:3128")
	assert.True(t, q.IsQuarantined("5.6.7.8:3128"))

	time.Sleep(40 * time.Millisecond)

	// 隔离期满后可再次被选中，但历史失败计数保留
	assert.False(t, q.IsQuarantined("5.6.7.8:3128"))
	assert.Equal(t, 2, q.Failures("5.6.7.8:3128"))
}

func TestQuarantineForget(t *testing.T) {
	q := NewQuarantine(1, time.Minute)
	q.RecordFailure("9.9.9.9:80")
	assert.True(t, q.IsQuarantined("9.9.9.9:80"))

	q.Forget("9.9.9.9:80")
	assert.False(t, q.IsQuarantined("9.9.9.9:80"))
	assert.Equal(t, 0, q.Failures("9.9.9.9:80"))
}

func TestQuarantineUnknownProxy(t *testing.T) {
	q := NewQuarantine(3, time.Minute)
	assert.False(t, q.IsQuarantined("unknown:1"))
	assert.Equal(t, 0, q.Failures("unknown:1"))
}
