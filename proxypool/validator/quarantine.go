package validator

import (
	"sync"
	"time"
)

// Quarantine 跟踪每个代理的连续失败次数。连续失败达到阈值后，
// 代理会被隔离一段时间；期间任何一次成功都会立即解除隔离。
type Quarantine struct {
	mu          sync.RWMutex
	maxFailures int
	duration    time.Duration
	failures    map[string]int
	until       map[string]time.Time
}

func NewQuarantine(maxFailures int, duration time.Duration) *Quarantine {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if duration <= 0 {
		duration = 10 * time.Minute
	}
	return &Quarantine{
		maxFailures: maxFailures,
		duration:    duration,
		failures:    make(map[string]int),
		until:       make(map[string]time.Time),
	}
}

// RecordFailure 增加失败计数，达到阈值时开始（或延长）隔离。
func (q *Quarantine) RecordFailure(proxyID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.failures[proxyID]++
	if q.failures[proxyID] >= q.maxFailures {
		q.until[proxyID] = time.Now().Add(q.duration)
	}
}

// RecordSuccess 清零失败计数并立即解除隔离。
func (q *Quarantine) RecordSuccess(proxyID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.failures, proxyID)
	delete(q.until, proxyID)
}

func (q *Quarantine) IsQuarantined(proxyID string) bool {
	q.mu.RLock()
	deadline, ok := q.until[proxyID]
	q.mu.RUnlock()

	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		// 隔离期已过。失败计数保留，再次失败会立刻重新隔离。
		q.mu.Lock()
		delete(q.until, proxyID)
		q.mu.Unlock()
		return false
	}
	return true
}

func (q *Quarantine) Failures(proxyID string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.failures[proxyID]
}

// Forget 移除一个代理的全部隔离状态，用于代理被淘汰出池时。
func (q *Quarantine) Forget(proxyID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.failures, proxyID)
	delete(q.until, proxyID)
}
