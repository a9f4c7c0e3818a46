package rotation

import (
	"time"
)

// emaWeight 是新延迟样本在指数滑动平均里的权重。
const emaWeight = 0.1

// ProxyMetrics 是单个代理的滚动表现指标。
type ProxyMetrics struct {
	ResponseTimeMs      float64   `json:"response_time_ms"`
	SuccessRate         float64   `json:"success_rate"`
	LastSuccess         time.Time `json:"last_success"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int       `json:"total_requests"`
	FailedRequests      int       `json:"failed_requests"`
}

// record 折叠一次使用结果。成功会清零连续失败和失败计数，
// 延迟按 EMA 平滑；成功率始终基于 (total-failed)/total。
func (m *ProxyMetrics) record(success bool, responseTime time.Duration) {
	m.TotalRequests++
	if success {
		m.FailedRequests = 0
		m.ConsecutiveFailures = 0
		m.LastSuccess = time.Now()
		if responseTime > 0 {
			rt := float64(responseTime.Milliseconds())
			m.ResponseTimeMs = m.ResponseTimeMs*(1-emaWeight) + rt*emaWeight
		}
	} else {
		m.FailedRequests++
		m.ConsecutiveFailures++
	}
	m.SuccessRate = float64(m.TotalRequests-m.FailedRequests) / float64(m.TotalRequests)
}
