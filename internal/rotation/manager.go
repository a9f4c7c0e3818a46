package rotation

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"ghosttab/internal/metrics"
	"ghosttab/internal/shared/logger"
	"ghosttab/proxypool/model"
)

var (
	// ErrNoProxiesAvailable 表示可用代理集为空（全部失效或被隔离）。
	ErrNoProxiesAvailable = errors.New("no working proxies available")
	// ErrSessionNotFound 表示该标签页还没有代理会话。
	ErrSessionNotFound = errors.New("tab session not found")
)

// Pool 是轮换管理器依赖的代理池视图。
type Pool interface {
	WorkingProxies() []*model.ProxyRecord
	ProxyByID(id string) (*model.ProxyRecord, bool)
}

// Session 是一个标签页的代理会话状态。
type Session struct {
	TabID        string
	Proxy        *model.ProxyRecord
	AssignedAt   time.Time
	LastUsed     time.Time
	RequestCount int

	// DomainBased 策略下 domain -> proxy id 的粘滞映射，
	// 只在整个会话轮换时清空。
	domainProxies map[string]string
}

// SessionStats 是会话状态的对外摘要。
type SessionStats struct {
	TabID           string    `json:"tab_id"`
	CurrentProxyID  string    `json:"current_proxy_id"`
	ProxyCountry    string    `json:"proxy_country"`
	AssignedAt      time.Time `json:"assigned_at"`
	RequestCount    int       `json:"request_count"`
	DurationSeconds int64     `json:"duration_seconds"`
}

// Manager 决定每个标签页何时沿用、何时更换上游代理。
type Manager struct {
	pool      Pool
	collector *metrics.Collector

	mu       sync.RWMutex
	strategy Strategy
	sessions map[string]*Session

	metricsMu    sync.RWMutex
	proxyMetrics map[string]*ProxyMetrics
}

func NewManager(pool Pool, strategy Strategy, collector *metrics.Collector) *Manager {
	return &Manager{
		pool:         pool,
		collector:    collector,
		strategy:     strategy,
		sessions:     make(map[string]*Session),
		proxyMetrics: make(map[string]*ProxyMetrics),
	}
}

// Strategy 返回当前策略的快照。
func (m *Manager) Strategy() Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategy
}

// UpdateStrategy 在运行时替换轮换策略。已有会话保持当前代理，
// 新策略从下一次使用开始生效。
func (m *Manager) UpdateStrategy(s Strategy) {
	m.mu.Lock()
	m.strategy = s
	m.mu.Unlock()
	logger.WithComponent("Rotation/Manager").Info().Str("strategy", string(s.Kind)).Msg("Rotation strategy updated.")
}

// GetProxyForTab 返回标签页本次请求应当使用的代理，必要时先轮换。
// 锁的用法：先在读锁下取快照做判定，选代理时不持锁，最后拿写锁提交。
func (m *Manager) GetProxyForTab(tabID, domain string) (*model.ProxyRecord, error) {
	l := logger.WithComponent("Rotation/Manager")

	m.mu.RLock()
	strategy := m.strategy
	session, exists := m.sessions[tabID]
	var rotate bool
	var domainProxyID string
	var hasDomainEntry bool
	if exists {
		if strategy.Kind == KindDomainBased && domain != "" {
			domainProxyID, hasDomainEntry = session.domainProxies[domain]
		} else {
			rotate = m.shouldRotateLocked(session, strategy)
		}
	}
	m.mu.RUnlock()

	if !exists {
		proxy, err := m.selectProxy(strategy)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		m.mu.Lock()
		// 两个并发调用可能都走到这里；后写者胜
		m.sessions[tabID] = &Session{
			TabID:         tabID,
			Proxy:         proxy,
			AssignedAt:    now,
			LastUsed:      now,
			RequestCount:  1,
			domainProxies: make(map[string]string),
		}
		m.mu.Unlock()

		l.Info().Str("tab_id", tabID).Str("proxy_id", proxy.ID()).Msg("Assigned initial proxy.")
		return proxy, nil
	}

	if strategy.Kind == KindDomainBased && domain != "" {
		return m.proxyForDomain(tabID, domain, domainProxyID, hasDomainEntry, strategy)
	}

	if rotate {
		proxy, err := m.selectProxy(strategy)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		m.mu.Lock()
		session, ok := m.sessions[tabID]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, tabID)
		}
		old := session.Proxy.ID()
		session.Proxy = proxy
		session.AssignedAt = now
		session.LastUsed = now
		// 惰性轮换把本次调用也计入新代理
		session.RequestCount = 1
		if strategy.Kind == KindDomainBased {
			session.domainProxies = make(map[string]string)
		}
		m.mu.Unlock()

		m.collector.ProxyRotations.Add(1)
		l.Debug().Str("tab_id", tabID).Str("from", old).Str("to", proxy.ID()).Msg("Rotated proxy.")
		return proxy, nil
	}

	m.mu.Lock()
	session, ok := m.sessions[tabID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, tabID)
	}
	session.LastUsed = time.Now()
	session.RequestCount++
	proxy := session.Proxy
	m.mu.Unlock()
	return proxy, nil
}

// proxyForDomain 实现 DomainBased 的按域名粘滞：命中映射就复用，
// 否则挑一个新代理记进映射。不触碰会话的主代理。
func (m *Manager) proxyForDomain(tabID, domain, proxyID string, hasEntry bool, strategy Strategy) (*model.ProxyRecord, error) {
	if hasEntry {
		if proxy, ok := m.pool.ProxyByID(proxyID); ok && proxy.Working {
			m.mu.Lock()
			if session, ok := m.sessions[tabID]; ok {
				session.LastUsed = time.Now()
				session.RequestCount++
			}
			m.mu.Unlock()
			return proxy, nil
		}
		// 映射里的代理已失效，降级为重新分配
	}

	proxy, err := m.selectProxy(strategy)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	session, ok := m.sessions[tabID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, tabID)
	}
	session.domainProxies[domain] = proxy.ID()
	session.LastUsed = time.Now()
	session.RequestCount++
	m.mu.Unlock()
	return proxy, nil
}

// ForceRotate 跳过触发判定直接换代理，清空计数和域名映射。
func (m *Manager) ForceRotate(tabID string) (*model.ProxyRecord, error) {
	l := logger.WithComponent("Rotation/Manager")

	m.mu.RLock()
	strategy := m.strategy
	_, exists := m.sessions[tabID]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, tabID)
	}

	proxy, err := m.selectProxy(strategy)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	m.mu.Lock()
	session, ok := m.sessions[tabID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, tabID)
	}
	old := session.Proxy.ID()
	session.Proxy = proxy
	session.AssignedAt = now
	session.LastUsed = now
	session.RequestCount = 0
	session.domainProxies = make(map[string]string)
	m.mu.Unlock()

	m.collector.ProxyRotations.Add(1)
	l.Info().Str("tab_id", tabID).Str("from", old).Str("to", proxy.ID()).Msg("Force rotated proxy.")
	return proxy, nil
}

// RecordPerformance 记录一次代理使用结果，供 PerformanceBased 策略参考。
func (m *Manager) RecordPerformance(proxyID string, success bool, responseTime time.Duration) {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()

	metric, ok := m.proxyMetrics[proxyID]
	if !ok {
		metric = &ProxyMetrics{}
		m.proxyMetrics[proxyID] = metric
	}
	metric.record(success, responseTime)
}

// MetricsFor 返回某个代理的指标快照。
func (m *Manager) MetricsFor(proxyID string) (ProxyMetrics, bool) {
	m.metricsMu.RLock()
	defer m.metricsMu.RUnlock()
	metric, ok := m.proxyMetrics[proxyID]
	if !ok {
		return ProxyMetrics{}, false
	}
	return *metric, true
}

// CurrentProxy 返回标签页当前会话的主代理，不触发轮换。
func (m *Manager) CurrentProxy(tabID string) (*model.ProxyRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[tabID]
	if !ok {
		return nil, false
	}
	return session.Proxy, true
}

// SessionStats 返回会话摘要。
func (m *Manager) SessionStats(tabID string) (*SessionStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[tabID]
	if !ok {
		return nil, false
	}
	return &SessionStats{
		TabID:           session.TabID,
		CurrentProxyID:  session.Proxy.ID(),
		ProxyCountry:    session.Proxy.Country,
		AssignedAt:      session.AssignedAt,
		RequestCount:    session.RequestCount,
		DurationSeconds: int64(time.Since(session.AssignedAt).Seconds()),
	}, true
}

// CleanupExpired 清理长时间未使用的会话。
func (m *Manager) CleanupExpired(maxAge time.Duration) int {
	now := time.Now()
	m.mu.Lock()
	removed := 0
	for tabID, session := range m.sessions {
		if now.Sub(session.LastUsed) >= maxAge {
			delete(m.sessions, tabID)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		logger.WithComponent("Rotation/Manager").Info().Int("count", removed).Msg("Cleaned up expired proxy sessions.")
	}
	return removed
}

// CloseSession 删除标签页的会话。对不存在的 id 是空操作。
func (m *Manager) CloseSession(tabID string) {
	m.mu.Lock()
	delete(m.sessions, tabID)
	m.mu.Unlock()
}

// shouldRotateLocked 评估轮换触发条件。调用方需持有 m.mu 读锁。
func (m *Manager) shouldRotateLocked(session *Session, strategy Strategy) bool {
	switch strategy.Kind {
	case KindPerRequest:
		return session.RequestCount >= strategy.RequestLimit
	case KindPerDuration:
		return time.Since(session.AssignedAt) > strategy.Interval
	case KindPerSession:
		return false
	case KindRandom:
		return rand.Float64() < strategy.Probability
	case KindSticky:
		return time.Since(session.LastUsed) > strategy.Interval
	case KindGeographic:
		// 地域约束只影响选择，不主动触发轮换
		return false
	case KindPerformanceBased:
		m.metricsMu.RLock()
		metric, ok := m.proxyMetrics[session.Proxy.ID()]
		m.metricsMu.RUnlock()
		if !ok {
			return false
		}
		return metric.SuccessRate < 0.8 || metric.ConsecutiveFailures > 3
	case KindRoundRobin:
		return session.RequestCount >= roundRobinRequestLimit
	case KindDomainBased:
		return false
	case KindManual:
		return false
	default:
		return false
	}
}

// selectProxy 按策略从可用代理集中挑一个。不持有会话锁。
func (m *Manager) selectProxy(strategy Strategy) (*model.ProxyRecord, error) {
	l := logger.WithComponent("Rotation/Manager")

	working := m.pool.WorkingProxies()
	if len(working) == 0 {
		return nil, ErrNoProxiesAvailable
	}

	switch strategy.Kind {
	case KindGeographic:
		if len(strategy.Countries) == 0 {
			return working[rand.Intn(len(working))], nil
		}
		matched := make([]*model.ProxyRecord, 0, len(working))
		for _, p := range working {
			if matchesCountry(p, strategy.Countries) {
				matched = append(matched, p)
			}
		}
		if len(matched) == 0 {
			l.Warn().Interface("countries", strategy.Countries).Msg("No proxies found for specified countries, using random working proxy.")
			return working[rand.Intn(len(working))], nil
		}
		return matched[rand.Intn(len(matched))], nil

	case KindPerformanceBased:
		m.metricsMu.RLock()
		type scored struct {
			proxy  *model.ProxyRecord
			metric *ProxyMetrics
		}
		candidates := make([]scored, len(working))
		for i, p := range working {
			candidates[i] = scored{proxy: p, metric: m.proxyMetrics[p.ID()]}
		}
		m.metricsMu.RUnlock()

		// 有指标的排在无指标的前面；同为有指标时按成功率降序、
		// 延迟升序；同为无指标时保持原顺序。
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i].metric, candidates[j].metric
			switch {
			case a != nil && b != nil:
				if a.SuccessRate != b.SuccessRate {
					return a.SuccessRate > b.SuccessRate
				}
				return a.ResponseTimeMs < b.ResponseTimeMs
			case a != nil:
				return true
			default:
				return false
			}
		})
		return candidates[0].proxy, nil

	default:
		return working[rand.Intn(len(working))], nil
	}
}

func matchesCountry(p *model.ProxyRecord, countries []string) bool {
	for _, c := range countries {
		if strings.EqualFold(p.Country, c) || strings.EqualFold(p.CountryCode, c) {
			return true
		}
	}
	return false
}
