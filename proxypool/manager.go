package manager

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ghosttab/internal/metrics"
	"ghosttab/internal/shared/logger"
	"ghosttab/internal/shared/types"
	"ghosttab/proxypool/model"
	"ghosttab/proxypool/provider"
	"ghosttab/proxypool/storage"
	"ghosttab/proxypool/validator"
)

const (
	// 代理因连续失败而被彻底移除的阈值（高于隔离阈值）
	maxFailuresBeforeRemoval = 7

	fetchCycleTimeout = 5 * time.Minute
)

// Manager 是代理池模块的总控制器：聚合各数据源、验证、隔离和持久化。
type Manager struct {
	cfg        *types.Config
	storage    storage.Storage
	aggregator *provider.Aggregator
	validator  *validator.Validator
	quarantine *validator.Quarantine
	collector  *metrics.Collector

	proxies map[string]*model.ProxyRecord // 内存中的代理池
	mu      sync.RWMutex

	// 调度器与生命周期管理
	fetchTicker  *time.Ticker
	healthTicker *time.Ticker
	stopChan     chan struct{}
	wg           sync.WaitGroup
}

// NewManager 创建并初始化代理池管理器。
func NewManager(cfg *types.Config, store storage.Storage, v *validator.Validator, collector *metrics.Collector) *Manager {
	m := &Manager{
		cfg:        cfg,
		storage:    store,
		aggregator: provider.NewAggregator(),
		validator:  v,
		quarantine: validator.NewQuarantine(
			cfg.ProxyPoolConf.MaxConsecutiveFailures,
			time.Duration(cfg.ProxyPoolConf.QuarantineDurationMinutes)*time.Minute,
		),
		collector: collector,
		proxies:   make(map[string]*model.ProxyRecord),
		stopChan:  make(chan struct{}),
	}
	m.aggregator.AddProvider(provider.NewProxyScrapeProvider(""))
	m.aggregator.AddProvider(provider.NewGeoNodeProvider(""))
	m.aggregator.AddProvider(provider.NewPubProxyProvider(""))
	m.aggregator.AddProvider(provider.NewFreeProxyListProvider(""))
	m.aggregator.AddProvider(provider.NewProxyNovaProvider(""))

	return m
}

// AddProvider 添加一个数据源到管理器。
func (m *Manager) AddProvider(p provider.Provider) {
	m.aggregator.AddProvider(p)
}

// Start 启动管理器的所有后台任务（调度循环）。
func (m *Manager) Start() {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Manager starting...")

	if err := m.loadProxies(); err != nil {
		l.Error().Err(err).Msg("Failed to load proxies from storage. Starting with an empty pool.")
	}

	fetchInterval := time.Duration(m.cfg.ProxyPoolConf.FetchIntervalMinutes) * time.Minute
	healthInterval := time.Duration(m.cfg.ProxyPoolConf.HealthCheckIntervalSeconds) * time.Second
	m.fetchTicker = time.NewTicker(fetchInterval)
	m.healthTicker = time.NewTicker(healthInterval)

	l.Info().
		Dur("fetch_interval", fetchInterval).
		Dur("health_check_interval", healthInterval).
		Msg("Schedulers initialized.")

	m.wg.Add(1)
	go m.schedulerLoop()

	go m.runFetchAndValidateCycle()
}

// schedulerLoop 是核心的调度循环，监听 Ticker 和停止信号。
func (m *Manager) schedulerLoop() {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	for {
		select {
		case <-m.fetchTicker.C:
			l.Info().Msg("Fetch ticker triggered.")
			go m.runFetchAndValidateCycle()

		case <-m.healthTicker.C:
			l.Debug().Msg("Health check ticker triggered.")
			go m.runRevalidationCycle()

		case <-m.stopChan:
			l.Info().Msg("Stop signal received. Shutting down schedulers.")
			m.fetchTicker.Stop()
			m.healthTicker.Stop()
			return
		}
	}
}

// runFetchAndValidateCycle 执行一个完整的“抓取 -> 验证新代理 -> 存储”周期。
func (m *Manager) runFetchAndValidateCycle() {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Starting new fetch and validate cycle...")

	ctx, cancel := context.WithTimeout(context.Background(), fetchCycleTimeout)
	defer cancel()

	fetched := provider.Dedupe(m.aggregator.FetchAll(ctx))

	newProxies := make([]*model.ProxyRecord, 0)
	m.mu.RLock()
	for _, p := range fetched {
		if _, exists := m.proxies[p.ID()]; !exists {
			newProxies = append(newProxies, p)
		}
	}
	m.mu.RUnlock()

	if len(newProxies) == 0 {
		l.Info().Msg("No new proxies found to validate in this cycle.")
		if err := m.saveProxies(); err != nil {
			l.Error().Err(err).Msg("Failed to save proxies to storage.")
		}
		return
	}

	l.Info().Int("count", len(newProxies)).Msg("Found new proxies. Starting validation...")
	results := m.validator.ValidateBatch(ctx, newProxies)

	workingCount := 0
	m.mu.Lock()
	for _, res := range results {
		m.proxies[res.Proxy.ID()] = res.Proxy
		m.applyResultLocked(res)
		if res.Proxy.Working {
			workingCount++
		}
	}
	m.mu.Unlock()

	l.Info().Int("total_validated", len(results)).Int("working", workingCount).Msg("Validation finished.")
	if err := m.saveProxies(); err != nil {
		l.Error().Err(err).Msg("Failed to save proxies to storage after cycle.")
	}
	l.Info().Msg("Fetch and validate cycle finished.")
}

// runRevalidationCycle 重新验证池中陈旧的代理，并淘汰失败过多的代理。
func (m *Manager) runRevalidationCycle() {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Debug().Msg("Executing re-validation cycle...")

	staleAfter := time.Duration(m.cfg.ProxyPoolConf.HealthCheckIntervalSeconds) * time.Second
	now := time.Now()

	dueProxies := make([]*model.ProxyRecord, 0)
	m.mu.RLock()
	for _, p := range m.proxies {
		if p.LastChecked.IsZero() || now.Sub(p.LastChecked) >= staleAfter {
			dueProxies = append(dueProxies, p)
		}
	}
	m.mu.RUnlock()

	if len(dueProxies) == 0 {
		l.Debug().Msg("No proxies due for re-validation.")
		return
	}

	// 优先验证最久未检查的代理
	sort.Slice(dueProxies, func(i, j int) bool {
		return dueProxies[i].LastChecked.Before(dueProxies[j].LastChecked)
	})

	l.Info().Int("batch_size", len(dueProxies)).Msg("Starting re-validation batch.")

	ctx, cancel := context.WithTimeout(context.Background(), fetchCycleTimeout)
	defer cancel()
	results := m.validator.ValidateBatch(ctx, dueProxies)

	m.mu.Lock()
	var removedCount int
	for _, res := range results {
		id := res.Proxy.ID()
		if _, ok := m.proxies[id]; !ok {
			continue
		}
		m.applyResultLocked(res)

		if m.quarantine.Failures(id) >= maxFailuresBeforeRemoval {
			delete(m.proxies, id)
			m.quarantine.Forget(id)
			removedCount++
			l.Info().Str("proxy_id", id).Msg("Proxy removed from pool due to excessive failures.")
		}
	}
	m.mu.Unlock()

	if removedCount > 0 {
		l.Info().Int("removed", removedCount).Msg("Re-validation cycle pruned dead proxies.")
	}

	go func() {
		if err := m.saveProxies(); err != nil {
			l.Error().Err(err).Msg("Failed to save proxies after re-validation cycle.")
		}
	}()
}

// applyResultLocked 将一次验证结果折叠进池状态。
// 注意：此函数必须在写锁 (m.mu.Lock) 保护下调用。
func (m *Manager) applyResultLocked(res *validator.Result) {
	p := res.Proxy
	id := p.ID()

	p.LastChecked = res.ValidatedAt
	p.ResponseTime = res.ResponseTime
	p.SupportsHTTPS = res.SupportsHTTPS
	p.LeakDetected = res.LeakDetected

	m.collector.ValidationsRun.Add(1)

	switch {
	case res.LeakDetected:
		// 泄漏真实出口 IP 的代理视为不可用
		p.Working = false
		m.quarantine.RecordFailure(id)
		m.collector.ValidationsFailed.Add(1)
	case res.Working:
		p.Working = true
		m.quarantine.RecordSuccess(id)
	default:
		p.Working = false
		m.quarantine.RecordFailure(id)
		m.collector.ValidationsFailed.Add(1)
	}
}

// RecordResult 供外部（如隧道层）上报单个代理的实际使用结果。
func (m *Manager) RecordResult(proxyID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proxies[proxyID]
	if !ok {
		return
	}
	if success {
		m.quarantine.RecordSuccess(proxyID)
	} else {
		m.quarantine.RecordFailure(proxyID)
		if m.quarantine.Failures(proxyID) >= m.cfg.ProxyPoolConf.MaxConsecutiveFailures {
			p.Working = false
		}
	}
}

// WorkingProxies 返回当前可用的代理快照：已验证可用、未隔离、无泄漏。
func (m *Manager) WorkingProxies() []*model.ProxyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([]*model.ProxyRecord, 0, len(m.proxies))
	for id, p := range m.proxies {
		if !p.Working || p.LeakDetected {
			continue
		}
		if m.quarantine.IsQuarantined(id) {
			continue
		}
		candidates = append(candidates, p)
	}
	return candidates
}

// ProxyByID 按池键查找代理。
func (m *Manager) ProxyByID(id string) (*model.ProxyRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proxies[id]
	return p, ok
}

// AllProxies returns a snapshot of all proxies currently in the pool.
func (m *Manager) AllProxies() []*model.ProxyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*model.ProxyRecord, 0, len(m.proxies))
	for _, p := range m.proxies {
		all = append(all, p)
	}

	// Sort by last checked time for a consistent initial view
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastChecked.After(all[j].LastChecked)
	})
	return all
}

// FilterProxies 按条件过滤池内代理。
func (m *Manager) FilterProxies(f provider.Filter) []*model.ProxyRecord {
	return provider.ApplyFilter(m.AllProxies(), f)
}

// Stats 汇总池的当前状态，供状态接口使用。
type Stats struct {
	Total       int `json:"total"`
	Working     int `json:"working"`
	Quarantined int `json:"quarantined"`
	Leaking     int `json:"leaking"`
}

func (m *Manager) PoolStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	s.Total = len(m.proxies)
	for id, p := range m.proxies {
		if p.LeakDetected {
			s.Leaking++
		}
		if m.quarantine.IsQuarantined(id) {
			s.Quarantined++
			continue
		}
		if p.Working && !p.LeakDetected {
			s.Working++
		}
	}
	return s
}

// TriggerFetch 立即在后台执行一次抓取验证周期。
func (m *Manager) TriggerFetch() {
	go m.runFetchAndValidateCycle()
}

// ImportProxies adds a list of "host:port" proxies to the pool and triggers
// an immediate background validation for them.
func (m *Manager) ImportProxies(proxyStrings []string, protocol string) error {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("count", len(proxyStrings)).Str("protocol", protocol).Msg("Starting manual proxy import.")

	parsedProtocol := model.ParseProtocol(protocol)
	newProxies := make([]*model.ProxyRecord, 0)

	m.mu.Lock()
	for _, proxyStr := range proxyStrings {
		trimmed := strings.TrimSpace(proxyStr)
		if trimmed == "" {
			continue
		}

		host, portStr, err := net.SplitHostPort(trimmed)
		if err != nil {
			l.Warn().Str("proxy", trimmed).Msg("Invalid proxy format, skipping.")
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			l.Warn().Str("proxy", trimmed).Msg("Invalid port, skipping.")
			continue
		}

		record := &model.ProxyRecord{
			Address:  host,
			Port:     port,
			Protocol: parsedProtocol,
			Provider: "manual-import",
		}
		if _, exists := m.proxies[record.ID()]; exists {
			l.Debug().Str("proxy_id", record.ID()).Msg("Proxy already exists, skipping import.")
			continue
		}
		m.proxies[record.ID()] = record
		newProxies = append(newProxies, record)
	}
	m.mu.Unlock()

	if len(newProxies) == 0 {
		l.Info().Msg("No new proxies were added from the import list.")
		return nil
	}

	l.Info().Int("count", len(newProxies)).Msg("New proxies added to the pool. Triggering background validation.")
	m.validateInBackground(newProxies)
	return nil
}

// TriggerValidation schedules an immediate background validation for a
// specific list of proxy IDs.
func (m *Manager) TriggerValidation(ids []string) error {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("count", len(ids)).Msg("Manual validation triggered for specific proxies.")

	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	proxiesToValidate := make([]*model.ProxyRecord, 0, len(ids))
	m.mu.RLock()
	for id, p := range m.proxies {
		if _, ok := idSet[id]; ok {
			proxiesToValidate = append(proxiesToValidate, p)
		}
	}
	m.mu.RUnlock()

	if len(proxiesToValidate) == 0 {
		return fmt.Errorf("no matching proxies found for the given IDs")
	}

	m.validateInBackground(proxiesToValidate)
	return nil
}

func (m *Manager) validateInBackground(proxies []*model.ProxyRecord) {
	l := logger.WithComponent("ProxyPool/Manager")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchCycleTimeout)
		defer cancel()
		results := m.validator.ValidateBatch(ctx, proxies)

		m.mu.Lock()
		for _, res := range results {
			if _, ok := m.proxies[res.Proxy.ID()]; ok {
				m.applyResultLocked(res)
			}
		}
		m.mu.Unlock()

		if err := m.saveProxies(); err != nil {
			l.Error().Err(err).Msg("Failed to save proxies after background validation.")
		}
	}()
}

// DeleteProxies removes a list of proxies from the pool by their IDs.
func (m *Manager) DeleteProxies(ids []string) error {
	l := logger.WithComponent("ProxyPool/Manager")

	m.mu.Lock()
	deletedCount := 0
	for _, id := range ids {
		if _, exists := m.proxies[id]; exists {
			delete(m.proxies, id)
			m.quarantine.Forget(id)
			deletedCount++
		}
	}
	m.mu.Unlock()

	l.Info().Int("deleted_count", deletedCount).Msg("Deletion complete.")
	return m.saveProxies()
}

// loadProxies 从存储加载代理到内存。
func (m *Manager) loadProxies() error {
	proxies, err := m.storage.Load()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.proxies = proxies
	m.mu.Unlock()
	return nil
}

// saveProxies 将内存中的代理保存到存储。
func (m *Manager) saveProxies() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.storage.Save(m.proxies)
}

// Stop 优雅地停止管理器的所有后台任务。
func (m *Manager) Stop() {
	close(m.stopChan)
	m.wg.Wait()
	if err := m.saveProxies(); err != nil {
		logger.Error().Err(err).Msg("Failed to save proxies on shutdown.")
	}
	logger.Info().Msg("ProxyPool Manager gracefully stopped.")
}
