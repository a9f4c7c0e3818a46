package localproxy

import (
	"errors"
	"fmt"
	"sync"

	"ghosttab/internal/metrics"
	"ghosttab/internal/shared/logger"
	"ghosttab/proxypool/model"
)

// ErrPortExhausted 表示端口范围内已无可分配端口。
var ErrPortExhausted = errors.New("no free local proxy port available")

// Manager 管理每个标签页的本地代理实例，从固定范围内分配端口。
type Manager struct {
	portStart int
	portEnd   int
	collector *metrics.Collector

	mu        sync.Mutex
	servers   map[string]*Server // tab id -> server
	usedPorts map[int]bool
}

func NewManager(portStart, portEnd int, collector *metrics.Collector) *Manager {
	return &Manager{
		portStart: portStart,
		portEnd:   portEnd,
		collector: collector,
		servers:   make(map[string]*Server),
		usedPorts: make(map[int]bool),
	}
}

// CreateForTab 为标签页分配最小的空闲端口并启动本地代理。
// 同一个标签页重复调用会先回收旧实例。
func (m *Manager) CreateForTab(tabID string, upstream model.ProxySettings) (*Server, error) {
	l := logger.WithComponent("LocalProxy/Manager")

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.servers[tabID]; ok {
		old.Stop()
		delete(m.usedPorts, old.Port())
		delete(m.servers, tabID)
	}

	port, err := m.lowestFreePortLocked()
	if err != nil {
		return nil, err
	}

	server := NewServer(tabID, port, upstream, m.collector)
	if err := server.Start(); err != nil {
		return nil, err
	}

	m.servers[tabID] = server
	m.usedPorts[port] = true

	l.Info().Str("tab_id", tabID).Int("port", port).Msg("Created local proxy for tab.")
	return server, nil
}

// lowestFreePortLocked 返回范围内最小的未占用端口。调用方须持有 m.mu。
func (m *Manager) lowestFreePortLocked() (int, error) {
	for port := m.portStart; port <= m.portEnd; port++ {
		if !m.usedPorts[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: range %d-%d", ErrPortExhausted, m.portStart, m.portEnd)
}

// RemoveForTab 停掉标签页的本地代理并释放端口。
func (m *Manager) RemoveForTab(tabID string) {
	m.mu.Lock()
	server, ok := m.servers[tabID]
	if ok {
		delete(m.servers, tabID)
		delete(m.usedPorts, server.Port())
	}
	m.mu.Unlock()

	if ok {
		server.Stop()
		logger.WithComponent("LocalProxy/Manager").Info().Str("tab_id", tabID).Msg("Removed local proxy for tab.")
	}
}

// ServerForTab 返回标签页的本地代理实例。
func (m *Manager) ServerForTab(tabID string) (*Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	server, ok := m.servers[tabID]
	return server, ok
}

// UpdateUpstream 把标签页本地代理的上游切到新代理。找不到实例时报错。
func (m *Manager) UpdateUpstream(tabID string, upstream model.ProxySettings) error {
	m.mu.Lock()
	server, ok := m.servers[tabID]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("no local proxy for tab %s", tabID)
	}
	server.SetUpstream(upstream)
	return nil
}

// ProxyURLForTab 返回标签页本地代理的地址。
func (m *Manager) ProxyURLForTab(tabID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	server, ok := m.servers[tabID]
	if !ok {
		return "", false
	}
	return server.ProxyURL(), true
}

// ActiveProxies 返回 tab id -> 本地代理地址的快照。
func (m *Manager) ActiveProxies() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.servers))
	for tabID, server := range m.servers {
		out[tabID] = server.ProxyURL()
	}
	return out
}

// StopAll 停掉所有本地代理并释放全部端口。
func (m *Manager) StopAll() {
	m.mu.Lock()
	servers := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.servers = make(map[string]*Server)
	m.usedPorts = make(map[int]bool)
	m.mu.Unlock()

	for _, s := range servers {
		s.Stop()
	}
	logger.WithComponent("LocalProxy/Manager").Info().Int("count", len(servers)).Msg("Stopped all local proxy servers.")
}
