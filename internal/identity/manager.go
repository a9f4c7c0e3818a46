package identity

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"ghosttab/internal/metrics"
	"ghosttab/internal/shared/logger"
)

// ErrTabNotFound 表示请求的标签页不存在。
var ErrTabNotFound = errors.New("tab not found")

var defaultDNSServers = []string{"1.1.1.1", "8.8.8.8"}

// Manager 独占持有 tab id -> TabProfile 的权威映射。
// 身份与指纹总是一起替换，绝不单独更新其中一个。
type Manager struct {
	generator Generator
	collector *metrics.Collector
	dataDir   string

	tabs map[string]*TabProfile
	mu   sync.RWMutex
}

func NewManager(generator Generator, collector *metrics.Collector, dataDir string) *Manager {
	if dataDir == "" {
		dataDir = "./data/tabs"
	}
	return &Manager{
		generator: generator,
		collector: collector,
		dataDir:   dataDir,
		tabs:      make(map[string]*TabProfile),
	}
}

// Create 为指定国家创建一个新标签页。countryCode 为空时随机选国家。
func (m *Manager) Create(countryCode string) (*TabProfile, error) {
	l := logger.WithComponent("Identity/Manager")

	var id VirtualIdentity
	var err error
	if countryCode == "" {
		id, err = m.generator.GenerateRandom()
	} else {
		id, err = m.generator.GenerateForCountry(countryCode)
	}
	if err != nil {
		return nil, err
	}

	fingerprint, err := DeriveFingerprint(id)
	if err != nil {
		return nil, err
	}

	tabID := uuid.New().String()
	now := time.Now()
	profile := &TabProfile{
		TabID:       tabID,
		Identity:    id,
		Fingerprint: fingerprint,
		Network: NetworkConfig{
			DNSServers: defaultDNSServers,
		},
		StoragePath: filepath.Join(m.dataDir, tabID),
		Status:      StatusCreating,
		CreatedAt:   now,
		LastActive:  now,
	}

	m.mu.Lock()
	m.tabs[tabID] = profile
	m.mu.Unlock()

	m.collector.TabsCreated.Add(1)
	l.Info().Str("tab_id", tabID).Str("country", id.CountryCode).Str("ip", id.IP).Msg("Tab created.")

	snapshot := *profile
	return &snapshot, nil
}

// Activate 将标签页从 Creating 置为 Active。
func (m *Manager) Activate(tabID string) error {
	return m.setStatus(tabID, StatusActive)
}

// Suspend 将标签页置为 Suspended。
func (m *Manager) Suspend(tabID string) error {
	return m.setStatus(tabID, StatusSuspended)
}

func (m *Manager) setStatus(tabID string, status TabStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tab, ok := m.tabs[tabID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	tab.Status = status
	tab.LastActive = time.Now()
	return nil
}

// Rotate 原子地用新生成的身份和指纹替换标签页当前的一对。
// newCountry 为空时沿用原国家。
func (m *Manager) Rotate(tabID, newCountry string) (VirtualIdentity, error) {
	l := logger.WithComponent("Identity/Manager")

	m.mu.RLock()
	tab, ok := m.tabs[tabID]
	if !ok {
		m.mu.RUnlock()
		return VirtualIdentity{}, fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	country := tab.Identity.CountryCode
	m.mu.RUnlock()

	if newCountry != "" {
		country = newCountry
	}

	// 生成阶段不持锁，提交阶段再拿写锁
	newID, err := m.generator.GenerateForCountry(country)
	if err != nil {
		return VirtualIdentity{}, err
	}
	newFingerprint, err := DeriveFingerprint(newID)
	if err != nil {
		return VirtualIdentity{}, err
	}

	m.mu.Lock()
	tab, ok = m.tabs[tabID]
	if !ok {
		m.mu.Unlock()
		return VirtualIdentity{}, fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	tab.Identity = newID
	tab.Fingerprint = newFingerprint
	tab.LastActive = time.Now()
	m.mu.Unlock()

	m.collector.IdentityRotations.Add(1)
	l.Info().Str("tab_id", tabID).Str("country", newID.CountryCode).Str("ip", newID.IP).Msg("Identity rotated.")
	return newID, nil
}

// SetProxyURL 更新标签页网络配置中的代理地址并同步到身份记录。
func (m *Manager) SetProxyURL(tabID, proxyURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tab, ok := m.tabs[tabID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTabNotFound, tabID)
	}
	tab.Network.ProxyURL = proxyURL
	tab.Identity.ProxyURL = proxyURL
	tab.LastActive = time.Now()
	return nil
}

// Get 返回标签页档案的快照。
func (m *Manager) Get(tabID string) (*TabProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tab, ok := m.tabs[tabID]
	if !ok {
		return nil, false
	}
	snapshot := *tab
	return &snapshot, true
}

// List 返回所有标签页档案的快照。
func (m *Manager) List() []*TabProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*TabProfile, 0, len(m.tabs))
	for _, tab := range m.tabs {
		snapshot := *tab
		out = append(out, &snapshot)
	}
	return out
}

// Touch 刷新标签页的活跃时间。
func (m *Manager) Touch(tabID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tab, ok := m.tabs[tabID]; ok {
		tab.LastActive = time.Now()
	}
}

// Close 移除标签页。对不存在的 id 调用是无害的空操作。
func (m *Manager) Close(tabID string) {
	m.mu.Lock()
	_, existed := m.tabs[tabID]
	delete(m.tabs, tabID)
	m.mu.Unlock()

	if existed {
		m.collector.TabsClosed.Add(1)
		logger.WithComponent("Identity/Manager").Info().Str("tab_id", tabID).Msg("Tab closed.")
	}
}
