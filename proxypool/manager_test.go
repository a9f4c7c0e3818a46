package manager

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghosttab/internal/metrics"
	"ghosttab/internal/shared/types"
	"ghosttab/proxypool/model"
	"ghosttab/proxypool/provider"
	"ghosttab/proxypool/storage"
	"ghosttab/proxypool/validator"
)

func newTestPoolManager(t *testing.T) *Manager {
	t.Helper()

	cfg := &types.Config{}
	cfg.ProxyPoolConf = types.ProxyPoolConf{
		FetchIntervalMinutes:       30,
		ValidationTimeoutSeconds:   1,
		ValidationConcurrency:      2,
		ValidationMaxRetries:       1,
		MaxConsecutiveFailures:     3,
		QuarantineDurationMinutes:  15,
		HealthCheckIntervalSeconds: 300,
	}

	// 回显地址指向测试网段，后台验证不会打到真实网络
	v := validator.NewValidator(validator.Config{
		Timeout:     100 * time.Millisecond,
		Concurrency: 2,
		MaxRetries:  1,
		TestURLs:    []string{"http://192.0.2.1/ip"},
		HTTPSURL:    "https://192.0.2.1/ip",
		DirectIPURL: "http://192.0.2.1/ip",
	})

	store := storage.NewJSONStorage(filepath.Join(t.TempDir(), "proxies.json"))
	return NewManager(cfg, store, v, metrics.NewCollector())
}

func seedProxy(m *Manager, ip string, port int, working, leaking bool) *model.ProxyRecord {
	r := &model.ProxyRecord{
		Address:      ip,
		Port:         port,
		Protocol:     model.ProtocolHTTP,
		Working:      working,
		LeakDetected: leaking,
		LastChecked:  time.Now(),
	}
	m.mu.Lock()
	m.proxies[r.ID()] = r
	m.mu.Unlock()
	return r
}

func TestImportProxiesAddsValidEntries(t *testing.T) {
	m := newTestPoolManager(t)

	err := m.ImportProxies([]string{
		"10.0.0.1:8080",
		"  10.0.0.2:3128  ",
		"10.0.0.1:8080", // 重复
		"not-a-proxy",
		"10.0.0.3:99999",
		"",
	}, "socks5")
	require.NoError(t, err)

	all := m.AllProxies()
	require.Len(t, all, 2)

	p, ok := m.ProxyByID("10.0.0.1:8080")
	require.True(t, ok)
	assert.Equal(t, model.ProtocolSOCKS5, p.Protocol)
	assert.Equal(t, "manual-import", p.Provider)

	_, ok = m.ProxyByID("10.0.0.2:3128")
	assert.True(t, ok)
}

func TestImportProxiesSkipsExisting(t *testing.T) {
	m := newTestPoolManager(t)
	existing := seedProxy(m, "10.0.0.1", 8080, true, false)

	require.NoError(t, m.ImportProxies([]string{"10.0.0.1:8080"}, "http"))

	p, ok := m.ProxyByID("10.0.0.1:8080")
	require.True(t, ok)
	assert.Same(t, existing, p)
}

func TestRecordResultMarksDeadAfterConsecutiveFailures(t *testing.T) {
	m := newTestPoolManager(t)
	p := seedProxy(m, "10.0.0.1", 8080, true, false)

	m.RecordResult(p.ID(), false)
	m.RecordResult(p.ID(), false)
	assert.True(t, p.Working)

	// 第三次连续失败达到阈值
	m.RecordResult(p.ID(), false)
	assert.False(t, p.Working)
	assert.Empty(t, m.WorkingProxies())
}

func TestRecordResultSuccessResetsFailureStreak(t *testing.T) {
	m := newTestPoolManager(t)
	p := seedProxy(m, "10.0.0.1", 8080, true, false)

	m.RecordResult(p.ID(), false)
	m.RecordResult(p.ID(), false)
	m.RecordResult(p.ID(), true)
	m.RecordResult(p.ID(), false)
	m.RecordResult(p.ID(), false)

	assert.True(t, p.Working)
}

func TestRecordResultUnknownProxyIsIgnored(t *testing.T) {
	m := newTestPoolManager(t)
	m.RecordResult("203.0.113.9:9999", false)
	assert.Empty(t, m.AllProxies())
}

func TestWorkingProxiesExcludesDeadLeakingAndQuarantined(t *testing.T) {
	m := newTestPoolManager(t)
	good := seedProxy(m, "10.0.0.1", 8080, true, false)
	seedProxy(m, "10.0.0.2", 8080, false, false)
	seedProxy(m, "10.0.0.3", 8080, true, true)
	quarantined := seedProxy(m, "10.0.0.4", 8080, true, false)

	for i := 0; i < m.cfg.ProxyPoolConf.MaxConsecutiveFailures; i++ {
		m.quarantine.RecordFailure(quarantined.ID())
	}

	working := m.WorkingProxies()
	require.Len(t, working, 1)
	assert.Same(t, good, working[0])
}

func TestPoolStats(t *testing.T) {
	m := newTestPoolManager(t)
	seedProxy(m, "10.0.0.1", 8080, true, false)
	seedProxy(m, "10.0.0.2", 8080, false, false)
	seedProxy(m, "10.0.0.3", 8080, true, true)
	quarantined := seedProxy(m, "10.0.0.4", 8080, true, false)
	for i := 0; i < m.cfg.ProxyPoolConf.MaxConsecutiveFailures; i++ {
		m.quarantine.RecordFailure(quarantined.ID())
	}

	s := m.PoolStats()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 1, s.Working)
	assert.Equal(t, 1, s.Quarantined)
	assert.Equal(t, 1, s.Leaking)
}

func TestFilterProxies(t *testing.T) {
	m := newTestPoolManager(t)
	de := seedProxy(m, "10.0.0.1", 8080, true, false)
	de.CountryCode = "DE"
	us := seedProxy(m, "10.0.0.2", 8080, false, false)
	us.CountryCode = "US"

	byCountry := m.FilterProxies(provider.Filter{Kind: provider.FilterByCountry, Countries: []string{"DE"}})
	require.Len(t, byCountry, 1)
	assert.Equal(t, "10.0.0.1", byCountry[0].Address)

	working := m.FilterProxies(provider.Filter{Kind: provider.FilterWorkingOnly})
	require.Len(t, working, 1)
	assert.Equal(t, "10.0.0.1", working[0].Address)
}

func TestDeleteProxiesRemovesAndPersists(t *testing.T) {
	m := newTestPoolManager(t)
	seedProxy(m, "10.0.0.1", 8080, true, false)
	seedProxy(m, "10.0.0.2", 8080, true, false)

	require.NoError(t, m.DeleteProxies([]string{"10.0.0.1:8080", "203.0.113.9:9999"}))

	_, ok := m.ProxyByID("10.0.0.1:8080")
	assert.False(t, ok)
	_, ok = m.ProxyByID("10.0.0.2:8080")
	assert.True(t, ok)

	// 删除后立即落盘
	persisted, err := m.storage.Load()
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestTriggerValidationUnknownIDs(t *testing.T) {
	m := newTestPoolManager(t)
	seedProxy(m, "10.0.0.1", 8080, true, false)

	err := m.TriggerValidation([]string{"203.0.113.9:9999"})
	assert.Error(t, err)
}

func TestAllProxiesSortedByLastChecked(t *testing.T) {
	m := newTestPoolManager(t)
	older := seedProxy(m, "10.0.0.1", 8080, true, false)
	older.LastChecked = time.Now().Add(-time.Hour)
	newer := seedProxy(m, "10.0.0.2", 8080, true, false)

	all := m.AllProxies()
	require.Len(t, all, 2)
	assert.Same(t, newer, all[0])
	assert.Same(t, older, all[1])
}
