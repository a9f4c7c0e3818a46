package localproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghosttab/internal/metrics"
	"ghosttab/proxypool/model"
)

func newTestPoolManager(t *testing.T, start, end int) *Manager {
	t.Helper()
	m := NewManager(start, end, metrics.NewCollector())
	t.Cleanup(m.StopAll)
	return m
}

func TestCreateForTabAllocatesLowestFreePort(t *testing.T) {
	m := newTestPoolManager(t, 38111, 38115)

	s1, err := m.CreateForTab("tab-1", model.ProxySettings{})
	require.NoError(t, err)
	assert.Equal(t, 38111, s1.Port())

	s2, err := m.CreateForTab("tab-2", model.ProxySettings{})
	require.NoError(t, err)
	assert.Equal(t, 38112, s2.Port())

	// 释放低端口后，新标签页应重用它
	m.RemoveForTab("tab-1")
	s3, err := m.CreateForTab("tab-3", model.ProxySettings{})
	require.NoError(t, err)
	assert.Equal(t, 38111, s3.Port())
}

func TestCreateForTabPortExhausted(t *testing.T) {
	m := newTestPoolManager(t, 38121, 38122)

	_, err := m.CreateForTab("tab-1", model.ProxySettings{})
	require.NoError(t, err)
	_, err = m.CreateForTab("tab-2", model.ProxySettings{})
	require.NoError(t, err)

	_, err = m.CreateForTab("tab-3", model.ProxySettings{})
	assert.ErrorIs(t, err, ErrPortExhausted)
}

func TestCreateForTabRecyclesExistingInstance(t *testing.T) {
	m := newTestPoolManager(t, 38131, 38132)

	s1, err := m.CreateForTab("tab-1", model.ProxySettings{})
	require.NoError(t, err)
	require.Equal(t, 38131, s1.Port())

	// 同一标签页重建时先回收旧实例，端口不泄漏
	s2, err := m.CreateForTab("tab-1", model.ProxySettings{})
	require.NoError(t, err)
	assert.Equal(t, 38131, s2.Port())

	_, err = m.CreateForTab("tab-2", model.ProxySettings{})
	require.NoError(t, err)
	_, err = m.CreateForTab("tab-3", model.ProxySettings{})
	assert.ErrorIs(t, err, ErrPortExhausted)
}

func TestServerForTabAndProxyURL(t *testing.T) {
	m := newTestPoolManager(t, 38141, 38142)

	_, err := m.CreateForTab("tab-1", model.ProxySettings{})
	require.NoError(t, err)

	server, ok := m.ServerForTab("tab-1")
	require.True(t, ok)
	assert.Equal(t, 38141, server.Port())
	assert.True(t, server.IsRunning())

	url, ok := m.ProxyURLForTab("tab-1")
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:38141", url)

	_, ok = m.ServerForTab("tab-missing")
	assert.False(t, ok)
	_, ok = m.ProxyURLForTab("tab-missing")
	assert.False(t, ok)
}

func TestUpdateUpstreamUnknownTab(t *testing.T) {
	m := newTestPoolManager(t, 38151, 38152)

	err := m.UpdateUpstream("tab-missing", model.ProxySettings{Protocol: model.ProtocolHTTP, Host: "1.2.3.4", Port: 8080})
	assert.Error(t, err)
}

func TestUpdateUpstreamSwitchesUpstream(t *testing.T) {
	m := newTestPoolManager(t, 38161, 38162)

	server, err := m.CreateForTab("tab-1", model.ProxySettings{})
	require.NoError(t, err)

	upstream := model.ProxySettings{Protocol: model.ProtocolSOCKS5, Host: "10.0.0.1", Port: 1080}
	require.NoError(t, m.UpdateUpstream("tab-1", upstream))
	assert.Equal(t, upstream, server.Upstream())
}

func TestActiveProxiesSnapshot(t *testing.T) {
	m := newTestPoolManager(t, 38171, 38173)

	_, err := m.CreateForTab("tab-1", model.ProxySettings{})
	require.NoError(t, err)
	_, err = m.CreateForTab("tab-2", model.ProxySettings{})
	require.NoError(t, err)

	active := m.ActiveProxies()
	assert.Len(t, active, 2)
	assert.Equal(t, "http://127.0.0.1:38171", active["tab-1"])
	assert.Equal(t, "http://127.0.0.1:38172", active["tab-2"])

	m.StopAll()
	assert.Empty(t, m.ActiveProxies())
}
