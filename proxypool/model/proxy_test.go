package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyRecordID(t *testing.T) {
	r := &ProxyRecord{Address: "203.0.113.7", Port: 8080}
	assert.Equal(t, "203.0.113.7:8080", r.ID())
}

func TestProxyRecordSettings(t *testing.T) {
	r := &ProxyRecord{Address: "203.0.113.7", Port: 1080, Protocol: ProtocolSOCKS5}
	s := r.Settings()
	assert.Equal(t, ProtocolSOCKS5, s.Protocol)
	assert.Equal(t, "203.0.113.7", s.Host)
	assert.Equal(t, 1080, s.Port)
}

func TestParseProtocol(t *testing.T) {
	assert.Equal(t, ProtocolHTTPS, ParseProtocol("https"))
	assert.Equal(t, ProtocolSOCKS4, ParseProtocol("socks4"))
	assert.Equal(t, ProtocolSOCKS5, ParseProtocol("socks5"))
	assert.Equal(t, ProtocolDirect, ParseProtocol("direct"))

	// 未识别的协议一律按 http 处理
	assert.Equal(t, ProtocolHTTP, ParseProtocol("http"))
	assert.Equal(t, ProtocolHTTP, ParseProtocol("gopher"))
	assert.Equal(t, ProtocolHTTP, ParseProtocol(""))
}

func TestSettingsURLRoundTrip(t *testing.T) {
	cases := []ProxySettings{
		{Protocol: ProtocolHTTP, Host: "203.0.113.1", Port: 8080},
		{Protocol: ProtocolHTTPS, Host: "proxy.example.com", Port: 443},
		{Protocol: ProtocolSOCKS4, Host: "203.0.113.2", Port: 1080},
		{Protocol: ProtocolSOCKS5, Host: "203.0.113.3", Port: 1080, Username: "user", Password: "secret"},
	}

	for _, want := range cases {
		raw := want.URL()
		got, err := SettingsFromURL(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestSettingsURLDirect(t *testing.T) {
	assert.Empty(t, ProxySettings{Protocol: ProtocolDirect}.URL())
	assert.Empty(t, ProxySettings{}.URL())

	s, err := SettingsFromURL("")
	require.NoError(t, err)
	assert.Equal(t, ProtocolDirect, s.Protocol)
	assert.False(t, s.IsConfigured())
}

func TestSettingsURLUsernameOnly(t *testing.T) {
	s := ProxySettings{Protocol: ProtocolHTTP, Host: "203.0.113.1", Port: 3128, Username: "user"}
	assert.Equal(t, "http://user@203.0.113.1:3128", s.URL())
}

func TestSettingsFromURLRejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		"ftp://203.0.113.1:21",
		"http://203.0.113.1",
		"http://203.0.113.1:0",
		"http://203.0.113.1:99999",
		"://bad",
	} {
		_, err := SettingsFromURL(raw)
		assert.Error(t, err, raw)
	}
}

func TestIsConfigured(t *testing.T) {
	assert.True(t, ProxySettings{Protocol: ProtocolHTTP, Host: "h", Port: 1}.IsConfigured())
	assert.False(t, ProxySettings{Protocol: ProtocolHTTP, Host: "h"}.IsConfigured())
	assert.False(t, ProxySettings{Protocol: ProtocolHTTP, Port: 1}.IsConfigured())
	assert.False(t, ProxySettings{Protocol: ProtocolDirect, Host: "h", Port: 1}.IsConfigured())
}
