package identity

import (
	"time"
)

// TabStatus 表示标签页的生命周期状态。
type TabStatus string

const (
	StatusCreating  TabStatus = "creating"
	StatusActive    TabStatus = "active"
	StatusSuspended TabStatus = "suspended"
	StatusClosing   TabStatus = "closing"
)

// Country 描述一个可选的出口国家及其本地化元数据。
type Country struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Flag     string `json:"flag"`
	Timezone string `json:"timezone"`
	Language string `json:"language"`
	Currency string `json:"currency"`
	IsTop    bool   `json:"is_top"`
}

// IPRange 是一个归属于某国家/ISP 的 IPv4 地址段，闭区间。
type IPRange struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	CountryCode string `json:"country_code"`
	ISP         string `json:"isp"`
}

// VirtualIdentity 是一个标签页的虚拟网络身份。创建后不可变，
// 轮换时整体替换，绝不逐字段修改。
type VirtualIdentity struct {
	IP          string `json:"ip"`
	CountryCode string `json:"country_code"`
	Country     string `json:"country"`
	City        string `json:"city"`
	Region      string `json:"region"`
	Timezone    string `json:"timezone"`
	Language    string `json:"language"`
	Currency    string `json:"currency"`
	ISP         string `json:"isp"`
	ProxyURL    string `json:"proxy_url,omitempty"`
}

// TLSProfile 描述身份对应的 TLS 握手画像。
type TLSProfile struct {
	Version      string   `json:"version"`
	CipherSuites []string `json:"cipher_suites"`
	Extensions   []uint16 `json:"extensions"`
	JA3          string   `json:"ja3"`
	JA3Hash      string   `json:"ja3_hash"`
}

// HTTP2Setting 是 SETTINGS 帧里的一个 (id, value) 对。
type HTTP2Setting struct {
	ID    uint16 `json:"id"`
	Value uint32 `json:"value"`
}

// HTTP2Settings 描述身份对应的 HTTP/2 连接前奏。
type HTTP2Settings struct {
	SettingsFrame []HTTP2Setting `json:"settings_frame"`
	WindowUpdate  uint32         `json:"window_update"`
}

// TCPProfile 描述操作系统层面的 TCP 指纹。
type TCPProfile struct {
	TTL        uint8    `json:"ttl"`
	WindowSize uint32   `json:"window_size"`
	Options    []string `json:"options"`
}

// FingerprintSet 是与 VirtualIdentity 一一对应的协议指纹集合，
// 身份重新生成时指纹必须一并重新生成。
type FingerprintSet struct {
	UserAgent      string        `json:"user_agent"`
	AcceptLanguage string        `json:"accept_language"`
	Platform       string        `json:"platform"`
	TLS            TLSProfile    `json:"tls"`
	HTTP2          HTTP2Settings `json:"http2"`
	TCP            TCPProfile    `json:"tcp"`
}

// NetworkConfig 是标签页网络栈的配置视图。
type NetworkConfig struct {
	ProxyURL   string   `json:"proxy_url,omitempty"`
	DNSServers []string `json:"dns_servers"`
}

// TabProfile 聚合了一个标签页的全部身份状态。由 Manager 独占持有，
// 其他组件只通过 tab id 只读查询。
type TabProfile struct {
	TabID       string          `json:"tab_id"`
	Identity    VirtualIdentity `json:"identity"`
	Fingerprint FingerprintSet  `json:"fingerprint"`
	Network     NetworkConfig   `json:"network"`
	StoragePath string          `json:"storage_path"`
	Status      TabStatus       `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	LastActive  time.Time       `json:"last_active"`
}
