package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ghosttab/proxypool/model"
)

const defaultGeoNodeURL = "https://proxylist.geonode.com/api/proxy-list?limit=100&page=1&sort_by=lastChecked&sort_type=desc"

// GeoNodeProvider 实现了 Provider 接口，抓取 geonode.com 的 JSON 代理列表。
type GeoNodeProvider struct {
	url    string
	client *resty.Client
}

type geoNodeResponse struct {
	Data []geoNodeProxy `json:"data"`
}

type geoNodeProxy struct {
	IP             string   `json:"ip"`
	Port           string   `json:"port"`
	Protocols      []string `json:"protocols"`
	Country        string   `json:"country"`
	AnonymityLevel string   `json:"anonymityLevel"`
	Speed          int      `json:"speed"`
	Uptime         float64  `json:"upTime"`
}

func NewGeoNodeProvider(url string) Provider {
	if url == "" {
		url = defaultGeoNodeURL
	}
	return &GeoNodeProvider{
		url:    url,
		client: newFeedClient(),
	}
}

func (p *GeoNodeProvider) Name() string {
	return "GeoNode"
}

func (p *GeoNodeProvider) RateLimit() time.Duration {
	return 2 * time.Second
}

func (p *GeoNodeProvider) FetchProxies(ctx context.Context) ([]*model.ProxyRecord, error) {
	resp, err := p.client.R().SetContext(ctx).Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("geonode request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("geonode returned status %d", resp.StatusCode())
	}

	var parsed geoNodeResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse geonode response: %w", err)
	}

	records := make([]*model.ProxyRecord, 0, len(parsed.Data))
	for _, entry := range parsed.Data {
		port, err := strconv.Atoi(entry.Port)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		records = append(records, &model.ProxyRecord{
			Address:     entry.IP,
			Port:        port,
			Protocol:    protocolFromList(entry.Protocols),
			Country:     entry.Country,
			CountryCode: entry.Country,
			Anonymity:   defaultString(entry.AnonymityLevel, "unknown"),
			Speed:       entry.Speed,
			Uptime:      entry.Uptime,
			Provider:    p.Name(),
			LastChecked: time.Now(),
		})
	}
	return records, nil
}

// protocolFromList prefers SOCKS over HTTP when a feed reports several
// protocols for the same endpoint.
func protocolFromList(protocols []string) model.Protocol {
	for _, proto := range protocols {
		switch strings.ToLower(proto) {
		case "socks5":
			return model.ProtocolSOCKS5
		case "socks4":
			return model.ProtocolSOCKS4
		}
	}
	return model.ProtocolHTTP
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
