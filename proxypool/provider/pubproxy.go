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

const defaultPubProxyURL = "http://pubproxy.com/api/proxy?limit=20&format=json&type=http"

// PubProxyProvider 实现了 Provider 接口，抓取 pubproxy.com 的 JSON 代理列表。
type PubProxyProvider struct {
	url    string
	client *resty.Client
}

type pubProxyResponse struct {
	Data []pubProxyEntry `json:"data"`
}

type pubProxyEntry struct {
	IP         string `json:"ip"`
	Port       string `json:"port"`
	Type       string `json:"type"`
	Country    string `json:"country"`
	ProxyLevel string `json:"proxy_level"`
	Speed      string `json:"speed"`
}

func NewPubProxyProvider(url string) Provider {
	if url == "" {
		url = defaultPubProxyURL
	}
	return &PubProxyProvider{
		url:    url,
		client: newFeedClient(),
	}
}

func (p *PubProxyProvider) Name() string {
	return "PubProxy"
}

func (p *PubProxyProvider) RateLimit() time.Duration {
	return 1 * time.Second
}

func (p *PubProxyProvider) FetchProxies(ctx context.Context) ([]*model.ProxyRecord, error) {
	resp, err := p.client.R().SetContext(ctx).Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("pubproxy request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("pubproxy returned status %d", resp.StatusCode())
	}

	var parsed pubProxyResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse pubproxy response: %w", err)
	}

	records := make([]*model.ProxyRecord, 0, len(parsed.Data))
	for _, entry := range parsed.Data {
		port, err := strconv.Atoi(entry.Port)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		speed, _ := strconv.Atoi(entry.Speed)
		records = append(records, &model.ProxyRecord{
			Address:     entry.IP,
			Port:        port,
			Protocol:    model.ParseProtocol(strings.ToLower(entry.Type)),
			Country:     entry.Country,
			CountryCode: entry.Country,
			Anonymity:   defaultString(entry.ProxyLevel, "unknown"),
			Speed:       speed,
			Provider:    p.Name(),
			LastChecked: time.Now(),
		})
	}
	return records, nil
}
