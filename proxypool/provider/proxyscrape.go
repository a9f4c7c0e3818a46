package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ghosttab/proxypool/model"
)

const defaultProxyScrapeURL = "https://api.proxyscrape.com/v2/?request=displayproxies&protocol=http&timeout=10000&country=all&ssl=all&anonymity=all"

// ProxyScrapeProvider 实现了 Provider 接口，抓取 proxyscrape.com 的纯文本
// ip:port 列表。
type ProxyScrapeProvider struct {
	url    string
	client *resty.Client
}

// NewProxyScrapeProvider 创建一个新的实例。url 为空时使用默认接口地址。
func NewProxyScrapeProvider(url string) Provider {
	if url == "" {
		url = defaultProxyScrapeURL
	}
	return &ProxyScrapeProvider{
		url:    url,
		client: newFeedClient(),
	}
}

func (p *ProxyScrapeProvider) Name() string {
	return "ProxyScrape"
}

func (p *ProxyScrapeProvider) RateLimit() time.Duration {
	return 1 * time.Second
}

func (p *ProxyScrapeProvider) FetchProxies(ctx context.Context) ([]*model.ProxyRecord, error) {
	resp, err := p.client.R().SetContext(ctx).Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("proxyscrape request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("proxyscrape returned status %d", resp.StatusCode())
	}

	var records []*model.ProxyRecord
	for _, line := range strings.Split(resp.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		host, portStr, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(portStr))
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		records = append(records, &model.ProxyRecord{
			Address:     strings.TrimSpace(host),
			Port:        port,
			Protocol:    model.ProtocolHTTP,
			Country:     "Unknown",
			CountryCode: "XX",
			Anonymity:   "unknown",
			Provider:    p.Name(),
			LastChecked: time.Now(),
		})
	}
	return records, nil
}

// newFeedClient builds the shared resty client for API-based feeds:
// short timeout, a couple of retries with backoff for transient failures.
func newFeedClient() *resty.Client {
	return resty.New().
		SetTimeout(20 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("User-Agent", feedUserAgent)
}

const feedUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"
