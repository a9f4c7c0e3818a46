package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ghosttab/internal/shared/logger"
	"ghosttab/proxypool/model"
)

const defaultFreeProxyListURL = "https://free-proxy-list.net/"

// FreeProxyListProvider 实现了 Provider 接口，用于抓取 free-proxy-list.net
// 的 HTML 表格。这是一个网页抓取源，速率限制比 API 源更宽。
type FreeProxyListProvider struct {
	url    string
	client *http.Client
}

func NewFreeProxyListProvider(url string) Provider {
	if url == "" {
		url = defaultFreeProxyListURL
	}
	return &FreeProxyListProvider{
		url: url,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (p *FreeProxyListProvider) Name() string {
	return "FreeProxyList"
}

func (p *FreeProxyListProvider) RateLimit() time.Duration {
	return 5 * time.Second
}

func (p *FreeProxyListProvider) FetchProxies(ctx context.Context) ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Provider")

	req, err := http.NewRequestWithContext(ctx, "GET", p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", p.Name(), err)
	}
	req.Header.Set("User-Agent", feedUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("%s returned status %d", p.Name(), resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page for %s: %w", p.Name(), err)
	}

	var records []*model.ProxyRecord
	doc.Find("table tbody tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 7 {
			return
		}
		ip := strings.TrimSpace(cells.Eq(0).Text())
		port, err := strconv.Atoi(strings.TrimSpace(cells.Eq(1).Text()))
		if err != nil || ip == "" || port <= 0 || port > 65535 {
			return
		}

		protocol := model.ProtocolHTTP
		if strings.EqualFold(strings.TrimSpace(cells.Eq(6).Text()), "yes") {
			protocol = model.ProtocolHTTPS
		}

		records = append(records, &model.ProxyRecord{
			Address:     ip,
			Port:        port,
			Protocol:    protocol,
			Country:     strings.TrimSpace(cells.Eq(3).Text()),
			CountryCode: strings.TrimSpace(cells.Eq(2).Text()),
			Anonymity:   defaultString(strings.ToLower(strings.TrimSpace(cells.Eq(4).Text())), "unknown"),
			Provider:    p.Name(),
			LastChecked: time.Now(),
		})
	})

	l.Debug().Int("count", len(records)).Str("source", p.Name()).Msg("Parsed proxy table.")
	return records, nil
}
