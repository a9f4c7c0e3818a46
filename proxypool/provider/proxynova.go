package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"ghosttab/internal/shared/logger"
	"ghosttab/proxypool/model"
)

const defaultProxyNovaURL = "https://www.proxynova.com/proxy-server-list/"

// ProxyNovaProvider 实现了 Provider 接口，用于抓取 www.proxynova.com 的免费代理列表。
type ProxyNovaProvider struct {
	url       string
	collector *colly.Collector
}

func NewProxyNovaProvider(url string) Provider {
	if url == "" {
		url = defaultProxyNovaURL
	}
	c := colly.NewCollector(
		colly.UserAgent(feedUserAgent),
	)
	c.SetRequestTimeout(20 * time.Second)

	return &ProxyNovaProvider{
		url:       url,
		collector: c,
	}
}

func (p *ProxyNovaProvider) Name() string {
	return "ProxyNova"
}

func (p *ProxyNovaProvider) RateLimit() time.Duration {
	return 5 * time.Second
}

// FetchProxies 执行抓取操作。
func (p *ProxyNovaProvider) FetchProxies(ctx context.Context) ([]*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Provider")

	var records []*model.ProxyRecord
	var fetchErr error
	var mu sync.Mutex // 使用互斥锁来安全地追加到 records 切片

	collector := p.collector.Clone()

	collector.OnHTML("table#tbl_proxy_list tbody tr", func(e *colly.HTMLElement) {
		ip := strings.TrimSpace(e.ChildText("td:nth-child(1)"))
		portStr := strings.TrimSpace(e.ChildText("td:nth-child(2)"))
		port, err := strconv.Atoi(portStr)
		if err != nil || ip == "" {
			return
		}

		country := strings.TrimSpace(e.ChildText("td:nth-child(6)"))

		mu.Lock()
		defer mu.Unlock()
		records = append(records, &model.ProxyRecord{
			Address:     ip,
			Port:        port,
			Protocol:    model.ProtocolHTTP,
			Country:     country,
			Anonymity:   "unknown",
			Provider:    p.Name(),
			LastChecked: time.Now(),
		})
	})

	collector.OnError(func(r *colly.Response, err error) {
		l.Error().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Fetch request failed.")
		fetchErr = err
	})

	if err := collector.Visit(p.url); err != nil {
		return nil, fmt.Errorf("failed to visit %s: %w", p.Name(), err)
	}
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	l.Debug().Int("count", len(records)).Str("source", p.Name()).Msg("Parsed proxy table.")
	return records, nil
}
