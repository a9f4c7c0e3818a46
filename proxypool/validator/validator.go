package validator

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"ghosttab/internal/shared/logger"
	"ghosttab/proxypool/model"
)

const (
	defaultIPEchoHTTPSURL = "https://api.ipify.org"
	retryBackoffStep      = 500 * time.Millisecond
	maxEchoBodySize       = 256
)

// defaultIPEchoURLs 是逐个尝试的回显服务，单个服务故障不拖垮整个验证。
var defaultIPEchoURLs = []string{
	"http://api.ipify.org",
	"http://icanhazip.com",
	"http://checkip.amazonaws.com",
}

// Config 定义了验证器的行为参数。
type Config struct {
	Timeout     time.Duration
	Concurrency int
	MaxRetries  int
	TestURLs    []string // 通过代理依次尝试的 IP 回显地址
	HTTPSURL    string   // 用于探测 HTTPS 支持的回显地址
	DirectIPURL string   // 不经代理访问，用于泄漏检测的基准 IP
}

// Result holds the outcome of validating a single proxy. The record itself
// is not mutated; callers decide how to fold the result into pool state.
type Result struct {
	Proxy         *model.ProxyRecord
	Working       bool
	ResponseTime  time.Duration
	DetectedIP    string
	SupportsHTTPS bool
	LeakDetected  bool
	Err           error
	ValidatedAt   time.Time
}

type Validator struct {
	cfg         Config
	sem         chan struct{}
	plainClient *http.Client

	directOnce sync.Once
	directIP   string
	directErr  error

	// fetchIP is swappable in tests to avoid real network calls.
	fetchIP func(ctx context.Context, client *http.Client, echoURL string) (string, error)
}

func NewValidator(cfg Config) *Validator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.TestURLs) == 0 {
		cfg.TestURLs = defaultIPEchoURLs
	}
	if cfg.HTTPSURL == "" {
		cfg.HTTPSURL = defaultIPEchoHTTPSURL
	}
	if cfg.DirectIPURL == "" {
		cfg.DirectIPURL = cfg.TestURLs[0]
	}
	return &Validator{
		cfg: cfg,
		sem: make(chan struct{}, cfg.Concurrency),
		plainClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		fetchIP: fetchEchoedIP,
	}
}

// ValidateBatch 并发验证一批代理，并发度由信号量控制。
func (v *Validator) ValidateBatch(ctx context.Context, proxies []*model.ProxyRecord) []*Result {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(proxies) == 0 {
		return nil
	}

	l.Info().Int("count", len(proxies)).Int("concurrency", v.cfg.Concurrency).Msg("Starting validation batch...")

	// 并发度由 Validate 自己的信号量约束，这里只负责扇出和收集。
	var wg sync.WaitGroup
	resultsChan := make(chan *Result, len(proxies))

	for _, p := range proxies {
		wg.Add(1)
		go func(record *model.ProxyRecord) {
			defer wg.Done()
			resultsChan <- v.Validate(ctx, record)
		}(p)
	}

	wg.Wait()
	close(resultsChan)

	results := make([]*Result, 0, len(proxies))
	for r := range resultsChan {
		results = append(results, r)
	}

	l.Info().Int("count", len(results)).Msg("Validation batch finished.")
	return results
}

// Validate 验证单个代理：带线性退避的重试、HTTPS 探测和 IP 泄漏检测。
// 并发度在这里收口，直接调用和批量调用受同一个信号量约束。
func (v *Validator) Validate(ctx context.Context, p *model.ProxyRecord) (res *Result) {
	res = &Result{Proxy: p, ValidatedAt: time.Now()}

	// 单个代理的验证崩溃折算成失败结果，不能带垮整个进程
	defer func() {
		if r := recover(); r != nil {
			res = &Result{
				Proxy:       p,
				Err:         fmt.Errorf("validation panicked: %v", r),
				ValidatedAt: time.Now(),
			}
		}
	}()

	select {
	case v.sem <- struct{}{}:
	case <-ctx.Done():
		res.Err = ctx.Err()
		return res
	}
	defer func() { <-v.sem }()

	if p.Protocol == model.ProtocolDirect {
		res.Working = true
		return res
	}

	client, err := v.buildClient(p)
	if err != nil {
		res.Err = err
		return res
	}

	var detected string
	var elapsed time.Duration
	for attempt := 0; attempt < v.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// 线性退避：500ms, 1s, 1.5s...
			if err := sleepCtx(ctx, retryBackoffStep*time.Duration(attempt)); err != nil {
				res.Err = err
				return res
			}
		}

		// 每次尝试按顺序走完回显地址列表，任一成功即算本次成功
		for _, echoURL := range v.cfg.TestURLs {
			start := time.Now()
			detected, err = v.fetchIP(ctx, client, echoURL)
			elapsed = time.Since(start)
			if err == nil {
				break
			}
		}
		if err == nil {
			break
		}
	}

	if err != nil {
		res.Err = err
		return res
	}

	res.Working = true
	res.DetectedIP = detected
	res.ResponseTime = elapsed

	if _, httpsErr := v.fetchIP(ctx, client, v.cfg.HTTPSURL); httpsErr == nil {
		res.SupportsHTTPS = true
	}

	// Leak check: the address the target sees through the proxy must differ
	// from our own egress address.
	directIP, directErr := v.baselineIP(ctx)
	if directErr != nil {
		logger.WithComponent("ProxyPool/Validator").Warn().Err(directErr).Msg("Could not determine direct egress IP, skipping leak check.")
	} else if directIP != "" && directIP == detected {
		res.LeakDetected = true
	}

	return res
}

// baselineIP 获取本机直连出口 IP，整个进程生命周期内只取一次。
func (v *Validator) baselineIP(ctx context.Context) (string, error) {
	v.directOnce.Do(func() {
		v.directIP, v.directErr = v.fetchIP(ctx, v.plainClient, v.cfg.DirectIPURL)
	})
	return v.directIP, v.directErr
}

// buildClient constructs an HTTP client whose transport tunnels through the
// given proxy. SOCKS4 servers that do not also speak SOCKS5 fail validation
// here and get dropped by the pool.
func (v *Validator) buildClient(p *model.ProxyRecord) (*http.Client, error) {
	var transport *http.Transport

	switch p.Protocol {
	case model.ProtocolSOCKS5, model.ProtocolSOCKS4:
		dialer, err := proxy.SOCKS5("tcp", p.ID(), nil, &net.Dialer{Timeout: v.cfg.Timeout})
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS dialer: %w", err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS dialer for %s does not support contexts", p.ID())
		}
		transport = &http.Transport{
			DialContext:         contextDialer.DialContext,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
			IdleConnTimeout:     v.cfg.Timeout,
			TLSHandshakeTimeout: v.cfg.Timeout / 2,
		}
	default:
		proxyURL, err := url.Parse(fmt.Sprintf("http://%s", p.ID()))
		if err != nil {
			return nil, fmt.Errorf("invalid proxy address %q: %w", p.ID(), err)
		}
		dialer := &net.Dialer{
			Timeout:   v.cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}
		transport = &http.Transport{
			Proxy:                 http.ProxyURL(proxyURL),
			DialContext:           dialer.DialContext,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
			IdleConnTimeout:       v.cfg.Timeout,
			TLSHandshakeTimeout:   v.cfg.Timeout / 2,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   v.cfg.Timeout,
	}, nil
}

// fetchEchoedIP 请求一个 IP 回显服务并返回响应正文中的地址。
func fetchEchoedIP(ctx context.Context, client *http.Client, echoURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", echoURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return "", fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEchoBodySize))
	if err != nil {
		return "", err
	}

	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", fmt.Errorf("empty response from %s", echoURL)
	}
	return ip, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
