package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ghosttab/internal/shared/logger"
	"ghosttab/proxypool/model"
)

// Aggregator pulls candidate proxies from all registered providers,
// normalizes them into ProxyRecord form and deduplicates by (address, port).
type Aggregator struct {
	providers []Provider

	mu        sync.Mutex
	lastFetch map[string]time.Time
}

func NewAggregator(providers ...Provider) *Aggregator {
	return &Aggregator{
		providers: providers,
		lastFetch: make(map[string]time.Time),
	}
}

// AddProvider 添加一个代理源。
func (a *Aggregator) AddProvider(p Provider) {
	a.providers = append(a.providers, p)
}

// Providers returns the names of all registered providers.
func (a *Aggregator) Providers() []string {
	names := make([]string, 0, len(a.providers))
	for _, p := range a.providers {
		names = append(names, p.Name())
	}
	return names
}

// FetchFrom fetches from a single named provider, honoring its rate limit:
// a fetch arriving before the minimum interval has elapsed sleeps out the
// remainder first.
func (a *Aggregator) FetchFrom(ctx context.Context, name string) ([]*model.ProxyRecord, error) {
	for _, p := range a.providers {
		if p.Name() == name {
			return a.fetchRateLimited(ctx, p)
		}
	}
	return nil, fmt.Errorf("unknown proxy provider %q", name)
}

func (a *Aggregator) fetchRateLimited(ctx context.Context, p Provider) ([]*model.ProxyRecord, error) {
	a.mu.Lock()
	last, seen := a.lastFetch[p.Name()]
	a.mu.Unlock()

	if seen {
		if wait := p.RateLimit() - time.Since(last); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	records, err := p.FetchProxies(ctx)

	a.mu.Lock()
	a.lastFetch[p.Name()] = time.Now()
	a.mu.Unlock()

	return records, err
}

// FetchAll fans out one fetch per provider and merges the results.
// Provider failures are logged and skipped; the merged result is
// deduplicated by (address, port), first occurrence wins.
func (a *Aggregator) FetchAll(ctx context.Context) []*model.ProxyRecord {
	l := logger.WithComponent("ProxyPool/Aggregator")

	var wg sync.WaitGroup
	fetched := make(chan []*model.ProxyRecord, len(a.providers))

	for _, p := range a.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			records, err := a.fetchRateLimited(ctx, p)
			if err != nil {
				l.Warn().Err(err).Str("source", p.Name()).Msg("Provider fetch failed.")
				return
			}
			l.Info().Int("count", len(records)).Str("source", p.Name()).Msg("Provider fetch finished.")
			if len(records) > 0 {
				fetched <- records
			}
		}(p)
	}

	wg.Wait()
	close(fetched)

	return Dedupe(drain(fetched))
}

// Dedupe removes records sharing an (address, port) key, keeping the first.
func Dedupe(records []*model.ProxyRecord) []*model.ProxyRecord {
	seen := make(map[string]struct{}, len(records))
	out := make([]*model.ProxyRecord, 0, len(records))
	for _, r := range records {
		key := r.ID()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

func drain(ch <-chan []*model.ProxyRecord) []*model.ProxyRecord {
	var all []*model.ProxyRecord
	for records := range ch {
		all = append(all, records...)
	}
	return all
}
