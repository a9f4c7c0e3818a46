package provider

import (
	"context"
	"time"

	"ghosttab/proxypool/model"
)

// Provider 接口定义了从代理源获取代理信息的行为。
type Provider interface {
	// FetchProxies 执行抓取操作，并返回一个 ProxyRecord 切片。
	// 实现者应只负责抓取和初步解析，不进行验证。
	FetchProxies(ctx context.Context) ([]*model.ProxyRecord, error)

	// Name 返回代理源的名称，用于日志记录和速率限制。
	Name() string

	// RateLimit 返回对该源两次抓取之间的最小间隔。
	RateLimit() time.Duration
}

// FilterKind selects the filtering rule applied by ApplyFilter.
type FilterKind string

const (
	FilterAll         FilterKind = "all"
	FilterByCountry   FilterKind = "by_country"
	FilterByType      FilterKind = "by_type"
	FilterWorkingOnly FilterKind = "working_only"
)

// Filter is a closed variant carrying the parameters of one filtering rule.
type Filter struct {
	Kind      FilterKind
	Countries []string
	Types     []model.Protocol
}

// ApplyFilter is the shared filtering helper available to every provider.
func ApplyFilter(records []*model.ProxyRecord, f Filter) []*model.ProxyRecord {
	switch f.Kind {
	case FilterByCountry:
		out := make([]*model.ProxyRecord, 0, len(records))
		for _, r := range records {
			if containsString(f.Countries, r.Country) || containsString(f.Countries, r.CountryCode) {
				out = append(out, r)
			}
		}
		return out
	case FilterByType:
		out := make([]*model.ProxyRecord, 0, len(records))
		for _, r := range records {
			for _, t := range f.Types {
				if r.Protocol == t {
					out = append(out, r)
					break
				}
			}
		}
		return out
	case FilterWorkingOnly:
		out := make([]*model.ProxyRecord, 0, len(records))
		for _, r := range records {
			if r.Working {
				out = append(out, r)
			}
		}
		return out
	default:
		return records
	}
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
