package rotation

import (
	"fmt"
	"strings"
	"time"

	"ghosttab/internal/shared/types"
)

// StrategyKind 标识轮换策略的种类。
type StrategyKind string

const (
	KindPerRequest       StrategyKind = "per_request"
	KindPerDuration      StrategyKind = "per_duration"
	KindPerSession       StrategyKind = "per_session"
	KindRandom           StrategyKind = "random"
	KindSticky           StrategyKind = "sticky"
	KindGeographic       StrategyKind = "geographic"
	KindPerformanceBased StrategyKind = "performance_based"
	KindRoundRobin       StrategyKind = "round_robin"
	KindDomainBased      StrategyKind = "domain_based"
	KindManual           StrategyKind = "manual"
)

// RoundRobin 策略的固定轮换周期。
const roundRobinRequestLimit = 100

// Strategy 是一个带参数的封闭变体：Kind 决定哪些参数字段有效。
// 用单一结构体承载所有参数，触发判定里的 switch 才能保持穷尽。
type Strategy struct {
	Kind StrategyKind `json:"kind"`

	// PerRequest 专用
	RequestLimit int `json:"request_limit,omitempty"`
	// PerDuration / Sticky 专用
	Interval time.Duration `json:"interval,omitempty"`
	// Random 专用
	Probability float64 `json:"probability,omitempty"`
	// Geographic 专用
	Countries []string `json:"countries,omitempty"`
}

func PerRequest(n int) Strategy {
	if n <= 0 {
		n = 1
	}
	return Strategy{Kind: KindPerRequest, RequestLimit: n}
}

func PerDuration(d time.Duration) Strategy {
	return Strategy{Kind: KindPerDuration, Interval: d}
}

func PerSession() Strategy { return Strategy{Kind: KindPerSession} }

func Random(probability float64) Strategy {
	return Strategy{Kind: KindRandom, Probability: probability}
}

func Sticky(d time.Duration) Strategy {
	return Strategy{Kind: KindSticky, Interval: d}
}

func Geographic(countries []string) Strategy {
	return Strategy{Kind: KindGeographic, Countries: countries}
}

func PerformanceBased() Strategy { return Strategy{Kind: KindPerformanceBased} }

func RoundRobin() Strategy { return Strategy{Kind: KindRoundRobin} }

func DomainBased() Strategy { return Strategy{Kind: KindDomainBased} }

func Manual() Strategy { return Strategy{Kind: KindManual} }

// Validate 拒绝未知的策略种类，API 层在应用前调用。
func (s Strategy) Validate() error {
	switch s.Kind {
	case KindPerRequest, KindPerDuration, KindPerSession, KindRandom,
		KindSticky, KindGeographic, KindPerformanceBased, KindRoundRobin,
		KindDomainBased, KindManual:
		return nil
	default:
		return fmt.Errorf("unknown rotation strategy %q", s.Kind)
	}
}

// StrategyFromConfig 把 [rotation] 配置段解析成 Strategy。
func StrategyFromConfig(cfg types.RotationConf) (Strategy, error) {
	switch StrategyKind(strings.ToLower(cfg.Strategy)) {
	case KindPerRequest:
		return PerRequest(cfg.RequestLimit), nil
	case KindPerDuration:
		return PerDuration(time.Duration(cfg.IntervalSeconds) * time.Second), nil
	case KindPerSession, "":
		return PerSession(), nil
	case KindRandom:
		return Random(cfg.Probability), nil
	case KindSticky:
		return Sticky(time.Duration(cfg.IntervalSeconds) * time.Second), nil
	case KindGeographic:
		return Geographic(splitCountries(cfg.Countries)), nil
	case KindPerformanceBased:
		return PerformanceBased(), nil
	case KindRoundRobin:
		return RoundRobin(), nil
	case KindDomainBased:
		return DomainBased(), nil
	case KindManual:
		return Manual(), nil
	default:
		return Strategy{}, fmt.Errorf("unknown rotation strategy %q", cfg.Strategy)
	}
}

func splitCountries(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
