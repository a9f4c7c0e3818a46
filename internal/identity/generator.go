package identity

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"strings"
)

// ErrIdentityUnavailable 表示无法为请求的国家生成虚拟身份。
var ErrIdentityUnavailable = errors.New("no identity available for requested country")

// Generator 为标签页生成虚拟身份。
type Generator interface {
	GenerateRandom() (VirtualIdentity, error)
	GenerateForCountry(code string) (VirtualIdentity, error)
	Countries() []Country
}

// IPGenerator 基于国家表和地址段表生成虚拟身份。
type IPGenerator struct {
	countries []Country
	ranges    []IPRange
}

func NewIPGenerator(countries []Country, ranges []IPRange) *IPGenerator {
	return &IPGenerator{countries: countries, ranges: ranges}
}

func (g *IPGenerator) Countries() []Country {
	out := make([]Country, len(g.countries))
	copy(out, g.countries)
	return out
}

func (g *IPGenerator) country(code string) (Country, bool) {
	for _, c := range g.countries {
		if strings.EqualFold(c.Code, code) {
			return c, true
		}
	}
	return Country{}, false
}

// GenerateRandom 随机挑一个国家并为其生成身份。
func (g *IPGenerator) GenerateRandom() (VirtualIdentity, error) {
	if len(g.countries) == 0 {
		return VirtualIdentity{}, ErrIdentityUnavailable
	}
	country := g.countries[rand.Intn(len(g.countries))]
	return g.GenerateForCountry(country.Code)
}

// GenerateForCountry 为指定国家生成身份。优先从该国家的地址段中取地址，
// 没有匹配地址段时退到完全随机的公网形态地址。
func (g *IPGenerator) GenerateForCountry(code string) (VirtualIdentity, error) {
	country, ok := g.country(code)
	if !ok {
		return VirtualIdentity{}, fmt.Errorf("%w: %s", ErrIdentityUnavailable, code)
	}

	matching := make([]IPRange, 0, 4)
	for _, r := range g.ranges {
		if strings.EqualFold(r.CountryCode, code) {
			matching = append(matching, r)
		}
	}

	var ip string
	isp := "Unknown ISP"
	if len(matching) > 0 {
		r := matching[rand.Intn(len(matching))]
		generated, err := randomIPInRange(r)
		if err != nil {
			return VirtualIdentity{}, fmt.Errorf("%w: bad range for %s: %v", ErrIdentityUnavailable, code, err)
		}
		ip = generated
		isp = r.ISP
	} else {
		ip = fmt.Sprintf("%d.%d.%d.%d", 1+rand.Intn(222), rand.Intn(256), rand.Intn(256), 1+rand.Intn(254))
	}

	return VirtualIdentity{
		IP:          ip,
		CountryCode: country.Code,
		Country:     country.Name,
		City:        "Unknown",
		Region:      "Unknown",
		Timezone:    country.Timezone,
		Language:    country.Language,
		Currency:    country.Currency,
		ISP:         isp,
	}, nil
}

// Contains 判断一个 IPv4 地址是否落在段内（闭区间）。
func (r IPRange) Contains(ip string) bool {
	v, err := ipv4ToUint32(ip)
	if err != nil {
		return false
	}
	start, err := ipv4ToUint32(r.Start)
	if err != nil {
		return false
	}
	end, err := ipv4ToUint32(r.End)
	if err != nil {
		return false
	}
	return v >= start && v <= end
}

func randomIPInRange(r IPRange) (string, error) {
	start, err := ipv4ToUint32(r.Start)
	if err != nil {
		return "", err
	}
	end, err := ipv4ToUint32(r.End)
	if err != nil {
		return "", err
	}
	if end < start {
		return "", fmt.Errorf("range end %s before start %s", r.End, r.Start)
	}
	span := end - start + 1
	v := start + uint32(rand.Int63n(int64(span)))
	return uint32ToIPv4(v), nil
}

func ipv4ToUint32(s string) (uint32, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return 0, err
	}
	if !addr.Is4() {
		return 0, fmt.Errorf("address %s is not IPv4", s)
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func uint32ToIPv4(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
