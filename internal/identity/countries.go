package identity

import (
	"ghosttab/internal/shared/config"
	"ghosttab/internal/shared/logger"
)

// 内置国家表。外部 JSON 文件存在且非空时优先使用外部数据。
var builtinCountries = []Country{
	{Code: "US", Name: "United States", Flag: "🇺🇸", Timezone: "America/New_York", Language: "en-US", Currency: "USD", IsTop: true},
	{Code: "GB", Name: "United Kingdom", Flag: "🇬🇧", Timezone: "Europe/London", Language: "en-GB", Currency: "GBP", IsTop: true},
	{Code: "DE", Name: "Germany", Flag: "🇩🇪", Timezone: "Europe/Berlin", Language: "de-DE", Currency: "EUR", IsTop: true},
	{Code: "FR", Name: "France", Flag: "🇫🇷", Timezone: "Europe/Paris", Language: "fr-FR", Currency: "EUR", IsTop: true},
	{Code: "JP", Name: "Japan", Flag: "🇯🇵", Timezone: "Asia/Tokyo", Language: "ja-JP", Currency: "JPY", IsTop: true},
	{Code: "CA", Name: "Canada", Flag: "🇨🇦", Timezone: "America/Toronto", Language: "en-CA", Currency: "CAD", IsTop: false},
	{Code: "AU", Name: "Australia", Flag: "🇦🇺", Timezone: "Australia/Sydney", Language: "en-AU", Currency: "AUD", IsTop: false},
	{Code: "NL", Name: "Netherlands", Flag: "🇳🇱", Timezone: "Europe/Amsterdam", Language: "nl-NL", Currency: "EUR", IsTop: false},
	{Code: "SG", Name: "Singapore", Flag: "🇸🇬", Timezone: "Asia/Singapore", Language: "en-SG", Currency: "SGD", IsTop: false},
	{Code: "BR", Name: "Brazil", Flag: "🇧🇷", Timezone: "America/Sao_Paulo", Language: "pt-BR", Currency: "BRL", IsTop: false},
}

var builtinIPRanges = []IPRange{
	{Start: "8.8.4.0", End: "8.8.4.255", CountryCode: "US", ISP: "Level3 Communications"},
	{Start: "34.64.0.0", End: "34.64.255.255", CountryCode: "US", ISP: "Google Cloud"},
	{Start: "1.0.0.0", End: "1.0.0.255", CountryCode: "GB", ISP: "Cloudflare London"},
	{Start: "51.140.0.0", End: "51.140.255.255", CountryCode: "GB", ISP: "Microsoft Azure UK"},
	{Start: "9.9.9.0", End: "9.9.9.255", CountryCode: "DE", ISP: "Quad9 Frankfurt"},
	{Start: "18.184.0.0", End: "18.184.255.255", CountryCode: "DE", ISP: "AWS Frankfurt"},
	{Start: "51.158.0.0", End: "51.158.255.255", CountryCode: "FR", ISP: "Scaleway"},
	{Start: "13.112.0.0", End: "13.112.255.255", CountryCode: "JP", ISP: "AWS Tokyo"},
	{Start: "99.79.0.0", End: "99.79.255.255", CountryCode: "CA", ISP: "AWS Canada"},
	{Start: "13.210.0.0", End: "13.210.255.255", CountryCode: "AU", ISP: "AWS Sydney"},
	{Start: "51.15.0.0", End: "51.15.127.255", CountryCode: "NL", ISP: "Scaleway Amsterdam"},
	{Start: "13.228.0.0", End: "13.228.255.255", CountryCode: "SG", ISP: "AWS Singapore"},
	{Start: "18.228.0.0", End: "18.228.255.255", CountryCode: "BR", ISP: "AWS Sao Paulo"},
}

// LoadCountries 从 JSON 文件加载国家表，加载失败或为空时回退到内置表。
func LoadCountries(path string) []Country {
	l := logger.WithComponent("Identity/Data")
	if path != "" {
		var countries []Country
		if err := config.LoadJSON(path, &countries); err == nil && len(countries) > 0 {
			l.Info().Int("count", len(countries)).Str("path", path).Msg("Loaded countries from file.")
			return countries
		}
		l.Warn().Str("path", path).Msg("Could not load countries file, using built-in table.")
	}
	return builtinCountries
}

// LoadIPRanges 从 JSON 文件加载地址段，加载失败或为空时回退到内置表。
func LoadIPRanges(path string) []IPRange {
	l := logger.WithComponent("Identity/Data")
	if path != "" {
		var ranges []IPRange
		if err := config.LoadJSON(path, &ranges); err == nil && len(ranges) > 0 {
			l.Info().Int("count", len(ranges)).Str("path", path).Msg("Loaded IP ranges from file.")
			return ranges
		}
		l.Warn().Str("path", path).Msg("Could not load IP ranges file, using built-in table.")
	}
	return builtinIPRanges
}

// TopCountries 返回标记为热门的国家子集。
func TopCountries(countries []Country) []Country {
	top := make([]Country, 0, len(countries))
	for _, c := range countries {
		if c.IsTop {
			top = append(top, c)
		}
	}
	return top
}
