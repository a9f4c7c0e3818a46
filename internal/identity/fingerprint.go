package identity

import (
	"crypto/md5"
	"crypto/tls"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// browserProfile 把一个 uTLS ClientHello 画像与配套的 UA、HTTP/2 和 TCP
// 形态绑定在一起。同一画像的各层指纹必须来自同一种真实浏览器。
type browserProfile struct {
	helloID   utls.ClientHelloID
	userAgent string
	platform  string
	http2     HTTP2Settings
	tcp       TCPProfile
}

var browserProfiles = []browserProfile{
	{
		helloID:   utls.HelloChrome_120,
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		platform:  "Win32",
		http2: HTTP2Settings{
			SettingsFrame: []HTTP2Setting{{1, 65536}, {2, 0}, {4, 6291456}, {6, 262144}},
			WindowUpdate:  15663105,
		},
		tcp: TCPProfile{TTL: 128, WindowSize: 64240, Options: []string{"mss", "nop", "ws", "nop", "nop", "sackOK"}},
	},
	{
		helloID:   utls.HelloEdge_106,
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/106.0.0.0 Safari/537.36 Edg/106.0.1370.52",
		platform:  "Win32",
		http2: HTTP2Settings{
			SettingsFrame: []HTTP2Setting{{1, 65536}, {3, 1000}, {4, 6291456}, {6, 262144}},
			WindowUpdate:  15663105,
		},
		tcp: TCPProfile{TTL: 128, WindowSize: 64240, Options: []string{"mss", "nop", "ws", "nop", "nop", "sackOK"}},
	},
	{
		helloID:   utls.HelloFirefox_120,
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
		platform:  "Win32",
		http2: HTTP2Settings{
			SettingsFrame: []HTTP2Setting{{1, 65536}, {4, 131072}, {5, 16384}},
			WindowUpdate:  12517377,
		},
		tcp: TCPProfile{TTL: 128, WindowSize: 65535, Options: []string{"mss", "nop", "ws", "sackOK", "ts"}},
	},
	{
		helloID:   utls.HelloSafari_16_0,
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Safari/605.1.15",
		platform:  "MacIntel",
		http2: HTTP2Settings{
			SettingsFrame: []HTTP2Setting{{1, 4096}, {3, 100}, {4, 2097152}},
			WindowUpdate:  10485760,
		},
		tcp: TCPProfile{TTL: 64, WindowSize: 65535, Options: []string{"mss", "nop", "ws", "nop", "nop", "ts", "sackOK", "eol"}},
	},
}

// DeriveFingerprint 从虚拟身份确定性地派生一套协议指纹。
// 同一个身份总是得到同一套指纹；身份变了指纹才变。
func DeriveFingerprint(id VirtualIdentity) (FingerprintSet, error) {
	h := fnv.New64a()
	h.Write([]byte(id.IP))
	h.Write([]byte("|"))
	h.Write([]byte(id.CountryCode))
	profile := browserProfiles[h.Sum64()%uint64(len(browserProfiles))]

	tlsProfile, err := deriveTLSProfile(profile.helloID)
	if err != nil {
		return FingerprintSet{}, fmt.Errorf("failed to derive TLS profile: %w", err)
	}

	acceptLanguage := id.Language
	if acceptLanguage == "" {
		acceptLanguage = "en-US"
	}

	return FingerprintSet{
		UserAgent:      profile.userAgent,
		AcceptLanguage: acceptLanguage + ",en;q=0.9",
		Platform:       profile.platform,
		TLS:            tlsProfile,
		HTTP2:          profile.http2,
		TCP:            profile.tcp,
	}, nil
}

// deriveTLSProfile 把 uTLS 的 ClientHello 规格展开成密码套件、扩展列表
// 和 JA3 哈希。GREASE 占位值按 JA3 惯例剔除。
func deriveTLSProfile(helloID utls.ClientHelloID) (TLSProfile, error) {
	spec, err := utls.UTLSIdToSpec(helloID)
	if err != nil {
		return TLSProfile{}, err
	}

	ciphers := make([]uint16, 0, len(spec.CipherSuites))
	cipherNames := make([]string, 0, len(spec.CipherSuites))
	for _, c := range spec.CipherSuites {
		if isGREASE(c) {
			continue
		}
		ciphers = append(ciphers, c)
		cipherNames = append(cipherNames, tls.CipherSuiteName(c))
	}

	var extensions []uint16
	var curves []uint16
	var points []uint8
	version := "TLS 1.2"

	for _, ext := range spec.Extensions {
		id, ok := extensionID(ext)
		if !ok {
			continue
		}
		extensions = append(extensions, id)

		switch e := ext.(type) {
		case *utls.SupportedCurvesExtension:
			for _, curve := range e.Curves {
				if !isGREASE(uint16(curve)) {
					curves = append(curves, uint16(curve))
				}
			}
		case *utls.SupportedPointsExtension:
			points = append(points, e.SupportedPoints...)
		case *utls.SupportedVersionsExtension:
			for _, v := range e.Versions {
				if v == utls.VersionTLS13 {
					version = "TLS 1.3"
				}
			}
		}
	}

	ja3 := buildJA3(ciphers, extensions, curves, points)
	return TLSProfile{
		Version:      version,
		CipherSuites: cipherNames,
		Extensions:   extensions,
		JA3:          ja3,
		JA3Hash:      fmt.Sprintf("%x", md5.Sum([]byte(ja3))),
	}, nil
}

// buildJA3 按 JA3 惯例拼接：version,ciphers,extensions,curves,points。
func buildJA3(ciphers, extensions, curves []uint16, points []uint8) string {
	var sb strings.Builder
	sb.WriteString("771,")
	sb.WriteString(joinUint16(ciphers))
	sb.WriteString(",")
	sb.WriteString(joinUint16(extensions))
	sb.WriteString(",")
	sb.WriteString(joinUint16(curves))
	sb.WriteString(",")

	pointStrs := make([]string, len(points))
	for i, p := range points {
		pointStrs[i] = strconv.Itoa(int(p))
	}
	sb.WriteString(strings.Join(pointStrs, "-"))
	return sb.String()
}

func joinUint16(values []uint16) string {
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = strconv.Itoa(int(v))
	}
	return strings.Join(strs, "-")
}

func isGREASE(v uint16) bool {
	return v&0x0f0f == 0x0a0a
}

// extensionID 把 uTLS 扩展类型映射回其线上的扩展编号。
// GREASE 扩展和未识别的类型被剔除。
func extensionID(ext utls.TLSExtension) (uint16, bool) {
	switch e := ext.(type) {
	case *utls.SNIExtension:
		return 0, true
	case *utls.StatusRequestExtension:
		return 5, true
	case *utls.SupportedCurvesExtension:
		return 10, true
	case *utls.SupportedPointsExtension:
		return 11, true
	case *utls.SignatureAlgorithmsExtension:
		return 13, true
	case *utls.ALPNExtension:
		return 16, true
	case *utls.SCTExtension:
		return 18, true
	case *utls.UtlsPaddingExtension:
		return 21, true
	case *utls.UtlsExtendedMasterSecretExtension:
		return 23, true
	case *utls.UtlsCompressCertExtension:
		return 27, true
	case *utls.FakeRecordSizeLimitExtension:
		return 28, true
	case *utls.DelegatedCredentialsExtension:
		return 34, true
	case *utls.SessionTicketExtension:
		return 35, true
	case *utls.SupportedVersionsExtension:
		return 43, true
	case *utls.PSKKeyExchangeModesExtension:
		return 45, true
	case *utls.SignatureAlgorithmsCertExtension:
		return 50, true
	case *utls.KeyShareExtension:
		return 51, true
	case *utls.ApplicationSettingsExtension:
		return 17513, true
	case *utls.RenegotiationInfoExtension:
		return 65281, true
	case *utls.GenericExtension:
		return e.Id, true
	default:
		return 0, false
	}
}
