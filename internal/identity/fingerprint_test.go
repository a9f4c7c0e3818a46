package identity

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveFingerprintIsDeterministic(t *testing.T) {
	id := VirtualIdentity{IP: "192.0.2.55", CountryCode: "US", Language: "en-US"}

	a, err := DeriveFingerprint(id)
	require.NoError(t, err)
	b, err := DeriveFingerprint(id)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestDeriveFingerprintVariesWithIdentity(t *testing.T) {
	// 不同 IP 应当覆盖到多于一个浏览器画像
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		id := VirtualIdentity{IP: uint32ToIPv4(0xC0000200 + uint32(i)), CountryCode: "US"}
		fp, err := DeriveFingerprint(id)
		require.NoError(t, err)
		seen[fp.UserAgent] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestJA3Shape(t *testing.T) {
	id := VirtualIdentity{IP: "198.51.100.1", CountryCode: "DE"}
	fp, err := DeriveFingerprint(id)
	require.NoError(t, err)

	// version,ciphers,extensions,curves,points
	parts := strings.Split(fp.TLS.JA3, ",")
	require.Len(t, parts, 5)
	assert.Equal(t, "771", parts[0])
	assert.NotEmpty(t, parts[1])
	assert.NotEmpty(t, parts[2])

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), fp.TLS.JA3Hash)
}

func TestFingerprintExcludesGREASEValues(t *testing.T) {
	for _, profile := range browserProfiles {
		tlsProfile, err := deriveTLSProfile(profile.helloID)
		require.NoError(t, err)

		for _, ext := range tlsProfile.Extensions {
			assert.False(t, isGREASE(ext), "GREASE extension %d leaked into fingerprint", ext)
		}
		for _, name := range tlsProfile.CipherSuites {
			assert.NotEmpty(t, name)
		}
	}
}

func TestTCPProfilesMatchPlatform(t *testing.T) {
	for _, profile := range browserProfiles {
		switch profile.platform {
		case "Win32":
			assert.Equal(t, uint8(128), profile.tcp.TTL, "%s should use the Windows default TTL", profile.userAgent)
		case "MacIntel":
			assert.Equal(t, uint8(64), profile.tcp.TTL, "%s should use the macOS default TTL", profile.userAgent)
		}
	}
}

func TestAcceptLanguageFollowsIdentity(t *testing.T) {
	fp, err := DeriveFingerprint(VirtualIdentity{IP: "203.0.113.9", CountryCode: "FR", Language: "fr-FR"})
	require.NoError(t, err)
	assert.Equal(t, "fr-FR,en;q=0.9", fp.AcceptLanguage)

	fp, err = DeriveFingerprint(VirtualIdentity{IP: "203.0.113.9", CountryCode: "US"})
	require.NoError(t, err)
	assert.Equal(t, "en-US,en;q=0.9", fp.AcceptLanguage)
}
