package client

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveConfigSecureDropsH2C(t *testing.T) {
	base := Config{Protocols: []Protocol{H2C, HTTP11}}

	derived, err := deriveConfig(base, true)
	require.NoError(t, err)
	assert.Equal(t, []Protocol{HTTP11}, derived.Protocols)
	assert.NotNil(t, derived.TLS)

	// Copy-on-write: the shared base stays untouched.
	assert.Equal(t, []Protocol{H2C, HTTP11}, base.Protocols)
	assert.Nil(t, base.TLS)
}

func TestDeriveConfigSecureH2COnlyFails(t *testing.T) {
	_, err := deriveConfig(Config{Protocols: []Protocol{H2C}}, true)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestDeriveConfigSecureExplicitTLSKeepsH2CError(t *testing.T) {
	// With a caller-supplied TLS provider nothing is dropped; the conflict
	// surfaces as-is.
	cfg := Config{Protocols: []Protocol{H2C, HTTP11}, TLS: defaultTLSProvider}
	_, err := deriveConfig(cfg, true)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestDeriveConfigInsecureDropsH2(t *testing.T) {
	base := Config{Protocols: []Protocol{H2, HTTP11}, TLS: defaultTLSProvider}

	derived, err := deriveConfig(base, false)
	require.NoError(t, err)
	assert.Equal(t, []Protocol{HTTP11}, derived.Protocols)
	assert.Nil(t, derived.TLS)

	assert.Equal(t, []Protocol{H2, HTTP11}, base.Protocols)
	assert.NotNil(t, base.TLS)
}

func TestDeriveConfigInsecureH2OnlyFails(t *testing.T) {
	_, err := deriveConfig(Config{Protocols: []Protocol{H2}, TLS: defaultTLSProvider}, false)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
}

func TestDeriveConfigDefaults(t *testing.T) {
	derived, err := deriveConfig(Config{}, false)
	require.NoError(t, err)
	assert.Nil(t, derived.TLS)
	assert.Equal(t, []Protocol{HTTP11}, derived.enabledProtocols())

	derived, err = deriveConfig(Config{}, true)
	require.NoError(t, err)
	assert.NotNil(t, derived.TLS)
}

func TestALPNProtos(t *testing.T) {
	assert.Equal(t, []string{"http/1.1"}, Config{}.ALPNProtos())
	assert.Equal(t, []string{"h2", "http/1.1"},
		Config{Protocols: []Protocol{H2, HTTP11}}.ALPNProtos())
	assert.Equal(t, []string{"h2"}, Config{Protocols: []Protocol{H2}}.ALPNProtos())
	// H2C never maps to an ALPN identifier.
	assert.Equal(t, []string{"http/1.1"}, Config{Protocols: []Protocol{H2C}}.ALPNProtos())
}

func TestUserAgentDefault(t *testing.T) {
	assert.Equal(t, defaultUserAgent, Config{}.userAgent())
	assert.Equal(t, "custom/1", Config{UserAgent: "custom/1"}.userAgent())
}

func TestDefaultRedirectPredicate(t *testing.T) {
	req := &Request{Method: http.MethodGet}

	withLocation := func(code int) *Response {
		return &Response{StatusCode: code, Header: http.Header{"Location": []string{"/next"}}}
	}
	for _, code := range []int{301, 302, 303, 307, 308} {
		assert.True(t, DefaultRedirectPredicate(req, withLocation(code)), "status %d", code)
	}
	assert.False(t, DefaultRedirectPredicate(req, &Response{StatusCode: 302, Header: http.Header{}}))
	assert.False(t, DefaultRedirectPredicate(req, withLocation(200)))
	assert.False(t, DefaultRedirectPredicate(req, withLocation(404)))
}

func TestProtocolString(t *testing.T) {
	assert.Equal(t, "http/1.1", HTTP11.String())
	assert.Equal(t, "h2", H2.String())
	assert.Equal(t, "h2c", H2C.String())
}
