package tlsutil

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.NotEmpty(t, cfg.CipherSuites)

	insecure := tls.InsecureCipherSuites()
	for _, cs := range cfg.CipherSuites {
		for _, bad := range insecure {
			assert.NotEqual(t, bad.ID, cs, "insecure suite %s", bad.Name)
		}
	}
}

func TestDefaultTLSConfig_ReturnsIndependentCopies(t *testing.T) {
	a := DefaultTLSConfig()
	a.ServerName = "redis.internal"
	a.CipherSuites[0] = 0

	b := DefaultTLSConfig()
	assert.Empty(t, b.ServerName)
	assert.NotZero(t, b.CipherSuites[0])
}

func TestSecureTransport(t *testing.T) {
	tr := SecureTransport()
	require.NotNil(t, tr.TLSClientConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
	assert.True(t, tr.ForceAttemptHTTP2)
	assert.NotNil(t, tr.Proxy)
}

func TestSecureHTTPClient(t *testing.T) {
	client := SecureHTTPClient(15 * time.Second)
	assert.Equal(t, 15*time.Second, client.Timeout)
	require.IsType(t, &http.Transport{}, client.Transport)
}
