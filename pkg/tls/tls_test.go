package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generate(t *testing.T) (cert, key string) {
	t.Helper()
	dir := t.TempDir()
	cert, key = filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key")
	require.NoError(t, GenerateSelfSigned(cert, key, CertOptions{Hosts: []string{"10.0.0.5", "optimizer.internal"}}))
	return cert, key
}

func TestGenerateSelfSigned(t *testing.T) {
	cert, key := generate(t)

	info, err := os.Stat(key)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(cert)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "schedopt", parsed.Subject.CommonName)
	assert.Contains(t, parsed.DNSNames, "localhost")
	assert.Contains(t, parsed.DNSNames, "optimizer.internal")
	assert.NoError(t, parsed.VerifyHostname("10.0.0.5"))
}

func TestServerAndClientHandshake(t *testing.T) {
	cert, key := generate(t)
	cfg := Config{Enabled: true, CertFile: cert, KeyFile: key}
	require.NoError(t, cfg.Validate())
	serverTLS, err := cfg.ServerConfig()
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	ts.TLS = serverTLS
	ts.StartTLS()
	defer ts.Close()

	clientTLS, err := ClientConfig(cert, "", "")
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}
	resp, err := client.Get(ts.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	untrusted := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}}
	_, err = untrusted.Get(ts.URL)
	assert.Error(t, err, "self-signed certificate is not in the system pool")
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Enabled: true}.Validate())
	assert.Error(t, Config{Enabled: true, CertFile: "c", KeyFile: "k", ClientAuth: true}.Validate())
}

func TestClientConfigRejectsBadCA(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0644))
	_, err := ClientConfig(bad, "", "")
	assert.Error(t, err)
}
