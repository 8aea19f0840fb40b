package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempYAML(t, `
seed_addresses: ["10.0.0.1:11210"]
auth:
  mechanism: password
  username: admin
  password: password
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.KV.NumConnections)
	assert.Equal(t, 32, cfg.HTTP.MaxIdleConnsPerHost)
	assert.Equal(t, 10, cfg.HTTP.MaxRedirects)
	assert.Equal(t, 32, cfg.Compression.MinSize)
	assert.InDelta(t, 0.83, cfg.Compression.MinRatio, 0.0001)
}

func TestLoadMissingSeedAddressesFailsValidation(t *testing.T) {
	path := writeTempYAML(t, `
auth:
  mechanism: password
  username: admin
  password: password
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadInvalidSeedAddressFailsValidation(t *testing.T) {
	path := writeTempYAML(t, `
seed_addresses: ["not-a-host-port"]
auth:
  mechanism: password
  username: admin
  password: password
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadCertificateAuthRequiresClientCertFile(t *testing.T) {
	path := writeTempYAML(t, `
seed_addresses: ["10.0.0.1:11210"]
auth:
  mechanism: certificate
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_cert_file")
}

func TestLoadCertificateAuthWithClientCertSucceeds(t *testing.T) {
	path := writeTempYAML(t, `
seed_addresses: ["10.0.0.1:11210"]
auth:
  mechanism: certificate
tls:
  client_cert_file: /etc/certs/client.pem
  client_key_file: /etc/certs/client.key
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "certificate", cfg.Auth.Mechanism)
}

func TestLoadPasswordAuthWithoutUsernameFails(t *testing.T) {
	path := writeTempYAML(t, `
seed_addresses: ["10.0.0.1:11210"]
auth:
  mechanism: password
  password: password
`)

	_, err := Load(path)
	require.Error(t, err)
}
