package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "local", cfg.Ledger.Mode)
	assert.Equal(t, "header", cfg.Auth.Mode)
	assert.Equal(t, 8*time.Second, cfg.Metadata.GatewayTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Metadata.CacheTTL)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
databaseType: postgres
databaseDsn: "host=db user=prov"
maxQuantity: 5000
metadata:
  gateways:
    - https://gw1.example.com/ipfs
    - https://gw2.example.com/ipfs
  writeUrl: https://pin.example.com/api
  authToken: secret
  gatewayTimeout: 4s
ledger:
  mode: remote
  remoteUrl: https://ledger.example.com
auth:
  mode: jwt
  jwtIssuer: https://auth.example.com
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "postgres", cfg.DatabaseType)
	assert.Equal(t, 5000, cfg.MaxQuantity)
	assert.Len(t, cfg.Metadata.Gateways, 2)
	assert.Equal(t, 4*time.Second, cfg.Metadata.GatewayTimeout)
	assert.Equal(t, "remote", cfg.Ledger.Mode)
	assert.Equal(t, "jwt", cfg.Auth.Mode)
	assert.Equal(t, "https://auth.example.com", cfg.Auth.JWTIssuer)
	// Unset file fields keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Metadata.CacheTTL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROV_LISTEN", ":7070")
	t.Setenv("PROV_META_GATEWAYS", " https://a.example.com , https://b.example.com ")
	t.Setenv("PROV_MAX_QUANTITY", "42")
	t.Setenv("PROV_ROLE_CACHE_TTL", "2m")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Metadata.Gateways)
	assert.Equal(t, 42, cfg.MaxQuantity)
	assert.Equal(t, 2*time.Minute, cfg.RoleCacheTTL)
}

func TestLoad_Validation(t *testing.T) {
	_, err := Load(writeConfig(t, "ledger:\n  mode: blockchain\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "ledger:\n  mode: remote\n"))
	assert.Error(t, err, "remote mode requires a URL")

	_, err = Load(writeConfig(t, "auth:\n  mode: oauth\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "metadata:\n  writeUrl: https://pin.example.com\n"))
	assert.Error(t, err, "write endpoint without credentials must be rejected, not silently mocked")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
