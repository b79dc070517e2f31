package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Name = "test-cluster"
	cfg.Host = "127.0.0.1"
	cfg.TLS.Cert = "cert.pem"
	cfg.TLS.Key = "key.pem"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 64738, cfg.Port)
	assert.Equal(t, 8443, cfg.ControlPort)
	assert.Equal(t, 30*time.Second, cfg.Timeout.Std())
	assert.Equal(t, 1000, cfg.MaxUsers)
	assert.Equal(t, 558000, cfg.Bandwidth)
	assert.Equal(t, 5000, cfg.TextMessageLength)
	assert.Equal(t, 131072, cfg.ImageMessageLength)
	assert.Equal(t, 10, cfg.AutoBan.Attempts)
	assert.Equal(t, 120*time.Second, cfg.AutoBan.Timeframe.Std())
	assert.True(t, cfg.RememberChannel)
	assert.True(t, cfg.AllowHTML)
}

func TestValidateOK(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Port = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "host is required")
	assert.Contains(t, err.Error(), "port must be in [1, 65535]")
	assert.Contains(t, err.Error(), "tls.cert and tls.key are required")
}

func TestValidateRegexes(t *testing.T) {
	cfg := validConfig()
	cfg.UsernameRegex = "[a-z"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usernameRegex")
}

func TestValidateRegistryTimings(t *testing.T) {
	cfg := validConfig()
	cfg.Registry.Timeout = cfg.Registry.HeartbeatInterval
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry.timeout must exceed")
}

func TestValidateBlobBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Blob.Enabled = true
	cfg.Blob.Backend = "fs"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blobStore.path is required")

	cfg.Blob.Path = "/var/blobs"
	assert.NoError(t, cfg.Validate())
}

func TestValidateEdge(t *testing.T) {
	cfg := validConfig()
	err := cfg.ValidateEdge()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "edge.edgeId is required")
	assert.Contains(t, err.Error(), "edge.hubUrl is required")

	cfg.Edge.EdgeID = "edge-1"
	cfg.Edge.HubURL = "wss://hub:8443/edge"
	assert.NoError(t, cfg.ValidateEdge())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	data := `
name: prod
host: 0.0.0.0
port: 64738
timeout: 45s
maxUsers: 250
tls:
  cert: /etc/tls/cert.pem
  key: /etc/tls/key.pem
registry:
  heartbeatInterval: 10s
  timeout: 40s
autoBan:
  attempts: 3
  timeframe: 60
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Name)
	assert.Equal(t, 45*time.Second, cfg.Timeout.Std())
	assert.Equal(t, 250, cfg.MaxUsers)
	assert.Equal(t, 10*time.Second, cfg.Registry.HeartbeatInterval.Std())
	assert.Equal(t, 3, cfg.AutoBan.Attempts)
	assert.Equal(t, 60*time.Second, cfg.AutoBan.Timeframe.Std())
	// Unspecified fields keep defaults.
	assert.Equal(t, 558000, cfg.Bandwidth)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
