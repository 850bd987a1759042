package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "streamflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultNeedsSecret(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Secret")

	cfg.Auth.Secret = "0123456789abcdef"
	assert.NoError(t, cfg.Validate())
}

func TestLoadLayers(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9090"
  read_timeout: 5s
ledger:
  admin: treasury
  min_buffer_seconds: 600
  liquidator_allowlist: [keeper-1]
  refund_on_stop: true
storage:
  driver: pebble
  data_dir: /var/lib/streamflow
auth:
  secret: file-secret-0123456789
tokens:
  USDC: 6
`)
	t.Setenv("STREAMFLOW_ADDR", ":7070")
	t.Setenv("STREAMFLOW_LIQUIDATORS", "keeper-1,keeper-2")
	t.Setenv("STREAMFLOW_KAFKA_BROKERS", "k1:9092;k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr, "env overrides file")
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout, "default kept")
	assert.Equal(t, "treasury", cfg.Ledger.Admin)
	assert.Equal(t, uint64(600), cfg.Ledger.MinBufferSeconds)
	assert.Equal(t, []string{"keeper-1", "keeper-2"}, cfg.Ledger.Liquidators)
	assert.True(t, cfg.Ledger.RefundOnStop)
	assert.Equal(t, "pebble", cfg.Storage.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, uint8(6), cfg.Decimals("USDC"))
	assert.Equal(t, DefaultDecimals, cfg.Decimals("XLM"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeFile(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Auth.Secret = "0123456789abcdef"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"pebble without dir", func(c *Config) { c.Storage.Driver = "pebble" }},
		{"http vault without url", func(c *Config) { c.Vault.Mode = "http" }},
		{"bad vault url", func(c *Config) { c.Vault.Mode = "http"; c.Vault.BaseURL = "not a url" }},
		{"expose remote vault", func(c *Config) { c.Vault.Mode = "http"; c.Vault.BaseURL = "http://vault:8080"; c.Vault.ExposeAPI = true }},
		{"short secret", func(c *Config) { c.Auth.Secret = "short" }},
		{"no admin", func(c *Config) { c.Ledger.Admin = "" }},
		{"zero buffer", func(c *Config) { c.Ledger.MinBufferSeconds = 0 }},
		{"redis without addr", func(c *Config) { c.Events.Sink = "redis" }},
		{"kafka without brokers", func(c *Config) { c.Events.Sink = "kafka" }},
		{"unknown sink", func(c *Config) { c.Events.Sink = "nats" }},
		{"rate limit without rps", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.RequestsPerSecond = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"exposed vault without token", func(c *Config) { c.Vault.ExposeAPI = true }},
		{"exposed vault with short token", func(c *Config) { c.Vault.ExposeAPI = true; c.Vault.Token = "short" }},
		{"exposed vault token reuses jwt secret", func(c *Config) { c.Vault.ExposeAPI = true; c.Vault.Token = c.Auth.Secret }},
		{"keeper not on allowlist", func(c *Config) { c.Ledger.Liquidators = []string{"bot-1"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := valid()
	cfg.Vault.ExposeAPI = true
	cfg.Vault.Token = "vault-service-token-0001"
	cfg.Ledger.Liquidators = []string{"bot-1", "keeper"}
	assert.NoError(t, cfg.Validate())

	cfg.Keeper.Enabled = false
	cfg.Ledger.Liquidators = []string{"bot-1"}
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Storage.Driver = "postgres"
	cfg.Storage.DSN = "postgres://localhost/streamflow?sslmode=disable"
	cfg.Vault.Mode = "http"
	cfg.Vault.BaseURL = "http://vault:8080"
	assert.NoError(t, cfg.Validate())
}
