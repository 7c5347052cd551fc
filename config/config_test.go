package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
store:
  driver: memory
pricing:
  price_floor: "1.50"
  node_id: 12
reconcile:
  enabled: true
  interval: 15m
  workers: 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.True(t, cfg.Pricing.PriceFloor.Equal(decimal.RequireFromString("1.50")))
	assert.Equal(t, 12, cfg.Pricing.NodeID)
	assert.Equal(t, 5*time.Second, cfg.Pricing.LockWait)
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 8, cfg.Reconcile.Workers)
	// untouched sections keep defaults
	assert.Equal(t, "token-engine.events", cfg.Redis.Channel)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TOKEN_ENGINE_PORT":               "7000",
		"TOKEN_ENGINE_STORE_DRIVER":       "mysql",
		"TOKEN_ENGINE_STORE_DSN":          "user:pw@tcp(db:3306)/tokens?parseTime=true",
		"TOKEN_ENGINE_REDIS_ENABLED":      "true",
		"TOKEN_ENGINE_PRICE_FLOOR":        "10",
		"TOKEN_ENGINE_RECONCILE_INTERVAL": "30s",
		"TOKEN_ENGINE_CORS_ORIGINS":       "https://a.example,https://b.example",
		"TOKEN_ENGINE_PRICING_NODE_ID":    "42",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.True(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Pricing.PriceFloor.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 30*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 42, cfg.Pricing.NodeID)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_BadNumber(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "TOKEN_ENGINE_PORT" {
			return "eighty", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_ENGINE_PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"sqlite without dsn", func(c *Config) { c.Store.DSN = "" }},
		{"negative floor", func(c *Config) { c.Pricing.PriceFloor = decimal.NewFromInt(-1) }},
		{"zero interval", func(c *Config) { c.Reconcile.Interval = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"node id too large", func(c *Config) { c.Pricing.NodeID = 1024 }},
		{"negative node id", func(c *Config) { c.Pricing.NodeID = -1 }},
		{"zero lock wait", func(c *Config) { c.Pricing.LockWait = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
