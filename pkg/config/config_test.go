package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/kestrel/pkg/resolver"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "local", cfg.Scheduler.Counter)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.ClaimTimeout)
	assert.Equal(t, resolver.DefaultProperties(), cfg.ResolverProperties())
	assert.IsType(t, resolver.LowestIDSelector{}, cfg.Selector())
	assert.False(t, cfg.JSONLogs())
	assert.False(t, cfg.Tracing.Enabled())
	assert.False(t, cfg.TLS.Enabled())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	data := `
server:
  addr: "127.0.0.1:9000"
store:
  type: memory
jobs:
  max_memory: 4096
  selector: random
  selector_seed: 7
coordinator:
  user_limit_enabled: true
  user_active_limit: 3
scheduler:
  max_system_memory: 8192
  claim_timeout: 90s
  counter: redis
  redis:
    addr: "redis:6379"
auth:
  api_keys: [one, two]
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 4096, cfg.ResolverProperties().MaxMemory)
	assert.IsType(t, &resolver.RandomSelector{}, cfg.Selector())
	assert.True(t, cfg.Coordinator.UserLimitEnabled)
	assert.Equal(t, 3, cfg.Coordinator.UserActiveLimit)
	assert.Equal(t, 8192, cfg.Scheduler.MaxSystemMemory)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.ClaimTimeout)
	assert.Equal(t, "redis:6379", cfg.Scheduler.Redis.Addr)
	assert.Equal(t, []string{"one", "two"}, cfg.Auth.APIKeys)
	assert.True(t, cfg.JSONLogs())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("KESTREL_STORE_TYPE", "memory")
	t.Setenv("KESTREL_SERVER_ADDR", ":7070")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, ":7070", cfg.Server.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(viper.New(), "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Store.Type = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Type = "postgres"; c.Store.DSN = "" }},
		{"default above max", func(c *Config) { c.Jobs.DefaultMemory = 10; c.Jobs.MaxMemory = 5 }},
		{"unknown selector", func(c *Config) { c.Jobs.Selector = "round-robin" }},
		{"enabled limit of zero", func(c *Config) { c.Coordinator.UserLimitEnabled = true; c.Coordinator.UserActiveLimit = 0 }},
		{"unknown counter", func(c *Config) { c.Scheduler.Counter = "etcd" }},
		{"cert without key", func(c *Config) { c.TLS.CertFile = "server.crt" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
		{"zero reap interval", func(c *Config) { c.Scheduler.ReapInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
