package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_isValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 100, cfg.Cache.MaxEntries)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.Expiration)
	assert.Equal(t, time.Hour, cfg.Connectivity.PeriodicCheck)
	assert.Equal(t, 60*time.Second, cfg.Connectivity.RetryInterval)
}

func TestLoad_emptyPathUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_overridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/celebra
cache:
  version: v7
  max_entries: 20
  max_entries_by_class:
    images: 50
  expiration: 48h
sync:
  max_retries: 3
connectivity:
  background_sync: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/celebra", cfg.DataDir)
	assert.Equal(t, "v7", cfg.Cache.Version)
	assert.Equal(t, 20, cfg.Cache.MaxEntriesFor("dynamic"))
	assert.Equal(t, 50, cfg.Cache.MaxEntriesFor("images"))
	assert.Equal(t, 48*time.Hour, cfg.Cache.Expiration)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.False(t, cfg.Connectivity.BackgroundSync)

	// Untouched sections keep their defaults.
	assert.Equal(t, "celebra", cfg.Cache.Prefix)
	assert.Equal(t, 4, cfg.Sync.Concurrency)
}

func TestLoad_envPath(t *testing.T) {
	path := writeConfig(t, "listen: 0.0.0.0:9000\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
}

func TestLoad_errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "sync: [not, a, map]"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "sync:\n  max_retries: 0\n"))
	assert.ErrorContains(t, err, "max_retries")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"bad origin", func(c *Config) { c.Origin = "::" }},
		{"zero cap", func(c *Config) { c.Cache.MaxEntries = 0 }},
		{"negative class cap", func(c *Config) { c.Cache.MaxEntriesByClass = map[string]int{"fonts": -1} }},
		{"zero expiry", func(c *Config) { c.Cache.Expiration = 0 }},
		{"zero concurrency", func(c *Config) { c.Sync.Concurrency = 0 }},
		{"zero retry interval", func(c *Config) { c.Connectivity.RetryInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
