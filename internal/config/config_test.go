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
	path := filepath.Join(t.TempDir(), "sprintsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
role: companion
store: file
peer: wss://phone.local:8787/sync
sync:
  max_retries: 5
  min_retry_delay: 500ms
program:
  weeks: 8
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "companion", cfg.Role)
	assert.Equal(t, "file", cfg.Store)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.MinRetryDelay)
	assert.Equal(t, 5*time.Minute, cfg.Sync.StaleAfter)
	assert.Equal(t, 8, cfg.Program.Weeks)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SPRINTSYNC_STORE", "memory")
	t.Setenv("SPRINTSYNC_SYNC_STALE_AFTER", "10m")
	t.Setenv("SPRINTSYNC_SYNC_REQUEST_TIMEOUT", "3s")
	path := writeConfig(t, "role: primary\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 10*time.Minute, cfg.Sync.StaleAfter)
	assert.Equal(t, 3*time.Second, cfg.Sync.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Sync.MaxRetryDelay)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown role", func(c *Config) { c.Role = "watch" }},
		{"unknown store", func(c *Config) { c.Store = "redis" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero retries", func(c *Config) { c.Sync.MaxRetries = 0 }},
		{"negative delay", func(c *Config) { c.Sync.MinRetryDelay = -time.Second }},
		{"zero request timeout", func(c *Config) { c.Sync.RequestTimeout = 0 }},
		{"retry cap below minimum", func(c *Config) { c.Sync.MaxRetryDelay = time.Second }},
		{"zero check interval", func(c *Config) { c.Sync.CheckInterval = 0 }},
		{"too many weeks", func(c *Config) { c.Program.Weeks = 60 }},
		{"companion with http peer", func(c *Config) { c.Role = "companion"; c.Peer = "http://phone:8787" }},
		{"primary without listen", func(c *Config) { c.Listen = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}
