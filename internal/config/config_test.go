package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	cfg.resolvePaths()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Second, cfg.Remote.SubmitTimeout)
	assert.Equal(t, 30*time.Second, cfg.Network.RecheckInterval)
	assert.Equal(t, 30*time.Second, cfg.Status.RefreshInterval)
	assert.Equal(t, filepath.Join("./data", "spool"), cfg.Spool.Dir)
	assert.Equal(t, time.Minute, cfg.Spool.RescanInterval)
	assert.Equal(t, "http://localhost:8080/api/health", cfg.Network.ProbeURL)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Sync.Concurrency)
	assert.True(t, cfg.Spool.Enabled)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stockroom.yaml")
	content := `
data_dir: ` + dir + `
remote:
  base_url: https://pos.example.com/
  submit_timeout: 5s
sync:
  concurrency: 2
  retry_base: 10s
  retry_max: 1m
spool:
  rescan_interval: 15s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("STOCKROOM_SYNC_CONCURRENCY", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 5*time.Second, cfg.Remote.SubmitTimeout)
	assert.Equal(t, 8, cfg.Sync.Concurrency, "env overrides file")
	assert.Equal(t, 10*time.Second, cfg.Sync.RetryBase)
	assert.Equal(t, "https://pos.example.com/api/health", cfg.Network.ProbeURL)
	assert.Equal(t, filepath.Join(dir, "spool"), cfg.Spool.Dir)
	assert.Equal(t, 15*time.Second, cfg.Spool.RescanInterval)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"empty base url", func(c *Config) { c.Remote.BaseURL = "" }},
		{"zero submit timeout", func(c *Config) { c.Remote.SubmitTimeout = 0 }},
		{"zero concurrency", func(c *Config) { c.Sync.Concurrency = 0 }},
		{"negative rate", func(c *Config) { c.Sync.RatePerSecond = -1 }},
		{"retry max below base", func(c *Config) { c.Sync.RetryMax = time.Second }},
		{"zero recheck", func(c *Config) { c.Network.RecheckInterval = 0 }},
		{"zero refresh", func(c *Config) { c.Status.RefreshInterval = 0 }},
		{"zero spool rescan", func(c *Config) { c.Spool.RescanInterval = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "stockroom.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Remote.SubmitTimeout, cfg.Remote.SubmitTimeout)
	assert.Equal(t, Default().HTTP.Addr, cfg.HTTP.Addr)
}

func TestEnsureDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	cfg := Default()
	cfg.DataDir = dir
	cfg.Spool.Dir = ""
	cfg.resolvePaths()

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, dir)
	assert.DirExists(t, filepath.Join(dir, "spool"))
}

func TestSetDataDir(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.SetDataDir("/var/lib/stockroom")
	assert.Equal(t, "/var/lib/stockroom", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/stockroom", "spool"), cfg.Spool.Dir)
}
