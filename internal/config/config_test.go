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
	path := filepath.Join(t.TempDir(), "modelvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "./models", cfg.Storage.Root)
	assert.Equal(t, 30, cfg.Storage.KeepLast)
	assert.Equal(t, "file", cfg.Ledger.Backend)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv(ConfigPathEnvVar, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.ListenAddr, cfg.Server.ListenAddr)
	assert.Empty(t, cfg.Families)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
storage:
  root: /srv/models
  keep_last: 10
ledger:
  backend: badger
  path: /srv/ledger
orchestrator:
  parallel: 2
families:
  - name: irrigation
    command: python3
    args: ["-m", "mlops.train_irrigation"]
    workdir: /srv/repo
    timeout: 30m
  - name: plant_health
    command: python3
    args: ["-m", "mlops.train_plant_health"]
publish:
  git:
    enabled: true
    repo_dir: /srv/repo
    branch: main
  bundle:
    enabled: true
    dir: /srv/edge
    compression_level: 4
server:
  cache_ttl: 1m
logging:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/models", cfg.Storage.Root)
	assert.Equal(t, 10, cfg.Storage.KeepLast)
	assert.Equal(t, "badger", cfg.Ledger.Backend)
	assert.Equal(t, 2, cfg.Orchestrator.Parallel)

	require.Len(t, cfg.Families, 2)
	irr, ok := cfg.Family("irrigation")
	require.True(t, ok)
	assert.Equal(t, []string{"-m", "mlops.train_irrigation"}, irr.Args)
	assert.Equal(t, 30*time.Minute, irr.Timeout)
	assert.Equal(t, "/srv/repo", irr.WorkDir)

	assert.True(t, cfg.Publish.Git.Enabled)
	assert.Equal(t, "origin", cfg.Publish.Git.Remote, "defaults survive partial sections")
	assert.True(t, cfg.Publish.Git.Push)
	assert.Equal(t, 4, cfg.Publish.Bundle.CompressionLevel)
	assert.Equal(t, time.Minute, cfg.Server.CacheTTL)
	assert.Equal(t, "console", cfg.ToLoggingConfig().Format)
	assert.Equal(t, "/srv/models", cfg.ToStorageConfig().Root)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "storage:\n  root: /srv/models\n  keep_last: 10\n")
	t.Setenv("MODELVAULT_STORAGE_KEEP_LAST", "3")
	t.Setenv("MODELVAULT_SERVER_LISTEN_ADDR", ":8088")
	t.Setenv("MODELVAULT_UNRELATED_SETTING", "ignored")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Storage.KeepLast)
	assert.Equal(t, "/srv/models", cfg.Storage.Root)
	assert.Equal(t, ":8088", cfg.Server.ListenAddr)
}

func TestConfigPathFromEnv(t *testing.T) {
	path := writeConfig(t, "report:\n  dir: /var/reports\n")
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/reports", cfg.Report.Dir)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative keep_last", func(c *Config) { c.Storage.KeepLast = -1 }},
		{"empty root", func(c *Config) { c.Storage.Root = "" }},
		{"unknown ledger backend", func(c *Config) { c.Ledger.Backend = "postgres" }},
		{"zero parallel", func(c *Config) { c.Orchestrator.Parallel = 0 }},
		{"family without command", func(c *Config) { c.Families = []FamilyConfig{{Name: "irrigation"}} }},
		{"invalid family name", func(c *Config) { c.Families = []FamilyConfig{{Name: "Irrigation Model", Command: "x"}} }},
		{"duplicate family", func(c *Config) {
			c.Families = []FamilyConfig{{Name: "irrigation", Command: "x"}, {Name: "irrigation", Command: "y"}}
		}},
		{"git without repo", func(c *Config) { c.Publish.Git.Enabled = true }},
		{"bundle level out of range", func(c *Config) { c.Publish.Bundle.CompressionLevel = 9 }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
