package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30*time.Second, cfg.Observer.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.CycleInterval)
	assert.Equal(t, 3.0, cfg.Auditor.SigmaThreshold)
	assert.Equal(t, -0.20, cfg.Auditor.LargeLossThreshold)
	assert.Equal(t, 0.25, cfg.Auditor.ConfidenceThreshold)
	assert.Equal(t, 0.5, cfg.Orchestrator.SharpeFloor)
	assert.Equal(t, time.Hour, cfg.Orchestrator.RetrainCooldown)
	assert.Equal(t, 1.0, cfg.Engine.WeightTotal)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Observer.PollInterval, cfg.Observer.PollInterval)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
observer:
  poll_interval: 5s
  source_dir: /var/lib/outcomes
auditor:
  large_loss_threshold: -0.10
orchestrator:
  cycle_interval: 10s
  sharpe_floor: 0.8
api:
  addr: 0.0.0.0:9090
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Observer.PollInterval)
	assert.Equal(t, "/var/lib/outcomes", cfg.Observer.SourceDir)
	assert.Equal(t, -0.10, cfg.Auditor.LargeLossThreshold)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.CycleInterval)
	assert.Equal(t, 0.8, cfg.Orchestrator.SharpeFloor)
	assert.Equal(t, "0.0.0.0:9090", cfg.API.Addr)

	// Sections the file omits keep their defaults.
	assert.Equal(t, Default().Engine.LearningRate, cfg.Engine.LearningRate)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("observer: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TW_PG_DSN", "postgres://tw:secret@db:5432/tw")
	t.Setenv("TW_PG_ENABLED", "true")
	t.Setenv("TW_REDIS_ADDR", "cache:6379")
	t.Setenv("TW_API_ADDR", "0.0.0.0:8090")
	t.Setenv("TW_SOURCE_DIR", "/srv/outcomes")
	t.Setenv("TW_LOG_LEVEL", "warn")
	t.Setenv("TW_CYCLE_INTERVAL", "15s")
	t.Setenv("TW_POLL_INTERVAL", "3s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://tw:secret@db:5432/tw", cfg.Database.DSN)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "cache:6379", cfg.Status.Redis.Addr)
	assert.True(t, cfg.Status.Redis.Enabled)
	assert.Equal(t, "0.0.0.0:8090", cfg.API.Addr)
	assert.Equal(t, "/srv/outcomes", cfg.Observer.SourceDir)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.Orchestrator.CycleInterval)
	assert.Equal(t, 3*time.Second, cfg.Observer.PollInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero poll interval", func(c *Config) { c.Observer.PollInterval = 0 }},
		{"zero queue capacity", func(c *Config) { c.Observer.QueueCapacity = 0 }},
		{"zero cycle interval", func(c *Config) { c.Orchestrator.CycleInterval = 0 }},
		{"zero weight total", func(c *Config) { c.Engine.WeightTotal = 0 }},
		{"max weight above total", func(c *Config) { c.Engine.MaxWeight = 2 }},
		{"floor above max", func(c *Config) { c.Engine.FloorWeight = 0.9 }},
		{"positive loss threshold", func(c *Config) { c.Auditor.LargeLossThreshold = 0.1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
