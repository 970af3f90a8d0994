package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Storage.Backend)
	assert.Equal(t, 4, cfg.Pool.MaxConcurrentAgents)
	assert.Equal(t, 30*time.Second, cfg.Health.CheckInterval)
	assert.Equal(t, 5*time.Second, cfg.Health.PingTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Health.UnresponsiveThreshold)
	assert.Equal(t, 3, cfg.Health.MaxRestartAttempts)
	assert.Equal(t, 1000, cfg.Router.MaxQueueSize)
	assert.Equal(t, 30*time.Second, cfg.Router.DefaultRequestTimeout)
	assert.Equal(t, 5, cfg.Recovery.BreakerFailureThreshold)
	assert.Equal(t, 50, cfg.Checkpoint.MaxPerSession)
	assert.Equal(t, 128000, cfg.Context.MaxTokens)
	assert.Equal(t, 5*time.Minute, cfg.Workflow.TaskTimeout)
	assert.True(t, cfg.Recovery.Enabled)
	assert.False(t, cfg.Web.Enabled)
}

func TestLoader_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tandem.yaml")
	content := `
pool:
  max_concurrent_agents: 8
storage:
  backend: sqlite
  path: /tmp/tandem.db
health:
  check_interval: 10s
web:
  enabled: true
  addr: 127.0.0.1:9900
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pool.MaxConcurrentAgents)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 10*time.Second, cfg.Health.CheckInterval)
	assert.True(t, cfg.Web.Enabled)
	assert.Equal(t, "127.0.0.1:9900", cfg.Web.Addr)
	// Untouched keys keep defaults.
	assert.Equal(t, 1000, cfg.Router.MaxQueueSize)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("TANDEM_POOL_MAX_CONCURRENT_AGENTS", "2")
	t.Setenv("TANDEM_LOG_LEVEL", "debug")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pool.MaxConcurrentAgents)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidator_AcceptsDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NoError(t, NewValidator().Validate(cfg))
}

func TestValidator_CollectsErrors(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	cfg.Log.Level = "verbose"
	cfg.Pool.MaxConcurrentAgents = 0
	cfg.Health.PingTimeout = cfg.Health.CheckInterval * 2
	cfg.Context.WarningThreshold = 0.95 // above high threshold

	verr := NewValidator().Validate(cfg)
	require.Error(t, verr)
	errs, ok := verr.(ValidationErrors)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(errs), 4)

	fields := make(map[string]bool)
	for _, e := range errs {
		fields[e.Field] = true
	}
	assert.True(t, fields["log.level"])
	assert.True(t, fields["pool.max_concurrent_agents"])
	assert.True(t, fields["health.ping_timeout"])
}

func TestValidator_WebAddrRequiredWhenEnabled(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	cfg.Web.Enabled = true
	cfg.Web.Addr = ""

	verr := NewValidator().Validate(cfg)
	require.Error(t, verr)
}
