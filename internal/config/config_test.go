package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/cadence_test
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Scheduler.TickSeconds)
	assert.Equal(t, 100, cfg.Scheduler.BatchSize)
	assert.Equal(t, 12, cfg.Intake.MaxOrphanAttempts)
	assert.Equal(t, 5, cfg.Auth.LockoutAttempts)
	assert.Equal(t, float64(50), cfg.Breaker.ErrorThresholdPct)
	assert.Equal(t, 100, cfg.LinkedIn.DailyConnections)
	assert.NoError(t, cfg.Validate())
}

func TestProviderTimeoutDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/cadence_test
providers:
  lemlist:
    api_key: k1
    webhook_secret: s1
    enabled: true
  heygen:
    api_key: k2
    webhook_secret: s2
    enabled: true
  phantombuster:
    api_key: k3
    enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Providers["lemlist"].TimeoutSeconds)
	assert.Equal(t, 30, cfg.Providers["heygen"].TimeoutSeconds)
	assert.Equal(t, 15, cfg.Providers["phantombuster"].TimeoutSeconds)
}

func TestIntakeFailClosed(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/cadence_test
providers:
  lemlist:
    api_key: k1
    enabled: true
  postmark:
    api_key: k2
    webhook_secret: s2
    enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	// No webhook secret: intake must be disabled even though the provider
	// itself is enabled for sends.
	assert.False(t, cfg.Providers["lemlist"].IntakeEnabled())
	assert.True(t, cfg.Providers["postmark"].IntakeEnabled())
}

func TestValidateRequiresDatabase(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9999
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestValidateEnabledProviderNeedsKey(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/cadence_test
providers:
  lemlist:
    enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/cadence_test
`)
	t.Setenv("LEMLIST_API_KEY", "env-key")
	t.Setenv("LEMLIST_WEBHOOK_SECRET", "env-secret")
	t.Setenv("SERVER_MODE", "development")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Providers["lemlist"].APIKey)
	assert.True(t, cfg.Providers["lemlist"].Enabled)
	assert.True(t, cfg.Providers["lemlist"].IntakeEnabled())
	assert.False(t, cfg.Server.Production())
	// Defaults re-applied after env injection.
	assert.Equal(t, 10, cfg.Providers["lemlist"].TimeoutSeconds)
}
