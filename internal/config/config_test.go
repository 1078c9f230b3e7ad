package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  port: "9090"
database:
  dsn: test.db
vault:
  key: ZmlsZS1rZXk=
scheduler:
  tick_interval: 5m
  max_concurrent_syncs: 2
brokers:
  flex_report:
    poll_interval: 10s
  oauth_rest:
    client_id: abc
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfigAppliesFileThenDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "config.yaml", sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "test.db", cfg.Database.DSN)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrentSyncs)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.BatchDelay)
	assert.Equal(t, 10*time.Second, cfg.Brokers.FlexReport.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Brokers.FlexReport.MaxWait)
	assert.Equal(t, "abc", cfg.Brokers.OAuthREST.ClientID)
	assert.Equal(t, 30*24*time.Hour, cfg.Brokers.OAuthREST.Lookback)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("VAULT_KEY", "ZW52LWtleQ==")
	t.Setenv("SCHEDULER_MAX_CONCURRENT_SYNCS", "4")
	t.Setenv("SCHEDULER_ENABLED", "false")
	t.Setenv("OAUTH_CLIENT_SECRET", "from-env")
	t.Setenv("FLEX_MAX_WAIT", "not-a-duration")

	cfg, err := LoadConfig(writeFile(t, "config.yaml", sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "ZW52LWtleQ==", cfg.Vault.Key)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrentSyncs)
	assert.False(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "from-env", cfg.Brokers.OAuthREST.ClientSecret)
	assert.Equal(t, 5*time.Minute, cfg.Brokers.FlexReport.MaxWait)
}

func TestLoadConfigRequiresVaultKey(t *testing.T) {
	t.Setenv("VAULT_KEY", "")
	_, err := LoadConfig(writeFile(t, "config.yaml", "server:\n  port: \"1\"\n"))
	assert.Error(t, err)
}

func TestLoadConfigMissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("VAULT_KEY", "ZW52LWtleQ==")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.TickInterval)
}

func TestLoadConnectionSeeds(t *testing.T) {
	path := writeFile(t, "connections.yaml", `
connections:
  - user_id: 1
    broker_type: flex_report
    is_active: true
    auto_sync_enabled: true
    sync_frequency: daily
    sync_time: "06:00:00"
    flex_token: tok
    flex_query_id: "123"
  - user_id: 2
    broker_type: oauth_rest
    is_active: false
    refresh_token: r
`)
	seeds, err := LoadConnectionSeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds.Connections, 2)
	assert.Len(t, seeds.Active(), 1)
	assert.Equal(t, "123", seeds.ForUser(1)[0].FlexQueryID)

	empty, err := LoadConnectionSeeds(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Empty(t, empty.Connections)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	t.Setenv("VAULT_KEY", "")
	t.Setenv("PORT", "")
	cfg := Default()
	cfg.Vault.Key = "cm91bmQtdHJpcC1rZXk="
	cfg.Server.Port = "9191"
	cfg.Scheduler.TickInterval = 30 * time.Minute
	cfg.Notifier.WebhookURL = "http://hooks.local/sync"

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9191", loaded.Server.Port)
	assert.Equal(t, "cm91bmQtdHJpcC1rZXk=", loaded.Vault.Key)
	assert.Equal(t, 30*time.Minute, loaded.Scheduler.TickInterval)
	assert.Equal(t, 3, loaded.Scheduler.MaxConcurrentSyncs)
	assert.True(t, loaded.Scheduler.Enabled)
	assert.Equal(t, "http://hooks.local/sync", loaded.Notifier.WebhookURL)
}
