package agentconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FileThenEnvOverride(t *testing.T) {
	path := writeConfig(t, `
device_token: file-token
cloud_url: https://file.example.com
heartbeat_interval_seconds: 20
`)
	t.Setenv("CLOUD_URL", "https://env.example.com")
	t.Setenv("DEVICE_TOKEN", "")

	store, err := Load(path)
	require.NoError(t, err)

	cfg := store.Get()
	assert.Equal(t, "file-token", cfg.DeviceToken)
	assert.Equal(t, "https://env.example.com", cfg.CloudURL) // env wins
	assert.Equal(t, 20, cfg.HeartbeatIntervalSeconds)
}

func TestLoad_MissingDeviceTokenIsFatal(t *testing.T) {
	t.Setenv("DEVICE_TOKEN", "")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_EnvOnlyWithoutFile(t *testing.T) {
	t.Setenv("DEVICE_TOKEN", "env-token")
	t.Setenv("HEARTBEAT_INTERVAL_SECONDS", "25")

	store, err := Load("")
	require.NoError(t, err)

	cfg := store.Get()
	assert.Equal(t, "env-token", cfg.DeviceToken)
	assert.Equal(t, 25, cfg.HeartbeatIntervalSeconds)
	assert.Equal(t, 50, cfg.ScanWorkers)
}

func TestReload_IgnoresTokenAndCloudURLChanges(t *testing.T) {
	t.Setenv("DEVICE_TOKEN", "")
	path := writeConfig(t, `
device_token: original-token
cloud_url: https://original.example.com
heartbeat_interval_seconds: 15
`)

	store, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
device_token: swapped-token
cloud_url: https://swapped.example.com
heartbeat_interval_seconds: 30
`), 0o600))
	store.reload()

	cfg := store.Get()
	assert.Equal(t, "original-token", cfg.DeviceToken)
	assert.Equal(t, "https://original.example.com", cfg.CloudURL)
	assert.Equal(t, 30, cfg.HeartbeatIntervalSeconds) // live-safe field applied
}
