package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Client.Batch.SizeThreshold)
	assert.Equal(t, 2500*time.Millisecond, cfg.Client.Batch.TimeThreshold)
	assert.Equal(t, time.Second, cfg.Client.Reconnect.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Client.Reconnect.MaxDelay)
	assert.Equal(t, 2.0, cfg.Client.Reconnect.Multiplier)
	assert.Equal(t, 5, cfg.Client.Reconnect.MaxAttempts)
	assert.True(t, cfg.Client.AutoReconnect)
	assert.True(t, cfg.Client.Destinations.Friends)

	assert.Equal(t, 30, cfg.Server.HTTPRateLimit)
	assert.Equal(t, 60*time.Second, cfg.Server.HTTPRateWindow)
	assert.Equal(t, 60*time.Second, cfg.Server.MessageRateWindow)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LOGRELAY_JWT_SECRET", "s3cret")
	t.Setenv("LOGRELAY_CLIENT_IDENTITY", "user-7")
	t.Setenv("LOGRELAY_CLIENT_BATCH_SIZE_THRESHOLD", "16")
	t.Setenv("LOGRELAY_SERVER_MESSAGE_RATE_LIMIT", "40")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, "user-7", cfg.Client.Identity)
	assert.Equal(t, 16, cfg.Client.Batch.SizeThreshold)
	assert.Equal(t, 40, cfg.Server.MessageRateLimit)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logrelay.yaml")
	content := `
client:
  url: wss://relay.example.com/ws
  identity: user-9
  batch:
    size_threshold: 4
    time_threshold: 1s
  destinations:
    friends: false
    groups: [raid-night, guild]
server:
  http_rate_limit: 10
  trusted_proxies: [10.0.0.0/8, 192.0.2.1]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://relay.example.com/ws", cfg.Client.URL)
	assert.Equal(t, 4, cfg.Client.Batch.SizeThreshold)
	assert.Equal(t, time.Second, cfg.Client.Batch.TimeThreshold)
	assert.False(t, cfg.Client.Destinations.Friends)
	assert.Equal(t, []string{"raid-night", "guild"}, cfg.Client.Destinations.Groups)
	assert.Equal(t, 10, cfg.Server.HTTPRateLimit)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.1"}, cfg.Server.TrustedProxies)
	require.NoError(t, cfg.ValidateClient())
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("LOGRELAY_CLIENT_BATCH_SIZE_THRESHOLD", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size_threshold")
}

func TestValidateClient(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.ErrorContains(t, cfg.ValidateClient(), "identity")

	cfg.Client.Identity = "user-1"
	cfg.Client.URL = "http://localhost:8080/ws"
	assert.ErrorContains(t, cfg.ValidateClient(), "ws or wss")

	cfg.Client.URL = "ws://localhost:8080/ws"
	assert.NoError(t, cfg.ValidateClient())
}

func TestNotifyValidate(t *testing.T) {
	n := NotifyConfig{Enabled: true, Priority: "default"}
	assert.ErrorContains(t, n.Validate(), "topic")

	n.Topic = "relay-alerts"
	n.Priority = "extreme"
	assert.ErrorContains(t, n.Validate(), "priority")

	n.Priority = "high"
	assert.NoError(t, n.Validate())

	assert.NoError(t, (&NotifyConfig{}).Validate())
}
