package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgnsrekt/logrelay/internal/config"
)

func TestLoadEnvFeedsConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.env")
	require.NoError(t, os.WriteFile(path, []byte("LOGRELAY_CLIENT_IDENTITY=env-user\nLOGRELAY_JWT_SECRET=from-env\n"), 0o600))

	t.Setenv("LOGRELAY_CLIENT_IDENTITY", "")
	require.NoError(t, os.Unsetenv("LOGRELAY_CLIENT_IDENTITY"))
	t.Setenv("LOGRELAY_JWT_SECRET", "")
	require.NoError(t, os.Unsetenv("LOGRELAY_JWT_SECRET"))

	require.NoError(t, loadEnv(path))

	c, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-user", c.Client.Identity)
	assert.Equal(t, "from-env", c.Server.JWTSecret)
}

func TestLoadEnvMissingFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	assert.NoError(t, loadEnv(""))
	assert.Error(t, loadEnv("does-not-exist.env"))
}

func TestSetupLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	l, err := setupLogger(false, &config.LoggingConfig{Enabled: true, Directory: dir, Level: "debug"}, "serve")
	require.NoError(t, err)
	l.Info("hello")
	_ = l.Sync()

	matches, err := filepath.Glob(filepath.Join(dir, "serve_*.log"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
