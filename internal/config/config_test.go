package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval())
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, 1440, cfg.Session.MaxPolls)
	assert.Equal(t, 3*time.Second, cfg.ResetDelay())
	assert.Equal(t, 2*time.Hour, cfg.Retention())
	assert.Equal(t, "127.0.0.1:8088", cfg.WebUI.Listen)
	assert.Equal(t, 30*time.Second, cfg.BackendTimeout())
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
  base_url: http://scanner.internal/api
  token: from-file
  max_rps: 4
session:
  poll_interval_ms: 1000
log_level: debug
`), 0o600))

	t.Setenv("SCANCONSOLE_API_TOKEN", "from-env")
	t.Setenv("DATABASE_DSN", "postgres://scan@localhost/scans")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://scanner.internal/api", cfg.Backend.BaseURL)
	assert.Equal(t, "from-env", cfg.Backend.Token)
	assert.Equal(t, 4.0, cfg.Backend.MaxRPS)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, "postgres://scan@localhost/scans", cfg.Database.DSN)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: [unterminated"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
