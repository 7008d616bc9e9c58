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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "/var/lib/gantry", cfg.DataDir)
	assert.Equal(t, "/var/lib/gantry/gantry.db", cfg.DBPath)
	assert.Equal(t, "/var/lib/gantry/cargo", cfg.CargoDir)
	assert.Equal(t, "127.0.0.1:8820", cfg.Listen)
	assert.Equal(t, 10, cfg.DaemonTimeoutSeconds)
	assert.Equal(t, 90, cfg.HeartbeatWindowSeconds)
	assert.Equal(t, 30, cfg.HeartbeatSweepSeconds)
}

func TestLoad(t *testing.T) {
	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
listen: 0.0.0.0:9000
app_url: https://panel.example.com/
app_secret: s3cret
admin_token: root-token
user_tokens:
  abc123: user-1
daemon_timeout_seconds: 30
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
		assert.Equal(t, "https://panel.example.com", cfg.AppURL, "trailing slash trimmed")
		assert.Equal(t, "s3cret", cfg.AppSecret)
		assert.Equal(t, "root-token", cfg.AdminToken)
		assert.Equal(t, map[string]string{"abc123": "user-1"}, cfg.UserTokens)
		assert.Equal(t, 30, cfg.DaemonTimeoutSeconds)
		assert.Equal(t, 90, cfg.HeartbeatWindowSeconds, "unset fields keep defaults")
	})

	t.Run("data_dir rederives db and cargo paths", func(t *testing.T) {
		path := writeConfig(t, `
data_dir: /srv/gantry
app_url: http://panel.test
app_secret: s3cret
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/srv/gantry/gantry.db", cfg.DBPath)
		assert.Equal(t, "/srv/gantry/cargo", cfg.CargoDir)
	})

	t.Run("explicit db_path wins over data_dir", func(t *testing.T) {
		path := writeConfig(t, `
data_dir: /srv/gantry
db_path: /mnt/fast/gantry.db
app_url: http://panel.test
app_secret: s3cret
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/mnt/fast/gantry.db", cfg.DBPath)
		assert.Equal(t, "/srv/gantry/cargo", cfg.CargoDir)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "listen: [not\n")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.AppSecret = "s3cret"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("missing app secret", func(t *testing.T) {
		cfg := valid()
		cfg.AppSecret = ""
		assert.ErrorContains(t, cfg.Validate(), "app_secret")
	})

	t.Run("listen without port", func(t *testing.T) {
		cfg := valid()
		cfg.Listen = "localhost"
		assert.ErrorContains(t, cfg.Validate(), "listen")
	})

	t.Run("malformed metrics listen", func(t *testing.T) {
		cfg := valid()
		cfg.MetricsListen = "not a hostport"
		assert.ErrorContains(t, cfg.Validate(), "metrics_listen")
	})

	t.Run("relative app url", func(t *testing.T) {
		cfg := valid()
		cfg.AppURL = "/panel"
		assert.ErrorContains(t, cfg.Validate(), "app_url")
	})

	t.Run("non-positive heartbeat window", func(t *testing.T) {
		cfg := valid()
		cfg.HeartbeatWindowSeconds = 0
		assert.ErrorContains(t, cfg.Validate(), "heartbeat_window_seconds")
	})
}
