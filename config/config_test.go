package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
database:
  dsn: "file:test.db"
sync:
  reconnect_delay: 2s
  poll_interval: 1m
plans:
  grace_days: 5
auth:
  signing_key: "0123456789abcdef0123"
transport:
  kind: ws
  url: "ws://localhost:9090/feeds"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileWithDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML), "")
	require.NoError(t, err)

	assert.Equal(t, "file:test.db", cfg.Database.DSN)
	assert.Equal(t, 2*time.Second, cfg.GetReconnectDelay())
	assert.Equal(t, time.Minute, cfg.GetPollInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.GetAccountReloadDelay())
	assert.Equal(t, 300*time.Millisecond, cfg.GetRecountDelay())
	assert.Equal(t, 4*time.Second, cfg.GetProfileTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetSessionTimeout())
	assert.Equal(t, 5*24*time.Hour, cfg.GetGracePeriod())
	assert.Equal(t, 10, cfg.GetDefaultFreeProductLimit())
	assert.Nil(t, cfg.Location())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STOREFRONT_SYNC__POLL_INTERVAL", "45s")
	t.Setenv("STOREFRONT_PLANS__GRACE_DAYS", "3")
	t.Setenv("STOREFRONT_TRANSPORT__KIND", "redis")
	t.Setenv("STOREFRONT_TRANSPORT__REDIS_ADDR", "localhost:6379")

	envFile := writeFile(t, ".env", "STOREFRONT_PLANS__LOCATION=UTC\n")
	t.Cleanup(func() { os.Unsetenv("STOREFRONT_PLANS__LOCATION") })

	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML), envFile)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.GetPollInterval())
	assert.Equal(t, 3*24*time.Hour, cfg.GetGracePeriod())
	assert.Equal(t, TransportRedis, cfg.Transport.Kind)
	require.NotNil(t, cfg.Location())
	assert.Equal(t, "UTC", cfg.Location().String())
}

func TestLoadInvalid(t *testing.T) {
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("STOREFRONT_SYNC__RECOUNT_DELAY", "soon")
		_, err := Load(writeFile(t, "config.yaml", sampleYAML), "")
		assert.Error(t, err)
	})

	t.Run("short signing key", func(t *testing.T) {
		t.Setenv("STOREFRONT_AUTH__SIGNING_KEY", "short")
		_, err := Load(writeFile(t, "config.yaml", sampleYAML), "")
		assert.Error(t, err)
	})

	t.Run("redis without address", func(t *testing.T) {
		t.Setenv("STOREFRONT_TRANSPORT__KIND", "redis")
		_, err := Load(writeFile(t, "config.yaml", sampleYAML), "")
		assert.Error(t, err)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := Load(writeFile(t, "config.yaml", sampleYAML+"bogus: 1\n"), "")
		assert.Error(t, err)
	})

	t.Run("nested unknown field", func(t *testing.T) {
		_, err := Load(writeFile(t, "config.yaml", sampleYAML+"metrics:\n  port: 9\n"), "")
		assert.Error(t, err)
	})

	t.Run("bad integer", func(t *testing.T) {
		t.Setenv("STOREFRONT_PLANS__GRACE_DAYS", "three")
		_, err := Load(writeFile(t, "config.yaml", sampleYAML), "")
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
		assert.Error(t, err)
	})
}

func TestLoadIgnoresDaemonVariables(t *testing.T) {
	t.Setenv("STOREFRONT_CONFIG", "/etc/storefront.yaml")
	t.Setenv("STOREFRONT_ENV_FILE", ".env.local")
	t.Setenv("STOREFRONT_LOG_LEVEL", "debug")

	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML), "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "sync.poll_interval", envKey("STOREFRONT_SYNC__POLL_INTERVAL"))
	assert.Equal(t, "log_level", envKey("STOREFRONT_LOG_LEVEL"))
}

func TestWriteRoundTrip(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", sampleYAML), "")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, cfg.Write(&buf))
	assert.Contains(t, buf.String(), "reconnect_delay: 2s")

	again, err := Load(writeFile(t, "again.yaml", buf.String()), "")
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}
