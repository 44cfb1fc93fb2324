package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	assert.True(t, v)

	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err = envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)

	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err = envDuration("TEST_DUR_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_DUR_BAD="five-seconds" is not a valid duration`, err.Error())
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7420, cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.RegistryDriver)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 200, cfg.PollLimit)
	assert.Equal(t, 500, cfg.StreamRetention)
	assert.NotEmpty(t, cfg.SQLitePath)
}

func TestLoadReportsEveryInvalidVar(t *testing.T) {
	t.Setenv("HEARTH_PORT", "abc")
	t.Setenv("HEARTH_POLL_INTERVAL", "often")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `HEARTH_PORT="abc"`)
	assert.Contains(t, err.Error(), `HEARTH_POLL_INTERVAL="often"`)
}

func TestLoadPostgresRequiresDatabaseURL(t *testing.T) {
	t.Setenv("HEARTH_REGISTRY_DRIVER", "postgres")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")

	t.Setenv("DATABASE_URL", "postgres://hearth@localhost/hearth")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.RegistryDriver)
}

func TestValidate(t *testing.T) {
	base := Config{
		Port: 7420, KernelURL: "http://localhost:7411", RegistryDriver: DriverSQLite, SQLitePath: "x.db",
		PollInterval: time.Second, PollLimit: 1, StreamRetention: 1, MaxRequestBodyBytes: 1, NoticeCapacity: 1,
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative kernel url", func(c *Config) { c.KernelURL = "localhost" }, "HEARTH_KERNEL_URL"},
		{"unknown driver", func(c *Config) { c.RegistryDriver = "mysql" }, "HEARTH_REGISTRY_DRIVER"},
		{"short secret", func(c *Config) { c.APISecret = "short" }, "HEARTH_API_SECRET"},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }, "HEARTH_POLL_INTERVAL"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "HEARTH_PORT"},
		{"negative rate", func(c *Config) { c.RateLimitPerMinute = -1 }, "HEARTH_RATE_LIMIT"},
		{"rate without burst", func(c *Config) { c.RateLimitPerMinute = 10 }, "HEARTH_RATE_BURST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDotenvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("HEARTH_TEST_A=from-file\nHEARTH_TEST_B=from-file\n"), 0o600))
	t.Setenv("HEARTH_TEST_A", "from-env")
	t.Setenv("HEARTH_TEST_B", "")
	require.NoError(t, os.Unsetenv("HEARTH_TEST_B"))

	require.NoError(t, LoadDotenv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-env", os.Getenv("HEARTH_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("HEARTH_TEST_B"))
	require.NoError(t, os.Unsetenv("HEARTH_TEST_B"))
}
