package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("EXTHOST_TEST_STRING", "custom")
	t.Setenv("EXTHOST_TEST_BOOL", "1")
	t.Setenv("EXTHOST_TEST_INT", "42")
	t.Setenv("EXTHOST_TEST_BAD_INT", "forty-two")
	t.Setenv("EXTHOST_TEST_FLOAT", "0.25")
	t.Setenv("EXTHOST_TEST_DURATION", "250ms")
	t.Setenv("EXTHOST_TEST_BAD_DURATION", "soon")

	assert.Equal(t, "custom", getEnv("EXTHOST_TEST_STRING", "default"))
	assert.Equal(t, "default", getEnv("EXTHOST_TEST_UNSET", "default"))

	assert.True(t, getEnvBool("EXTHOST_TEST_BOOL", false))
	assert.True(t, getEnvBool("EXTHOST_TEST_UNSET", true))

	assert.Equal(t, 42, getEnvInt("EXTHOST_TEST_INT", 7))
	assert.Equal(t, 7, getEnvInt("EXTHOST_TEST_BAD_INT", 7))

	assert.Equal(t, 0.25, getEnvFloat("EXTHOST_TEST_FLOAT", 1))
	assert.Equal(t, 1.0, getEnvFloat("EXTHOST_TEST_STRING", 1))

	assert.Equal(t, 250*time.Millisecond, getEnvDuration("EXTHOST_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("EXTHOST_TEST_BAD_DURATION", time.Second))
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Server.PublicURL)
	assert.Equal(t, "http://127.0.0.1:8080/api/v1/plugins/register", cfg.RegisterURL())

	assert.Equal(t, 60, cfg.Server.RateLimit)
	assert.Equal(t, 10, cfg.Server.RateLimitBurst)

	assert.Equal(t, "./plugins", cfg.Plugins.Root)
	assert.Equal(t, 2*time.Second, cfg.Plugins.DiscoveryTimeout)
	assert.Equal(t, 3*time.Second, cfg.Plugins.PluginTimeout)
	assert.Equal(t, 5*time.Second, cfg.Plugins.ReadinessTimeout)
	assert.Equal(t, 2*time.Second, cfg.Plugins.RegistrationGrace)
	assert.False(t, cfg.Plugins.Watch)
	assert.True(t, cfg.Plugins.SharedObjects)
	assert.True(t, cfg.Plugins.DiscoverOnStartup)

	assert.Equal(t, CacheMemory, cfg.Cache.Kind)
	assert.Equal(t, 256, cfg.Cache.Size)
	assert.Empty(t, cfg.Journal.Driver)
	assert.Equal(t, "info", cfg.Observability.LogLevel)
	assert.True(t, cfg.Observability.MetricsEnabled)
	assert.False(t, cfg.Observability.OTelEnabled)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("EXTHOST_PORT", "8000")
	t.Setenv("EXTHOST_PUBLIC_URL", "https://host.example.com/")
	t.Setenv("EXTHOST_PLUGIN_ROOT", "s3://extensions/prod")
	t.Setenv("EXTHOST_PLUGIN_TIMEOUT", "10s")
	t.Setenv("EXTHOST_REDISCOVER_SCHEDULE", "*/5 * * * *")
	t.Setenv("EXTHOST_MANIFEST_CACHE", "REDIS")
	t.Setenv("EXTHOST_REDIS_URL", "redis://localhost:6379/1")
	t.Setenv("EXTHOST_JOURNAL_DRIVER", "sqlite3")
	t.Setenv("EXTHOST_JOURNAL_DSN", "file:journal.db")
	t.Setenv("EXTHOST_LOG_LEVEL", "DEBUG")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "https://host.example.com/api/v1/plugins/register", cfg.RegisterURL())
	assert.Equal(t, "s3://extensions/prod", cfg.Plugins.Root)
	assert.Equal(t, 10*time.Second, cfg.Plugins.PluginTimeout)
	assert.Equal(t, "*/5 * * * *", cfg.Plugins.RediscoverSchedule)
	assert.Equal(t, CacheRedis, cfg.Cache.Kind)
	assert.Equal(t, "sqlite3", cfg.Journal.Driver)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "same server and health port",
			mutate:  func(c *Config) { c.Server.HealthPort = c.Server.Port },
			wantErr: "must be different",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.Server.RateLimit = -1 },
			wantErr: "cannot be negative",
		},
		{
			name:    "missing plugin root",
			mutate:  func(c *Config) { c.Plugins.Root = "" },
			wantErr: "plugin root is required",
		},
		{
			name:    "builtin plugin root",
			mutate:  func(c *Config) { c.Plugins.Root = "builtin://media" },
			wantErr: "builtin",
		},
		{
			name:    "zero plugin timeout",
			mutate:  func(c *Config) { c.Plugins.PluginTimeout = 0 },
			wantErr: "plugin timeout must be positive",
		},
		{
			name:    "negative registration grace",
			mutate:  func(c *Config) { c.Plugins.RegistrationGrace = -time.Second },
			wantErr: "registration grace must be positive",
		},
		{
			name:    "bad schedule",
			mutate:  func(c *Config) { c.Plugins.RediscoverSchedule = "every minute" },
			wantErr: "invalid rediscover schedule",
		},
		{
			name: "watching a remote root",
			mutate: func(c *Config) {
				c.Plugins.Root = "https://cdn.example.com/plugins"
				c.Plugins.Watch = true
			},
			wantErr: "local plugin root",
		},
		{
			name:    "unknown cache",
			mutate:  func(c *Config) { c.Cache.Kind = "memcached" },
			wantErr: "invalid manifest cache",
		},
		{
			name:    "redis cache without url",
			mutate:  func(c *Config) { c.Cache.Kind = CacheRedis },
			wantErr: "redis URL is required",
		},
		{
			name:    "journal without dsn",
			mutate:  func(c *Config) { c.Journal.Driver = "postgres" },
			wantErr: "journal DSN is required",
		},
		{
			name: "unknown journal driver",
			mutate: func(c *Config) {
				c.Journal.Driver = "mysql"
				c.Journal.DSN = "root@/exthost"
			},
			wantErr: "invalid journal driver",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Observability.LogLevel = "loud" },
			wantErr: "invalid log level",
		},
		{
			name: "otel without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelEndpoint = ""
			},
			wantErr: "endpoint is required",
		},
		{
			name: "otel sample ratio out of range",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelSampleRatio = 1.5
			},
			wantErr: "sample ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_AcceptsOptionalSettings(t *testing.T) {
	cfg := validConfig(t)
	cfg.Cache.Kind = CacheNone
	cfg.Plugins.Watch = true
	cfg.Plugins.RediscoverSchedule = "@every 1m"
	cfg.Journal.Driver = "postgres"
	cfg.Journal.DSN = "postgres://localhost/exthost"

	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Setenv("EXTHOST_MANIFEST_CACHE", "redis")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}
