package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extensionhost/pkg/journal"
	"github.com/platinummonkey/extensionhost/pkg/plugins/sources"
)

// Manifest cache kinds
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Plugins       PluginsConfig
	Cache         CacheConfig
	S3            S3Config
	Journal       JournalConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// PublicURL is the base URL plugin processes use to call back into the host
	PublicURL string

	// Per-client limit on load, discover and unload requests per minute; 0 disables it
	RateLimit      int
	RateLimitBurst int
}

// PluginsConfig holds plugin runtime settings
type PluginsConfig struct {
	Root               string
	DiscoveryTimeout   time.Duration
	PluginTimeout      time.Duration
	ReadinessTimeout   time.Duration
	RegistrationGrace  time.Duration
	Watch              bool
	RediscoverSchedule string
	ModuleCacheDir     string
	SharedObjects      bool
	ProcessStopTimeout time.Duration
	DiscoverOnStartup  bool
}

// CacheConfig holds manifest cache settings
type CacheConfig struct {
	Kind     string
	Size     int
	TTL      time.Duration
	RedisURL string
}

// S3Config holds settings for s3:// plugin locations
type S3Config struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// JournalConfig holds lifecycle journal settings; an empty driver disables it
type JournalConfig struct {
	Driver string
	DSN    string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel string

	MetricsEnabled bool

	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string
	OTelInsecure    bool
	OTelSampleRatio float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Plugins:       loadPluginsConfig(),
		Cache:         loadCacheConfig(),
		S3:            loadS3Config(),
		Journal:       loadJournalConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	cfg := ServerConfig{
		Host:            getEnv("EXTHOST_HOST", "0.0.0.0"),
		Port:            getEnv("EXTHOST_PORT", "8080"),
		ReadTimeout:     getEnvDuration("EXTHOST_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("EXTHOST_WRITE_TIMEOUT", 0),
		IdleTimeout:     getEnvDuration("EXTHOST_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("EXTHOST_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("EXTHOST_HEALTH_PORT", "9090"),
		RateLimit:       getEnvInt("EXTHOST_RATE_LIMIT", 60),
		RateLimitBurst:  getEnvInt("EXTHOST_RATE_LIMIT_BURST", 10),
	}
	cfg.PublicURL = strings.TrimRight(getEnv("EXTHOST_PUBLIC_URL", "http://127.0.0.1:"+cfg.Port), "/")
	return cfg
}

func loadPluginsConfig() PluginsConfig {
	return PluginsConfig{
		Root:               getEnv("EXTHOST_PLUGIN_ROOT", "./plugins"),
		DiscoveryTimeout:   getEnvDuration("EXTHOST_DISCOVERY_TIMEOUT", 2*time.Second),
		PluginTimeout:      getEnvDuration("EXTHOST_PLUGIN_TIMEOUT", 3*time.Second),
		ReadinessTimeout:   getEnvDuration("EXTHOST_READINESS_TIMEOUT", 5*time.Second),
		RegistrationGrace:  getEnvDuration("EXTHOST_REGISTRATION_GRACE", 2*time.Second),
		Watch:              getEnvBool("EXTHOST_WATCH", false),
		RediscoverSchedule: getEnv("EXTHOST_REDISCOVER_SCHEDULE", ""),
		ModuleCacheDir:     getEnv("EXTHOST_MODULE_CACHE_DIR", ""),
		SharedObjects:      getEnvBool("EXTHOST_SHARED_OBJECTS", true),
		ProcessStopTimeout: getEnvDuration("EXTHOST_PROCESS_STOP_TIMEOUT", 5*time.Second),
		DiscoverOnStartup:  getEnvBool("EXTHOST_DISCOVER_ON_STARTUP", true),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Kind:     strings.ToLower(getEnv("EXTHOST_MANIFEST_CACHE", CacheMemory)),
		Size:     getEnvInt("EXTHOST_MANIFEST_CACHE_SIZE", 256),
		TTL:      getEnvDuration("EXTHOST_MANIFEST_CACHE_TTL", 10*time.Minute),
		RedisURL: getEnv("EXTHOST_REDIS_URL", ""),
	}
}

func loadS3Config() S3Config {
	return S3Config{
		Region:       getEnv("EXTHOST_S3_REGION", "us-east-1"),
		Endpoint:     getEnv("EXTHOST_S3_ENDPOINT", ""),
		AccessKey:    getEnv("EXTHOST_S3_ACCESS_KEY", ""),
		SecretKey:    getEnv("EXTHOST_S3_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("EXTHOST_S3_USE_PATH_STYLE", false),
	}
}

func loadJournalConfig() JournalConfig {
	return JournalConfig{
		Driver: getEnv("EXTHOST_JOURNAL_DRIVER", ""),
		DSN:    getEnv("EXTHOST_JOURNAL_DSN", ""),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:        strings.ToLower(getEnv("EXTHOST_LOG_LEVEL", "info")),
		MetricsEnabled:  getEnvBool("EXTHOST_METRICS_ENABLED", true),
		OTelEnabled:     getEnvBool("EXTHOST_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("EXTHOST_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName: getEnv("EXTHOST_OTEL_SERVICE_NAME", "extension-host"),
		OTelInsecure:    getEnvBool("EXTHOST_OTEL_INSECURE", true),
		OTelSampleRatio: getEnvFloat("EXTHOST_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Server.RateLimit < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("rate limit and burst cannot be negative")
	}

	if c.Plugins.Root == "" {
		return fmt.Errorf("plugin root is required")
	}
	if sources.Scheme(c.Plugins.Root) == sources.SchemeBuiltin {
		return fmt.Errorf("plugin root cannot be a builtin location")
	}
	for name, d := range map[string]time.Duration{
		"discovery timeout":    c.Plugins.DiscoveryTimeout,
		"plugin timeout":       c.Plugins.PluginTimeout,
		"readiness timeout":    c.Plugins.ReadinessTimeout,
		"registration grace":   c.Plugins.RegistrationGrace,
		"process stop timeout": c.Plugins.ProcessStopTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Plugins.RediscoverSchedule != "" {
		if _, err := cron.ParseStandard(c.Plugins.RediscoverSchedule); err != nil {
			return fmt.Errorf("invalid rediscover schedule %q: %w", c.Plugins.RediscoverSchedule, err)
		}
	}
	if c.Plugins.Watch && sources.Scheme(c.Plugins.Root) != sources.SchemeFile {
		return fmt.Errorf("watching requires a local plugin root")
	}

	switch c.Cache.Kind {
	case CacheMemory, CacheNone:
	case CacheRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis manifest cache")
		}
	default:
		return fmt.Errorf("invalid manifest cache: %s (must be memory, redis, or none)", c.Cache.Kind)
	}

	switch c.Journal.Driver {
	case "":
	case journal.DriverPostgres, journal.DriverSQLite:
		if c.Journal.DSN == "" {
			return fmt.Errorf("journal DSN is required for driver %s", c.Journal.Driver)
		}
	default:
		return fmt.Errorf("invalid journal driver: %s (must be postgres or sqlite3)", c.Journal.Driver)
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

// RegisterURL is the endpoint plugin processes register at
func (c *Config) RegisterURL() string {
	return c.Server.PublicURL + "/api/v1/plugins/register"
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
