// Package config loads the extension host configuration from environment variables.
//
// Every setting has a default, so an empty environment yields a host that
// discovers plugins under ./plugins and serves the API on :8080.
//
// Server settings:
//
//	EXTHOST_HOST="0.0.0.0"
//	EXTHOST_PORT="8080"
//	EXTHOST_HEALTH_PORT="9090"
//	EXTHOST_PUBLIC_URL="http://127.0.0.1:8080"
//	EXTHOST_SHUTDOWN_TIMEOUT="30s"
//	EXTHOST_RATE_LIMIT="60"  # load/discover/unload requests per client per minute, 0 disables
//	EXTHOST_RATE_LIMIT_BURST="10"
//
// Plugin settings:
//
//	EXTHOST_PLUGIN_ROOT="./plugins"  # local directory, http(s):// or s3://
//	EXTHOST_DISCOVERY_TIMEOUT="2s"
//	EXTHOST_PLUGIN_TIMEOUT="3s"
//	EXTHOST_READINESS_TIMEOUT="5s"
//	EXTHOST_REGISTRATION_GRACE="2s"
//	EXTHOST_WATCH="false"
//	EXTHOST_REDISCOVER_SCHEDULE="*/5 * * * *"
//
// Manifest cache settings:
//
//	EXTHOST_MANIFEST_CACHE="memory"  # memory, redis, none
//	EXTHOST_MANIFEST_CACHE_SIZE="256"
//	EXTHOST_MANIFEST_CACHE_TTL="10m"
//	EXTHOST_REDIS_URL="redis://localhost:6379/0"
//
// Journal settings:
//
//	EXTHOST_JOURNAL_DRIVER="postgres"  # postgres, sqlite3, or empty to disable
//	EXTHOST_JOURNAL_DSN="postgres://localhost/exthost?sslmode=disable"
//
// Observability settings:
//
//	EXTHOST_LOG_LEVEL="info"
//	EXTHOST_METRICS_ENABLED="true"
//	EXTHOST_OTEL_ENABLED="false"
//	EXTHOST_OTEL_ENDPOINT="otel-collector:4317"
//
// Usage:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
