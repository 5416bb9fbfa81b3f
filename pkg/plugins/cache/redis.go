package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

const defaultKeyPrefix = "exthost:manifest:"

// NewRedisClient connects to the redis server at url and verifies the connection
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// RedisCache shares fetched manifests between host instances through redis
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logrus.Logger
}

// NewRedisCache creates a redis-backed manifest cache
func NewRedisCache(client *redis.Client, ttl time.Duration, log *logrus.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logrus.New()
	}

	return &RedisCache{
		client: client,
		prefix: defaultKeyPrefix,
		ttl:    ttl,
		log:    log,
	}
}

func (c *RedisCache) key(location string) string {
	return c.prefix + location
}

// Get returns the cached manifest for location. Redis errors count as misses.
func (c *RedisCache) Get(ctx context.Context, location string) (*plugins.Manifest, bool) {
	key := c.key(location)

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	} else if err != nil {
		c.log.WithField("location", location).WithError(err).Warn("Redis manifest cache get failed")
		return nil, false
	}

	var manifest plugins.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		c.client.Del(ctx, key)
		c.log.WithField("location", location).WithError(err).Warn("Dropped corrupt cached manifest")
		return nil, false
	}

	return &manifest, true
}

// Set stores manifest for location with the cache TTL
func (c *RedisCache) Set(ctx context.Context, location string, manifest *plugins.Manifest) {
	if manifest == nil {
		return
	}

	data, err := json.Marshal(manifest)
	if err != nil {
		c.log.WithField("location", location).WithError(err).Warn("Failed to marshal manifest for cache")
		return
	}

	if err := c.client.Set(ctx, c.key(location), data, c.ttl).Err(); err != nil {
		c.log.WithField("location", location).WithError(err).Warn("Redis manifest cache set failed")
	}
}

// Delete removes the manifest cached for location
func (c *RedisCache) Delete(ctx context.Context, location string) {
	if err := c.client.Del(ctx, c.key(location)).Err(); err != nil {
		c.log.WithField("location", location).WithError(err).Warn("Redis manifest cache delete failed")
	}
}

// HealthCheck verifies redis connectivity
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
