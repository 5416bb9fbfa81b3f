// Package cache provides manifest caches keyed by plugin location.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

const (
	DefaultSize = 256
	DefaultTTL  = 10 * time.Minute
)

// Config holds manifest cache settings
type Config struct {
	Size int
	TTL  time.Duration
}

// DefaultConfig returns the default cache settings
func DefaultConfig() Config {
	return Config{Size: DefaultSize, TTL: DefaultTTL}
}

// Stats holds cache statistics
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	ItemCount int64   `json:"itemCount"`
	HitRate   float64 `json:"hitRate"`
}

// MemoryCache is an in-process LRU manifest cache with TTL expiry
type MemoryCache struct {
	cache  *lru.LRU[string, *plugins.Manifest]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewMemoryCache creates a memory cache; zero config values take defaults
func NewMemoryCache(cfg Config) *MemoryCache {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	return &MemoryCache{
		cache: lru.NewLRU[string, *plugins.Manifest](cfg.Size, nil, cfg.TTL),
	}
}

// Get returns a copy of the cached manifest for location
func (c *MemoryCache) Get(ctx context.Context, location string) (*plugins.Manifest, bool) {
	manifest, ok := c.cache.Get(location)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return manifest.Clone(), true
}

// Set stores a copy of manifest for location
func (c *MemoryCache) Set(ctx context.Context, location string, manifest *plugins.Manifest) {
	if manifest == nil {
		return
	}
	c.cache.Add(location, manifest.Clone())
}

// Delete removes the manifest cached for location
func (c *MemoryCache) Delete(ctx context.Context, location string) {
	c.cache.Remove(location)
}

// Purge drops every cached manifest
func (c *MemoryCache) Purge() {
	c.cache.Purge()
}

// Stats returns cache statistics
func (c *MemoryCache) Stats() Stats {
	stats := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: int64(c.cache.Len()),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
