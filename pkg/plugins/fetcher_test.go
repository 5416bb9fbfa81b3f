package plugins

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*Manifest
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*Manifest)}
}

func (c *mapCache) Get(ctx context.Context, location string) (*Manifest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[location]
	return m, ok
}

func (c *mapCache) Set(ctx context.Context, location string, manifest *Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[location] = manifest
}

func (c *mapCache) Delete(ctx context.Context, location string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, location)
}

func TestFetcher_FetchJSON(t *testing.T) {
	transport := newMemTransport()
	transport.put("plugins/media", "config.json", manifestJSON("media"))

	fetcher := NewFetcher(transport, quietLogger())
	manifest, err := fetcher.Fetch(context.Background(), "plugins/media")
	require.NoError(t, err)
	assert.Equal(t, "media", manifest.Name)
	assert.Equal(t, "1.0.0", manifest.Version)
}

func TestFetcher_FallsBackToYAML(t *testing.T) {
	transport := newMemTransport()
	transport.put("plugins/media", "config.yml", `
name: media
version: 2.0.0
displayName: Media
routes:
  - path: /
    component: Gallery
`)

	fetcher := NewFetcher(transport, nil)
	manifest, err := fetcher.Fetch(context.Background(), "plugins/media")
	require.NoError(t, err)
	assert.Equal(t, "media", manifest.Name)
	assert.Equal(t, "Gallery", manifest.Routes[0].Component)
	assert.Equal(t, 3, transport.readCount("plugins/media"))
}

func TestFetcher_NotFound(t *testing.T) {
	fetcher := NewFetcher(newMemTransport(), quietLogger())

	_, err := fetcher.Fetch(context.Background(), "plugins/none")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManifestUnavailable)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetcher_InvalidManifest(t *testing.T) {
	transport := newMemTransport()
	transport.put("plugins/bad", "config.json", `{"name": "bad"}`)

	fetcher := NewFetcher(transport, quietLogger())
	_, err := fetcher.Fetch(context.Background(), "plugins/bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManifestUnavailable)
	assert.ErrorIs(t, err, ErrInvalidManifest)
}

func TestFetcher_TransportError(t *testing.T) {
	transport := newMemTransport()
	transport.put("plugins/media", "config.yaml", "name: media")
	transport.fail("plugins/media", errBoom)

	fetcher := NewFetcher(transport, quietLogger())
	_, err := fetcher.Fetch(context.Background(), "plugins/media")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManifestUnavailable)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, transport.readCount("plugins/media"))
}

func TestFetcher_Cache(t *testing.T) {
	transport := newMemTransport()
	transport.put("plugins/media", "config.json", manifestJSON("media"))

	cache := newMapCache()
	metrics := NewMetrics(prometheus.NewRegistry())
	fetcher := NewFetcher(transport, quietLogger(), WithManifestCache(cache), WithFetcherMetrics(metrics))
	ctx := context.Background()

	first, err := fetcher.Fetch(ctx, "plugins/media")
	require.NoError(t, err)
	first.Name = "mutated"

	second, err := fetcher.Fetch(ctx, "plugins/media")
	require.NoError(t, err)
	assert.Equal(t, "media", second.Name)
	assert.Equal(t, 1, transport.readCount("plugins/media"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ManifestCacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ManifestCacheMisses))

	fetcher.Invalidate(ctx, "plugins/media")
	_, err = fetcher.Fetch(ctx, "plugins/media")
	require.NoError(t, err)
	assert.Equal(t, 2, transport.readCount("plugins/media"))
}

func TestFetcher_FailuresAreNotCached(t *testing.T) {
	transport := newMemTransport()
	cache := newMapCache()
	fetcher := NewFetcher(transport, quietLogger(), WithManifestCache(cache))
	ctx := context.Background()

	_, err := fetcher.Fetch(ctx, "plugins/media")
	require.Error(t, err)

	transport.put("plugins/media", "config.json", manifestJSON("media"))
	manifest, err := fetcher.Fetch(ctx, "plugins/media")
	require.NoError(t, err)
	assert.Equal(t, "media", manifest.Name)
}
