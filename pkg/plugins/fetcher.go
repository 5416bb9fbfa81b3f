package plugins

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("extensionhost/plugins")

// Transport reads a file relative to a plugin location.
// Implementations return an error wrapping ErrNotFound for missing resources.
type Transport interface {
	ReadFile(ctx context.Context, location, name string) ([]byte, error)
}

// ManifestCache stores fetched manifests keyed by location
type ManifestCache interface {
	Get(ctx context.Context, location string) (*Manifest, bool)
	Set(ctx context.Context, location string, manifest *Manifest)
	Delete(ctx context.Context, location string)
}

// Fetcher retrieves and parses plugin manifests
type Fetcher struct {
	transport Transport
	cache     ManifestCache
	metrics   *Metrics
	log       *logrus.Logger
}

// FetcherOption configures a Fetcher
type FetcherOption func(*Fetcher)

// WithManifestCache sets the cache consulted before the transport
func WithManifestCache(cache ManifestCache) FetcherOption {
	return func(f *Fetcher) {
		f.cache = cache
	}
}

// WithFetcherMetrics records cache hits and misses
func WithFetcherMetrics(metrics *Metrics) FetcherOption {
	return func(f *Fetcher) {
		f.metrics = metrics
	}
}

// NewFetcher creates a manifest fetcher on top of a transport
func NewFetcher(transport Transport, log *logrus.Logger, opts ...FetcherOption) *Fetcher {
	if log == nil {
		log = logrus.New()
	}

	f := &Fetcher{
		transport: transport,
		log:       log,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves the manifest at location. Every failure wraps ErrManifestUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, location string) (*Manifest, error) {
	ctx, span := tracer.Start(ctx, "Fetcher.Fetch",
		trace.WithAttributes(attribute.String("plugin.location", location)),
	)
	defer span.End()

	if f.cache != nil {
		if manifest, ok := f.cache.Get(ctx, location); ok {
			f.metrics.cacheLookup(true)
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return manifest.Clone(), nil
		}
		f.metrics.cacheLookup(false)
	}

	manifest, err := f.fetch(ctx, location)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "manifest unavailable")
		return nil, err
	}

	if f.cache != nil {
		f.cache.Set(ctx, location, manifest)
	}

	return manifest.Clone(), nil
}

func (f *Fetcher) fetch(ctx context.Context, location string) (*Manifest, error) {
	var firstErr error

	for _, file := range ManifestFiles {
		data, err := f.transport.ReadFile(ctx, location, file.Name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrManifestUnavailable, location, err)
		}

		manifest, err := ParseManifest(data, file.Format)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %w", ErrManifestUnavailable, location, file.Name, err)
		}

		f.log.WithFields(logrus.Fields{
			"location": location,
			"plugin":   manifest.Name,
			"file":     file.Name,
		}).Debug("Fetched plugin manifest")

		return manifest, nil
	}

	if firstErr == nil {
		firstErr = ErrNotFound
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrManifestUnavailable, location, firstErr)
}

// Invalidate drops any cached manifest for location
func (f *Fetcher) Invalidate(ctx context.Context, location string) {
	if f.cache != nil {
		f.cache.Delete(ctx, location)
	}
}
