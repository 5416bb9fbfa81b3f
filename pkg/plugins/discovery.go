package plugins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultEnumerationTimeout bounds the candidate listing of a discovery pass
	DefaultEnumerationTimeout = 2 * time.Second

	// DefaultPluginTimeout bounds each individual load attempt of a discovery pass
	DefaultPluginTimeout = 3 * time.Second
)

// LoadTarget is what the discoverer drives; *Registry implements it
type LoadTarget interface {
	Load(ctx context.Context, location string) (LoadedPlugin, error)
	ReportError(err error)
}

// Discoverer enumerates candidate plugins and loads them concurrently
type Discoverer struct {
	target           LoadTarget
	enumerator       Enumerator
	locate           func(name string) string
	enumerateTimeout time.Duration
	pluginTimeout    time.Duration
	metrics          *Metrics
	log              *logrus.Logger

	mu         sync.Mutex
	inProgress map[string]struct{}
}

// DiscoveryOption configures a Discoverer
type DiscoveryOption func(*Discoverer)

// WithEnumerationTimeout overrides the candidate listing ceiling
func WithEnumerationTimeout(d time.Duration) DiscoveryOption {
	return func(ds *Discoverer) {
		if d > 0 {
			ds.enumerateTimeout = d
		}
	}
}

// WithPluginTimeout overrides the per-candidate load ceiling
func WithPluginTimeout(d time.Duration) DiscoveryOption {
	return func(ds *Discoverer) {
		if d > 0 {
			ds.pluginTimeout = d
		}
	}
}

// WithLocator maps a candidate name to the location passed to Load
func WithLocator(locate func(name string) string) DiscoveryOption {
	return func(ds *Discoverer) {
		if locate != nil {
			ds.locate = locate
		}
	}
}

// WithDiscoveryLogger sets the discoverer logger
func WithDiscoveryLogger(log *logrus.Logger) DiscoveryOption {
	return func(ds *Discoverer) {
		if log != nil {
			ds.log = log
		}
	}
}

// WithDiscoveryMetrics records discovery metrics
func WithDiscoveryMetrics(metrics *Metrics) DiscoveryOption {
	return func(ds *Discoverer) {
		ds.metrics = metrics
	}
}

// NewDiscoverer creates a discoverer loading candidates from enumerator into target
func NewDiscoverer(target LoadTarget, enumerator Enumerator, opts ...DiscoveryOption) *Discoverer {
	d := &Discoverer{
		target:           target,
		enumerator:       enumerator,
		locate:           func(name string) string { return name },
		enumerateTimeout: DefaultEnumerationTimeout,
		pluginTimeout:    DefaultPluginTimeout,
		log:              logrus.New(),
		inProgress:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover loads every enumerated candidate and returns the ones that ended up
// loaded, in enumeration order. It never fails: enumeration problems yield no
// candidates and per-plugin problems are logged and dropped from the result.
// Candidates already being loaded by another pass are skipped.
func (d *Discoverer) Discover(ctx context.Context) []LoadedPlugin {
	ctx, span := tracer.Start(ctx, "Discoverer.Discover")
	defer span.End()

	names, err := withTimeout(ctx, d.enumerateTimeout, "plugin enumeration", d.enumerator.Enumerate)
	if err != nil {
		d.log.WithError(err).Warn("Plugin enumeration failed, continuing with no candidates")
		d.target.ReportError(fmt.Errorf("%w: %w", ErrDiscoveryEnumeration, err))
		d.metrics.observeDiscovery("enumeration_failed", 0)
		return []LoadedPlugin{}
	}
	span.SetAttributes(attribute.Int("discovery.candidates", len(names)))

	results := make([]*LoadedPlugin, len(names))

	var g errgroup.Group
	for i, name := range names {
		if !d.claim(name) {
			d.log.WithField("plugin", name).Debug("Plugin already loading, skipping candidate")
			continue
		}

		g.Go(func() error {
			defer d.release(name)

			p, err := d.attempt(ctx, name)
			if err != nil {
				d.log.WithField("plugin", name).WithError(err).Warn("Discovery failed to load plugin")
				return nil
			}
			if p.Loaded {
				results[i] = &p
			}
			return nil
		})
	}
	_ = g.Wait()

	loaded := make([]LoadedPlugin, 0, len(names))
	for _, p := range results {
		if p != nil {
			loaded = append(loaded, *p)
		}
	}

	d.metrics.observeDiscovery("ok", len(names))
	d.log.WithFields(logrus.Fields{
		"candidates": len(names),
		"loaded":     len(loaded),
	}).Info("Plugin discovery finished")

	return loaded
}

func (d *Discoverer) attempt(ctx context.Context, name string) (p LoadedPlugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while loading %s: %v", name, r)
		}
	}()

	location := d.locate(name)
	p, err = withTimeout(ctx, d.pluginTimeout, "loading "+name, func(ctx context.Context) (LoadedPlugin, error) {
		return d.target.Load(ctx, location)
	})
	if errors.Is(err, ErrTimeout) {
		d.target.ReportError(&LoadError{Location: location, Err: err})
	}
	return p, err
}

// claim adds name to the in-progress set, reporting false if it was already there
func (d *Discoverer) claim(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.inProgress[name]; busy {
		return false
	}
	d.inProgress[name] = struct{}{}
	return true
}

func (d *Discoverer) release(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inProgress, name)
}

// InProgress reports whether a load for name is currently running in a discovery pass
func (d *Discoverer) InProgress(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, busy := d.inProgress[name]
	return busy
}
