package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRegistrationGrace is how long Load waits for self-registration after a module executed
	DefaultRegistrationGrace = 2 * time.Second

	// DefaultLoadTimeout bounds a shared load attempt independently of the callers waiting on it
	DefaultLoadTimeout = 30 * time.Second
)

type entry struct {
	plugin LoadedPlugin
	impls  map[Category]map[string]any
}

type waiter struct {
	location string
	done     chan struct{}
}

// Registry is the single source of truth for plugin records and their load state.
// All mutation goes through its methods; observers are notified after every
// mutation with a snapshot they cannot use to modify the registry. Snapshots
// reach observers in mutation order.
type Registry struct {
	mu        sync.RWMutex
	plugins   map[string]*entry
	locations map[string]string
	waiters   map[string]*waiter
	inFlight  int
	lastErr   string

	// pending snapshots, drained by one goroutine at a time
	pending    []RegistryState
	delivering bool

	source  ManifestSource
	loader  ModuleLoader
	gate    *ReadinessGate
	grace   time.Duration
	ceiling time.Duration
	metrics *Metrics
	log     *logrus.Logger
	now     func() time.Time

	byLocation singleflight.Group
	byName     singleflight.Group
	observers  *observers
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithLogger sets the registry logger
func WithLogger(log *logrus.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithReadinessGate makes module execution wait on gate
func WithReadinessGate(gate *ReadinessGate) RegistryOption {
	return func(r *Registry) {
		r.gate = gate
	}
}

// WithRegistrationGrace sets how long to wait for self-registration after execution
func WithRegistrationGrace(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithLoadTimeout bounds each shared load attempt. Callers give up on their
// own context without cancelling the attempt other callers may be waiting on.
func WithLoadTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.ceiling = d
		}
	}
}

// WithMetrics records load metrics
func WithMetrics(metrics *Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// WithClock overrides the clock used for LoadedAt timestamps
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry
func NewRegistry(source ManifestSource, loader ModuleLoader, opts ...RegistryOption) *Registry {
	r := &Registry{
		plugins:   make(map[string]*entry),
		locations: make(map[string]string),
		waiters:   make(map[string]*waiter),
		source:    source,
		loader:    loader,
		grace:     DefaultRegistrationGrace,
		ceiling:   DefaultLoadTimeout,
		log:       logrus.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.observers = newObservers(r.log)
	return r
}

// Register inserts or overwrites a loaded plugin record and notifies observers.
// It is safe to call at any time, including from a module while Load is still
// executing it.
func (r *Registry) Register(manifest *Manifest, impls ...Implementation) error {
	if manifest == nil {
		return fmt.Errorf("cannot register nil manifest")
	}
	if manifest.Name == "" {
		return fmt.Errorf("cannot register plugin without a name")
	}

	table := make(map[Category]map[string]any)
	for _, impl := range impls {
		if !isKnownCategory(impl.Category) {
			return fmt.Errorf("unknown capability category %q for plugin %s", impl.Category, manifest.Name)
		}
		if impl.Name == "" {
			return fmt.Errorf("component without a name for plugin %s", manifest.Name)
		}
		if table[impl.Category] == nil {
			table[impl.Category] = make(map[string]any)
		}
		table[impl.Category][impl.Name] = impl.Value
	}

	r.mu.Lock()
	e := &entry{
		plugin: LoadedPlugin{
			Manifest: manifest.Clone(),
			Loaded:   true,
			LoadedAt: r.now(),
		},
		impls: table,
	}
	if w, ok := r.waiters[manifest.Name]; ok {
		e.plugin.Location = w.location
		r.locations[w.location] = manifest.Name
		delete(r.waiters, manifest.Name)
		close(w.done)
	} else if old, ok := r.plugins[manifest.Name]; ok {
		e.plugin.Location = old.plugin.Location
	}
	r.plugins[manifest.Name] = e
	count := len(r.plugins)
	r.publishLocked()
	r.mu.Unlock()

	r.metrics.setRegistered(count)
	r.log.WithFields(logrus.Fields{
		"plugin":  manifest.Name,
		"version": manifest.Version,
	}).Info("Registered plugin")

	r.deliver()
	return nil
}

// Load fetches the manifest at location and executes the module, waiting for
// it to register itself. Loading a plugin whose name is already loaded is a
// no-op. Concurrent calls for the same location share one attempt, which runs
// under the registry's load timeout rather than any caller's context. A caller
// whose ctx ends first gets the context error and the attempt carries on.
func (r *Registry) Load(ctx context.Context, location string) (LoadedPlugin, error) {
	results := r.byLocation.DoChan(location, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.ceiling)
		defer cancel()
		return r.load(loadCtx, location)
	})

	select {
	case res := <-results:
		if res.Shared {
			r.log.WithField("location", location).Debug("Joined in-flight plugin load")
		}
		p, _ := res.Val.(LoadedPlugin)
		return p.clone(), res.Err
	case <-ctx.Done():
		r.log.WithField("location", location).WithError(ctx.Err()).Debug("Stopped waiting for plugin load")
		return LoadedPlugin{}, &LoadError{Location: location, Err: abandoned(ctx)}
	}
}

// abandoned classifies why a caller stopped waiting
func abandoned(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}

func (r *Registry) load(ctx context.Context, location string) (LoadedPlugin, error) {
	started := time.Now()
	r.beginLoad()
	defer r.endLoad()

	ctx, span := tracer.Start(ctx, "Registry.Load",
		trace.WithAttributes(attribute.String("plugin.location", location)),
	)
	defer span.End()

	log := r.log.WithField("location", location)

	if existing, ok := r.loadedFrom(location); ok {
		log.WithField("plugin", existing.Name()).Debug("Plugin already loaded, skipping")
		r.metrics.observeLoad("skipped", started)
		return existing, nil
	}

	if r.source == nil || r.loader == nil {
		return LoadedPlugin{}, r.fail(span, location, started, errors.New("registry has no manifest source or module loader"))
	}

	manifest, err := r.source.Fetch(ctx, location)
	if err != nil {
		return LoadedPlugin{}, r.fail(span, location, started, err)
	}
	span.SetAttributes(attribute.String("plugin.name", manifest.Name))

	if existing, ok := r.loadedNamed(manifest.Name); ok {
		log.WithField("plugin", manifest.Name).Debug("Plugin already loaded, skipping")
		r.metrics.observeLoad("skipped", started)
		return existing, nil
	}

	v, err, _ := r.byName.Do(manifest.Name, func() (interface{}, error) {
		return r.execute(ctx, span, location, manifest, started)
	})
	p, _ := v.(LoadedPlugin)
	return p, err
}

func (r *Registry) execute(ctx context.Context, span trace.Span, location string, manifest *Manifest, started time.Time) (LoadedPlugin, error) {
	log := r.log.WithFields(logrus.Fields{"location": location, "plugin": manifest.Name})

	w := r.expect(manifest.Name, location)

	if r.gate != nil && !r.gate.Await(ctx) {
		log.Debug("Executing module without readiness signal")
	}

	if err := r.loader.Execute(ctx, location); err != nil {
		r.unexpect(manifest.Name, w)
		return LoadedPlugin{}, r.fail(span, location, started, fmt.Errorf("%w: %w", ErrModuleLoadFailure, err))
	}

	timer := time.NewTimer(r.grace)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	r.unexpect(manifest.Name, w)

	if p, ok := r.loadedNamed(manifest.Name); ok {
		log.Info("Loaded plugin")
		r.metrics.observeLoad("success", started)
		return p, nil
	}

	p := r.markUnregistered(manifest, location)
	log.Warn("Plugin did not register itself after loading")
	r.metrics.observeLoad("unregistered", started)
	span.SetStatus(codes.Error, "registration timeout")

	return p, &LoadError{Location: location, Err: ErrRegistrationTimeout}
}

// fail records a load failure at registry level and notifies observers
func (r *Registry) fail(span trace.Span, location string, started time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "load failed")

	loadErr := &LoadError{Location: location, Err: err}

	r.mu.Lock()
	r.lastErr = loadErr.Error()
	r.publishLocked()
	r.mu.Unlock()

	r.log.WithField("location", location).WithError(err).Warn("Failed to load plugin")
	r.metrics.observeLoad("failure", started)

	r.deliver()
	return loadErr
}

// markUnregistered synthesizes a failed entry for a module that never registered
func (r *Registry) markUnregistered(manifest *Manifest, location string) LoadedPlugin {
	r.mu.Lock()
	if e, ok := r.plugins[manifest.Name]; ok && e.plugin.Loaded {
		p := e.plugin.clone()
		r.mu.Unlock()
		return p
	}
	e := &entry{
		plugin: LoadedPlugin{
			Manifest: manifest.Clone(),
			Loaded:   false,
			Error:    registrationTimeoutMessage,
			Location: location,
		},
	}
	r.plugins[manifest.Name] = e
	count := len(r.plugins)
	p := e.plugin.clone()
	r.publishLocked()
	r.mu.Unlock()

	r.metrics.setRegistered(count)
	r.deliver()
	return p
}

// Unload removes a plugin, releases its module if the loader holds resources
// for it, and notifies observers. It reports whether the plugin was present.
func (r *Registry) Unload(ctx context.Context, name string) bool {
	r.mu.Lock()
	e, ok := r.plugins[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.plugins, name)
	for loc, n := range r.locations {
		if n == name {
			delete(r.locations, loc)
		}
	}
	count := len(r.plugins)
	r.publishLocked()
	r.mu.Unlock()

	location := e.plugin.Location
	if location != "" {
		if releaser, ok := r.loader.(Releaser); ok {
			if err := releaser.Release(ctx, location); err != nil {
				r.log.WithField("plugin", name).WithError(err).Warn("Failed to release plugin module")
			}
		}
		if inv, ok := r.source.(interface {
			Invalidate(ctx context.Context, location string)
		}); ok {
			inv.Invalidate(ctx, location)
		}
	}

	r.metrics.setRegistered(count)
	r.log.WithField("plugin", name).Info("Unloaded plugin")

	r.deliver()
	return true
}

// ReportError records a discovery-level error and notifies observers
func (r *Registry) ReportError(err error) {
	if err == nil {
		return
	}

	r.mu.Lock()
	r.lastErr = err.Error()
	r.publishLocked()
	r.mu.Unlock()

	r.deliver()
}

// State returns a snapshot of the registry
func (r *Registry) State() RegistryState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Get returns a copy of the plugin record for name
func (r *Registry) Get(name string) (LoadedPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.plugins[name]
	if !ok {
		return LoadedPlugin{}, false
	}
	return e.plugin.clone(), true
}

// List returns copies of all plugin records sorted by name
func (r *Registry) List() []LoadedPlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]LoadedPlugin, 0, len(r.plugins))
	for _, e := range r.plugins {
		result = append(result, e.plugin.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name() < result[j].Name()
	})
	return result
}

// Subscribe registers an observer called with a snapshot after every mutation.
// The returned function removes the observer.
func (r *Registry) Subscribe(fn Observer) func() {
	return r.observers.subscribe(fn)
}

func (r *Registry) snapshotLocked() RegistryState {
	plugins := make(map[string]LoadedPlugin, len(r.plugins))
	for name, e := range r.plugins {
		plugins[name] = e.plugin.clone()
	}
	return RegistryState{
		Plugins: plugins,
		Loading: r.inFlight > 0,
		Error:   r.lastErr,
	}
}

// publishLocked queues the current state for observers; r.mu must be held
func (r *Registry) publishLocked() {
	r.pending = append(r.pending, r.snapshotLocked())
}

// deliver hands queued snapshots to observers in the order they were taken.
// If another goroutine is already delivering, it picks up ours as well, which
// also covers observers that mutate the registry from inside a callback.
func (r *Registry) deliver() {
	r.mu.Lock()
	if r.delivering {
		r.mu.Unlock()
		return
	}
	r.delivering = true
	for len(r.pending) > 0 {
		next := r.pending[0]
		r.pending[0] = RegistryState{}
		r.pending = r.pending[1:]
		r.mu.Unlock()

		r.observers.notify(next)

		r.mu.Lock()
	}
	r.delivering = false
	r.mu.Unlock()
}

func (r *Registry) beginLoad() {
	r.mu.Lock()
	r.inFlight++
	n := r.inFlight
	r.mu.Unlock()
	r.metrics.setInFlight(n)
}

func (r *Registry) endLoad() {
	r.mu.Lock()
	r.inFlight--
	n := r.inFlight
	r.mu.Unlock()
	r.metrics.setInFlight(n)
}

func (r *Registry) loadedFrom(location string) (LoadedPlugin, bool) {
	r.mu.RLock()
	name, ok := r.locations[location]
	r.mu.RUnlock()
	if !ok {
		return LoadedPlugin{}, false
	}
	return r.loadedNamed(name)
}

func (r *Registry) loadedNamed(name string) (LoadedPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.plugins[name]
	if !ok || !e.plugin.Loaded {
		return LoadedPlugin{}, false
	}
	return e.plugin.clone(), true
}

func (r *Registry) expect(name, location string) *waiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := &waiter{location: location, done: make(chan struct{})}
	r.waiters[name] = w
	return w
}

func (r *Registry) unexpect(name string, w *waiter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.waiters[name]; ok && current == w {
		delete(r.waiters, name)
	}
}

func isKnownCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}
