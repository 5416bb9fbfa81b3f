package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry(nil, nil)

	require.NotNil(t, registry)
	state := registry.State()
	assert.Empty(t, state.Plugins)
	assert.False(t, state.Loading)
	assert.Empty(t, state.Error)
	assert.Equal(t, DefaultRegistrationGrace, registry.grace)
}

func TestRegistry_LoadSelfRegisteringPlugin(t *testing.T) {
	f := newRegistryFixture(t)
	f.addPlugin(t, "plugins/media", `{"name":"media-plugin","routes":[{"path":"/","component":"Gallery"}]}`)

	rec := &recorder{}
	f.registry.Subscribe(rec.observe)

	p, err := f.registry.Load(context.Background(), "plugins/media")
	require.NoError(t, err)
	assert.True(t, p.Loaded)
	assert.Equal(t, "media-plugin", p.Name())

	got, ok := f.registry.Get("media-plugin")
	require.True(t, ok)
	assert.True(t, got.Loaded)
	assert.Empty(t, got.Error)
	assert.False(t, got.LoadedAt.IsZero())
	assert.Equal(t, "plugins/media", got.Location)

	require.Equal(t, 1, rec.count())
	assert.Contains(t, rec.last().Plugins, "media-plugin")
	assert.False(t, f.registry.State().Loading)
}

func TestRegistry_LoadManifestNotFound(t *testing.T) {
	f := newRegistryFixture(t)

	rec := &recorder{}
	f.registry.Subscribe(rec.observe)

	_, err := f.registry.Load(context.Background(), "plugins/missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrManifestUnavailable)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "plugins/missing", loadErr.Location)

	state := f.registry.State()
	assert.Empty(t, state.Plugins)
	assert.NotEmpty(t, state.Error)
	assert.False(t, state.Loading)
	assert.Equal(t, 0, f.loader.callCount("plugins/missing"))
	assert.Equal(t, 1, rec.count())
}

func TestRegistry_LoadWithoutRegistration(t *testing.T) {
	f := newRegistryFixture(t, WithRegistrationGrace(30*time.Millisecond))
	f.addPlugin(t, "plugins/quiet", manifestJSON("quiet"))
	f.loader.silent["plugins/quiet"] = true

	p, err := f.registry.Load(context.Background(), "plugins/quiet")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistrationTimeout)
	assert.False(t, p.Loaded)

	got, ok := f.registry.Get("quiet")
	require.True(t, ok)
	assert.False(t, got.Loaded)
	assert.Equal(t, "Plugin did not register itself after loading", got.Error)
	assert.False(t, f.registry.State().Loading)

	data, err := json.Marshal(got)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "loadedAt")
}

func TestRegistry_LateRegistrationOverwritesTimeout(t *testing.T) {
	f := newRegistryFixture(t, WithRegistrationGrace(20*time.Millisecond))
	manifest := f.addPlugin(t, "plugins/late", manifestJSON("late"))
	f.loader.silent["plugins/late"] = true

	_, err := f.registry.Load(context.Background(), "plugins/late")
	require.ErrorIs(t, err, ErrRegistrationTimeout)

	require.NoError(t, f.registry.Register(manifest))

	got, ok := f.registry.Get("late")
	require.True(t, ok)
	assert.True(t, got.Loaded)
	assert.Empty(t, got.Error)
	assert.Equal(t, "plugins/late", got.Location)
}

func TestRegistry_AsyncRegistrationWithinGrace(t *testing.T) {
	f := newRegistryFixture(t, WithRegistrationGrace(time.Second))
	f.addPlugin(t, "plugins/async", manifestJSON("async"))
	f.loader.delay["plugins/async"] = 30 * time.Millisecond

	p, err := f.registry.Load(context.Background(), "plugins/async")
	require.NoError(t, err)
	assert.True(t, p.Loaded)
	assert.Equal(t, "plugins/async", p.Location)
}

func TestRegistry_LoadModuleFailure(t *testing.T) {
	f := newRegistryFixture(t)
	f.addPlugin(t, "plugins/broken", manifestJSON("broken"))
	f.loader.failures["plugins/broken"] = errBoom

	_, err := f.registry.Load(context.Background(), "plugins/broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModuleLoadFailure)
	assert.ErrorIs(t, err, errBoom)

	state := f.registry.State()
	assert.Empty(t, state.Plugins)
	assert.Contains(t, state.Error, "boom")
	assert.False(t, state.Loading)
}

func TestRegistry_LoadIsIdempotent(t *testing.T) {
	f := newRegistryFixture(t)
	f.addPlugin(t, "plugins/media", manifestJSON("media"))
	f.addPlugin(t, "mirror/media", manifestJSON("media"))

	ctx := context.Background()
	_, err := f.registry.Load(ctx, "plugins/media")
	require.NoError(t, err)
	_, err = f.registry.Load(ctx, "plugins/media")
	require.NoError(t, err)

	assert.Equal(t, 1, f.transport.readCount("plugins/media"))
	assert.Equal(t, 1, f.loader.callCount("plugins/media"))

	// same name from another location is a no-op after the fetch
	p, err := f.registry.Load(ctx, "mirror/media")
	require.NoError(t, err)
	assert.Equal(t, "plugins/media", p.Location)
	assert.Equal(t, 0, f.loader.callCount("mirror/media"))
	assert.Len(t, f.registry.State().Plugins, 1)
}

func TestRegistry_ConcurrentLoadsShareOneAttempt(t *testing.T) {
	f := newRegistryFixture(t)
	f.addPlugin(t, "plugins/media", manifestJSON("media"))
	f.loader.block = make(chan struct{})

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]LoadedPlugin, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.registry.Load(ctx, "plugins/media")
		}(i)
	}

	require.Eventually(t, func() bool {
		return f.loader.callCount("plugins/media") == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.registry.State().Loading)

	close(f.loader.block)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Loaded)
	}
	assert.Equal(t, 1, f.transport.readCount("plugins/media"))
	assert.Equal(t, 1, f.loader.callCount("plugins/media"))
	assert.False(t, f.registry.State().Loading)
}

func TestRegistry_CallerDeadlineDoesNotFailSharedLoad(t *testing.T) {
	f := newRegistryFixture(t, WithRegistrationGrace(time.Second))
	f.addPlugin(t, "plugins/slow", manifestJSON("slow"))
	f.loader.delay["plugins/slow"] = 150 * time.Millisecond

	impatient, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	var (
		shortResult LoadedPlugin
		shortErr    error
		longResult  LoadedPlugin
		longErr     error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		shortResult, shortErr = f.registry.Load(impatient, "plugins/slow")
	}()
	go func() {
		defer wg.Done()
		longResult, longErr = f.registry.Load(context.Background(), "plugins/slow")
	}()
	wg.Wait()

	require.Error(t, shortErr)
	assert.ErrorIs(t, shortErr, ErrTimeout)
	assert.ErrorIs(t, shortErr, context.DeadlineExceeded)
	assert.False(t, shortResult.Loaded)

	require.NoError(t, longErr)
	assert.True(t, longResult.Loaded)
	assert.Equal(t, 1, f.loader.callCount("plugins/slow"))

	got, ok := f.registry.Get("slow")
	require.True(t, ok)
	assert.True(t, got.Loaded)
	assert.Empty(t, got.Error)
}

func TestRegistry_CancelledCallerLeavesLoadRunning(t *testing.T) {
	f := newRegistryFixture(t, WithRegistrationGrace(time.Second))
	f.addPlugin(t, "plugins/slow", manifestJSON("slow"))
	f.loader.delay["plugins/slow"] = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := f.registry.Load(ctx, "plugins/slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTimeout))

	require.Eventually(t, func() bool {
		p, ok := f.registry.Get("slow")
		return ok && p.Loaded
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.registry.State().Loading)
}

func TestRegistry_LoadTimeoutBoundsSharedAttempt(t *testing.T) {
	f := newRegistryFixture(t, WithRegistrationGrace(5*time.Second), WithLoadTimeout(40*time.Millisecond))
	f.addPlugin(t, "plugins/quiet", manifestJSON("quiet"))
	f.loader.silent["plugins/quiet"] = true

	started := time.Now()
	p, err := f.registry.Load(context.Background(), "plugins/quiet")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistrationTimeout)
	assert.False(t, p.Loaded)
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestRegistry_RetriesUnregisteredPlugin(t *testing.T) {
	f := newRegistryFixture(t, WithRegistrationGrace(20*time.Millisecond))
	f.addPlugin(t, "plugins/flaky", manifestJSON("flaky"))
	f.loader.silent["plugins/flaky"] = true

	_, err := f.registry.Load(context.Background(), "plugins/flaky")
	require.Error(t, err)

	f.loader.mu.Lock()
	f.loader.silent["plugins/flaky"] = false
	f.loader.mu.Unlock()

	p, err := f.registry.Load(context.Background(), "plugins/flaky")
	require.NoError(t, err)
	assert.True(t, p.Loaded)
	assert.Equal(t, 2, f.loader.callCount("plugins/flaky"))
}

func TestRegistry_Unload(t *testing.T) {
	f := newRegistryFixture(t)
	f.addPlugin(t, "plugins/media", manifestJSON("media"))

	ctx := context.Background()
	_, err := f.registry.Load(ctx, "plugins/media")
	require.NoError(t, err)

	rec := &recorder{}
	f.registry.Subscribe(rec.observe)

	assert.True(t, f.registry.Unload(ctx, "media"))
	_, ok := f.registry.Get("media")
	assert.False(t, ok)
	assert.Equal(t, []string{"plugins/media"}, f.loader.releasedLocations())
	require.Equal(t, 1, rec.count())
	assert.NotContains(t, rec.last().Plugins, "media")

	assert.False(t, f.registry.Unload(ctx, "media"))
	assert.Equal(t, 1, rec.count())

	// a fresh load executes the module again
	_, err = f.registry.Load(ctx, "plugins/media")
	require.NoError(t, err)
	assert.Equal(t, 2, f.loader.callCount("plugins/media"))
}

func TestRegistry_StateIsASnapshot(t *testing.T) {
	f := newRegistryFixture(t)
	f.addPlugin(t, "plugins/media", manifestJSON("media"))
	_, err := f.registry.Load(context.Background(), "plugins/media")
	require.NoError(t, err)

	state := f.registry.State()
	state.Plugins["intruder"] = LoadedPlugin{Loaded: true}
	state.Plugins["media"].Manifest.Name = "hacked"
	state.Plugins["media"].Manifest.Routes[0].Path = "/hacked"

	fresh := f.registry.State()
	assert.NotContains(t, fresh.Plugins, "intruder")
	assert.Equal(t, "media", fresh.Plugins["media"].Manifest.Name)
	assert.Equal(t, "/", fresh.Plugins["media"].Manifest.Routes[0].Path)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	registry := NewRegistry(nil, nil, WithLogger(quietLogger()))

	assert.Error(t, registry.Register(nil))
	assert.Error(t, registry.Register(&Manifest{}))
	assert.Error(t, registry.Register(&Manifest{Name: "x"}, Implementation{Category: "toolbar", Name: "a"}))
	assert.Error(t, registry.Register(&Manifest{Name: "x"}, Implementation{Category: CategoryMenu}))
	assert.Empty(t, registry.State().Plugins)

	require.NoError(t, registry.Register(&Manifest{Name: "x"}))
	assert.Len(t, registry.State().Plugins, 1)
}

func TestRegistry_RegisterFromObserver(t *testing.T) {
	registry := NewRegistry(nil, nil, WithLogger(quietLogger()))

	var fired atomic.Bool
	registry.Subscribe(func(state RegistryState) {
		if fired.CompareAndSwap(false, true) {
			assert.NoError(t, registry.Register(&Manifest{Name: "second"}))
		}
	})

	require.NoError(t, registry.Register(&Manifest{Name: "first"}))
	assert.Len(t, registry.State().Plugins, 2)
}

func TestRegistry_ObserversSeeMutationsInOrder(t *testing.T) {
	registry := NewRegistry(nil, nil, WithLogger(quietLogger()))

	rec := &recorder{}
	registry.Subscribe(rec.observe)

	for round := 0; round < 100; round++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = registry.Register(&Manifest{Name: "a"})
		}()
		go func() {
			defer wg.Done()
			registry.Unload(context.Background(), "a")
		}()
		wg.Wait()

		_, present := registry.State().Plugins["a"]
		_, delivered := rec.last().Plugins["a"]
		require.Equal(t, present, delivered, "round %d: last delivered snapshot differs from state", round)
	}
}

func TestRegistry_ReentrantMutationsKeepOrder(t *testing.T) {
	registry := NewRegistry(nil, nil, WithLogger(quietLogger()))

	var seen []int
	registry.Subscribe(func(state RegistryState) {
		seen = append(seen, len(state.Plugins))
		if len(state.Plugins) == 1 {
			assert.NoError(t, registry.Register(&Manifest{Name: "second"}))
		}
	})

	require.NoError(t, registry.Register(&Manifest{Name: "first"}))
	assert.Equal(t, []int{1, 2}, seen)
}

func TestRegistry_ObserverPanicIsContained(t *testing.T) {
	registry := NewRegistry(nil, nil, WithLogger(quietLogger()))

	rec := &recorder{}
	registry.Subscribe(func(RegistryState) { panic("observer failure") })
	registry.Subscribe(rec.observe)

	require.NoError(t, registry.Register(&Manifest{Name: "media"}))
	assert.Equal(t, 1, rec.count())
}

func TestRegistry_Unsubscribe(t *testing.T) {
	registry := NewRegistry(nil, nil, WithLogger(quietLogger()))

	rec := &recorder{}
	unsubscribe := registry.Subscribe(rec.observe)

	require.NoError(t, registry.Register(&Manifest{Name: "a"}))
	unsubscribe()
	unsubscribe()
	require.NoError(t, registry.Register(&Manifest{Name: "b"}))

	assert.Equal(t, 1, rec.count())
}

func TestRegistry_WaitsForReadinessGate(t *testing.T) {
	gate := NewReadinessGate(time.Second, WithGateLogger(quietLogger()))
	f := newRegistryFixture(t, WithReadinessGate(gate))
	f.addPlugin(t, "plugins/media", manifestJSON("media"))

	done := make(chan error, 1)
	go func() {
		_, err := f.registry.Load(context.Background(), "plugins/media")
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, f.loader.callCount("plugins/media"))

	gate.MarkReady()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("load did not finish after readiness signal")
	}
	assert.Equal(t, 1, f.loader.callCount("plugins/media"))
}

func TestRegistry_GateCeilingDoesNotStallLoad(t *testing.T) {
	gate := NewReadinessGate(20*time.Millisecond, WithGateLogger(quietLogger()))
	f := newRegistryFixture(t, WithReadinessGate(gate))
	f.addPlugin(t, "plugins/media", manifestJSON("media"))

	p, err := f.registry.Load(context.Background(), "plugins/media")
	require.NoError(t, err)
	assert.True(t, p.Loaded)
}

func TestRegistry_ReportError(t *testing.T) {
	registry := NewRegistry(nil, nil, WithLogger(quietLogger()))
	rec := &recorder{}
	registry.Subscribe(rec.observe)

	registry.ReportError(nil)
	assert.Equal(t, 0, rec.count())

	registry.ReportError(errBoom)
	assert.Equal(t, "boom", registry.State().Error)
	assert.Equal(t, 1, rec.count())
}

func TestRegistry_List(t *testing.T) {
	registry := NewRegistry(nil, nil, WithLogger(quietLogger()))
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, registry.Register(&Manifest{Name: name}))
	}

	var names []string
	for _, p := range registry.List() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, names)
}

func TestRegistry_Metrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	f := newRegistryFixture(t, WithMetrics(metrics))
	f.addPlugin(t, "plugins/media", manifestJSON("media"))

	ctx := context.Background()
	_, err := f.registry.Load(ctx, "plugins/media")
	require.NoError(t, err)
	_, err = f.registry.Load(ctx, "plugins/media")
	require.NoError(t, err)
	_, _ = f.registry.Load(ctx, "plugins/missing")

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LoadsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LoadsTotal.WithLabelValues("skipped")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LoadsTotal.WithLabelValues("failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PluginsRegistered))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.LoadsInFlight))
}

func TestRegistry_WithClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	registry := NewRegistry(nil, nil, WithLogger(quietLogger()), WithClock(func() time.Time { return fixed }))

	require.NoError(t, registry.Register(&Manifest{Name: "media"}))
	p, ok := registry.Get("media")
	require.True(t, ok)
	assert.Equal(t, fixed, p.LoadedAt)
}
