package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// memTransport serves manifest files from memory
type memTransport struct {
	mu    sync.Mutex
	files map[string][]byte
	errs  map[string]error
	reads map[string]int
}

func newMemTransport() *memTransport {
	return &memTransport{
		files: make(map[string][]byte),
		errs:  make(map[string]error),
		reads: make(map[string]int),
	}
}

func (m *memTransport) put(location, name, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[location+"/"+name] = []byte(data)
}

func (m *memTransport) fail(location string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[location] = err
}

func (m *memTransport) ReadFile(ctx context.Context, location, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reads[location]++
	if err := m.errs[location]; err != nil {
		return nil, err
	}
	data, ok := m.files[location+"/"+name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, location, name)
	}
	return data, nil
}

func (m *memTransport) readCount(location string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[location]
}

// fakeLoader executes modules by registering the manifest stored for a location
type fakeLoader struct {
	mu        sync.Mutex
	registrar Registrar
	manifests map[string]*Manifest
	impls     map[string][]Implementation
	failures  map[string]error
	silent    map[string]bool
	delay     map[string]time.Duration
	block     chan struct{}
	calls     map[string]int
	released  []string
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		manifests: make(map[string]*Manifest),
		impls:     make(map[string][]Implementation),
		failures:  make(map[string]error),
		silent:    make(map[string]bool),
		delay:     make(map[string]time.Duration),
		calls:     make(map[string]int),
	}
}

func (f *fakeLoader) Execute(ctx context.Context, location string) error {
	f.mu.Lock()
	f.calls[location]++
	block := f.block
	err := f.failures[location]
	silent := f.silent[location]
	delay := f.delay[location]
	manifest := f.manifests[location]
	impls := f.impls[location]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	if silent || manifest == nil {
		return nil
	}
	if delay > 0 {
		go func() {
			time.Sleep(delay)
			_ = f.registrar.Register(manifest, impls...)
		}()
		return nil
	}
	return f.registrar.Register(manifest, impls...)
}

func (f *fakeLoader) Release(ctx context.Context, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, location)
	return nil
}

func (f *fakeLoader) callCount(location string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[location]
}

func (f *fakeLoader) releasedLocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type registryFixture struct {
	registry  *Registry
	transport *memTransport
	loader    *fakeLoader
}

func newRegistryFixture(t *testing.T, opts ...RegistryOption) *registryFixture {
	t.Helper()

	transport := newMemTransport()
	loader := newFakeLoader()
	fetcher := NewFetcher(transport, quietLogger())

	base := []RegistryOption{
		WithLogger(quietLogger()),
		WithRegistrationGrace(200 * time.Millisecond),
	}
	registry := NewRegistry(fetcher, loader, append(base, opts...)...)
	loader.registrar = registry

	return &registryFixture{
		registry:  registry,
		transport: transport,
		loader:    loader,
	}
}

// addPlugin publishes a manifest at location and makes the module register it
func (f *registryFixture) addPlugin(t *testing.T, location, manifestJSON string, impls ...Implementation) *Manifest {
	t.Helper()

	manifest, err := ParseManifest([]byte(manifestJSON), FormatJSON)
	require.NoError(t, err)

	f.transport.put(location, "config.json", manifestJSON)

	f.loader.mu.Lock()
	f.loader.manifests[location] = manifest
	f.loader.impls[location] = impls
	f.loader.mu.Unlock()

	return manifest
}

// recorder collects observer notifications
type recorder struct {
	mu     sync.Mutex
	states []RegistryState
}

func (r *recorder) observe(state RegistryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *recorder) last() RegistryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return RegistryState{}
	}
	return r.states[len(r.states)-1]
}

var errBoom = errors.New("boom")

func manifestJSON(name string) string {
	return fmt.Sprintf(`{"name":%q,"version":"1.0.0","displayName":%q,"routes":[{"path":"/","component":"Main"}]}`, name, name)
}
