package loaders

import (
	"context"
	"fmt"
	"plugin"
	"sync"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
)

const (
	// SharedObjectName is the file a shared-object plugin ships as its entry point
	SharedObjectName = "index.so"
	// RegisterSymbol is the function a shared object must export
	RegisterSymbol = "Register"
)

// Dynlib opens Go plugin shared objects and calls their Register function.
// Opened objects stay resident for the life of the process.
type Dynlib struct {
	transport plugins.Transport
	cacheDir  string

	mu        sync.RWMutex
	registrar plugins.Registrar
}

// NewDynlib creates a shared-object loader. transport may be nil when only
// local plugin roots are used.
func NewDynlib(transport plugins.Transport, cacheDir string) *Dynlib {
	if cacheDir == "" {
		cacheDir = defaultCacheDir()
	}
	return &Dynlib{transport: transport, cacheDir: cacheDir}
}

// Bind sets the registrar shared objects register with
func (d *Dynlib) Bind(r plugins.Registrar) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registrar = r
}

// Execute opens the shared object at location and runs its Register function.
// The error wraps plugins.ErrNotFound when location has no shared object.
func (d *Dynlib) Execute(ctx context.Context, location string) error {
	path, err := resolveModule(ctx, d.transport, d.cacheDir, location, SharedObjectName)
	if err != nil {
		return err
	}

	d.mu.RLock()
	registrar := d.registrar
	d.mu.RUnlock()
	if registrar == nil {
		return fmt.Errorf("shared object loader is not bound to a registrar")
	}

	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	sym, err := p.Lookup(RegisterSymbol)
	if err != nil {
		return fmt.Errorf("%s does not export %s: %w", path, RegisterSymbol, err)
	}

	switch register := sym.(type) {
	case func(plugins.Registrar) error:
		return register(registrar)
	case *func(plugins.Registrar) error:
		return (*register)(registrar)
	default:
		return fmt.Errorf("%s has unexpected type %T", RegisterSymbol, sym)
	}
}
