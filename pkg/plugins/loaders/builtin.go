// Package loaders implements plugins.ModuleLoader for the module kinds the host can run.
package loaders

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
	"github.com/platinummonkey/extensionhost/pkg/plugins/sources"
)

// RegisterFunc is the entry point of an in-process module
type RegisterFunc func(r plugins.Registrar) error

type builtinModule struct {
	manifest *plugins.Manifest
	register RegisterFunc
}

// BuiltinSet holds modules compiled into the host binary
type BuiltinSet struct {
	mu      sync.RWMutex
	modules map[string]builtinModule
}

// NewBuiltinSet creates an empty set
func NewBuiltinSet() *BuiltinSet {
	return &BuiltinSet{modules: make(map[string]builtinModule)}
}

// DefaultBuiltins is the set RegisterBuiltin adds to
var DefaultBuiltins = NewBuiltinSet()

// RegisterBuiltin makes a module available at builtin://<manifest.Name>.
// It is meant to be called from init and panics on invalid or duplicate modules.
func RegisterBuiltin(manifest *plugins.Manifest, register RegisterFunc) {
	if err := DefaultBuiltins.Add(manifest, register); err != nil {
		panic(err)
	}
}

// Add registers a builtin module in the set
func (s *BuiltinSet) Add(manifest *plugins.Manifest, register RegisterFunc) error {
	if manifest == nil || register == nil {
		return fmt.Errorf("builtin module requires a manifest and a register function")
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode builtin manifest %s: %w", manifest.Name, err)
	}
	// Served manifests go back through the fetcher, so hold them to the same rules.
	parsed, err := plugins.ParseManifest(data, plugins.FormatJSON)
	if err != nil {
		return fmt.Errorf("invalid builtin manifest %s: %w", manifest.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.modules[parsed.Name]; exists {
		return fmt.Errorf("builtin module already registered: %s", parsed.Name)
	}
	s.modules[parsed.Name] = builtinModule{manifest: parsed, register: register}
	return nil
}

func (s *BuiltinSet) lookup(location string) (builtinModule, bool) {
	name := strings.Trim(strings.TrimPrefix(location, sources.SchemeBuiltin+"://"), "/")

	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[name]
	return m, ok
}

// Names returns the registered module names, sorted
func (s *BuiltinSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.modules))
	for name := range s.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enumerate lists the builtin modules as discovery candidates
func (s *BuiltinSet) Enumerate(ctx context.Context) ([]string, error) {
	return s.Names(), nil
}

// ReadFile serves the manifest of a builtin module as config.json
func (s *BuiltinSet) ReadFile(ctx context.Context, location, name string) ([]byte, error) {
	m, ok := s.lookup(location)
	if !ok || name != "config.json" {
		return nil, fmt.Errorf("%w: %s/%s", plugins.ErrNotFound, location, name)
	}
	return json.Marshal(m.manifest)
}

// BuiltinLocation returns the location of a builtin module
func BuiltinLocation(name string) string {
	return sources.SchemeBuiltin + "://" + name
}

// Builtin executes modules compiled into the host
type Builtin struct {
	set       *BuiltinSet
	mu        sync.RWMutex
	registrar plugins.Registrar
}

// NewBuiltin creates a loader over set (DefaultBuiltins when nil)
func NewBuiltin(set *BuiltinSet) *Builtin {
	if set == nil {
		set = DefaultBuiltins
	}
	return &Builtin{set: set}
}

// Bind sets the registrar modules register with
func (b *Builtin) Bind(r plugins.Registrar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registrar = r
}

// Execute runs the register function of the builtin module at location
func (b *Builtin) Execute(ctx context.Context, location string) error {
	m, ok := b.set.lookup(location)
	if !ok {
		return fmt.Errorf("%w: builtin module %s", plugins.ErrNotFound, location)
	}

	b.mu.RLock()
	registrar := b.registrar
	b.mu.RUnlock()
	if registrar == nil {
		return fmt.Errorf("builtin loader is not bound to a registrar")
	}

	return m.register(registrar)
}
