package loaders

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/extensionhost/pkg/plugins"
	"github.com/platinummonkey/extensionhost/pkg/plugins/sources"
)

// Mux picks the loader for a location: builtin:// locations run in-process,
// anything else runs index.so when present and the index executable otherwise.
// Any of the loaders may be nil to disable that kind.
type Mux struct {
	Builtin *Builtin
	Dynlib  *Dynlib
	Process *Process
}

// NewMux creates a loader dispatching to the given loaders
func NewMux(builtin *Builtin, dynlib *Dynlib, process *Process) *Mux {
	return &Mux{Builtin: builtin, Dynlib: dynlib, Process: process}
}

// Bind sets the registrar for in-process loaders
func (m *Mux) Bind(r plugins.Registrar) {
	if m.Builtin != nil {
		m.Builtin.Bind(r)
	}
	if m.Dynlib != nil {
		m.Dynlib.Bind(r)
	}
}

// Execute runs the module at location with the matching loader
func (m *Mux) Execute(ctx context.Context, location string) error {
	if sources.Scheme(location) == sources.SchemeBuiltin {
		if m.Builtin == nil {
			return fmt.Errorf("builtin modules are disabled: %s", location)
		}
		return m.Builtin.Execute(ctx, location)
	}

	if m.Dynlib != nil {
		err := m.Dynlib.Execute(ctx, location)
		if err == nil || !errors.Is(err, plugins.ErrNotFound) {
			return err
		}
	}

	if m.Process != nil && isProcessLocation(location) {
		return m.Process.Execute(ctx, location)
	}

	return fmt.Errorf("%w: no runnable module at %s", plugins.ErrNotFound, location)
}

// Release stops any process started for location
func (m *Mux) Release(ctx context.Context, location string) error {
	if m.Process == nil || !isProcessLocation(location) {
		return nil
	}
	return m.Process.Release(ctx, location)
}

// Shutdown stops every process started through the mux
func (m *Mux) Shutdown(ctx context.Context) error {
	if m.Process == nil {
		return nil
	}
	return m.Process.Shutdown(ctx)
}
