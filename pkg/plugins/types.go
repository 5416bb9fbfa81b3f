package plugins

import (
	"context"
	"time"
)

// Category is an extension point a plugin can contribute components to
type Category string

const (
	CategoryMenu     Category = "menu"
	CategorySettings Category = "settings"
	CategoryFields   Category = "fields"
	CategoryForms    Category = "forms"
)

// Categories lists every known extension point
var Categories = []Category{CategoryMenu, CategorySettings, CategoryFields, CategoryForms}

// Manifest is the declarative descriptor of a plugin. It is treated as
// immutable once fetched; the registry only ever hands out clones.
type Manifest struct {
	Name        string            `json:"name" yaml:"name"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	DisplayName string            `json:"displayName" yaml:"displayName"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Routes      []Route           `json:"routes" yaml:"routes"`
	Components  Components        `json:"components,omitempty" yaml:"components,omitempty"`
	Settings    *Settings         `json:"settings,omitempty" yaml:"settings,omitempty"`
	Fields      []FieldDefinition `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Route maps a path inside the plugin to the component rendering it
type Route struct {
	Path      string `json:"path" yaml:"path"`
	Component string `json:"component" yaml:"component"`
	Title     string `json:"title,omitempty" yaml:"title,omitempty"`
}

// Components holds the named component references a plugin contributes per category
type Components struct {
	Menu     map[string]string `json:"menu,omitempty" yaml:"menu,omitempty"`
	Settings map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`
	Fields   map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
	Forms    map[string]string `json:"forms,omitempty" yaml:"forms,omitempty"`
}

// Settings describes the optional settings page of a plugin
type Settings struct {
	Menu      *SettingsMenu `json:"menu,omitempty" yaml:"menu,omitempty"`
	Component string        `json:"component,omitempty" yaml:"component,omitempty"`
}

// SettingsMenu is the entry a plugin adds to the settings navigation
type SettingsMenu struct {
	Label string `json:"label" yaml:"label"`
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
	Icon  string `json:"icon,omitempty" yaml:"icon,omitempty"`
}

// FieldDefinition declares a custom content field type
type FieldDefinition struct {
	Type             string `json:"type" yaml:"type"`
	Label            string `json:"label" yaml:"label"`
	Description      string `json:"description,omitempty" yaml:"description,omitempty"`
	FormComponent    string `json:"formComponent" yaml:"formComponent"`
	DisplayComponent string `json:"displayComponent,omitempty" yaml:"displayComponent,omitempty"`
}

// ComponentsFor returns the component map of a category, or nil for unknown categories
func (c Components) ComponentsFor(category Category) map[string]string {
	switch category {
	case CategoryMenu:
		return c.Menu
	case CategorySettings:
		return c.Settings
	case CategoryFields:
		return c.Fields
	case CategoryForms:
		return c.Forms
	default:
		return nil
	}
}

// Clone returns a deep copy of the manifest
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}

	out := *m
	if m.Routes != nil {
		out.Routes = append([]Route(nil), m.Routes...)
	}
	if m.Fields != nil {
		out.Fields = append([]FieldDefinition(nil), m.Fields...)
	}
	out.Components = Components{
		Menu:     cloneRefs(m.Components.Menu),
		Settings: cloneRefs(m.Components.Settings),
		Fields:   cloneRefs(m.Components.Fields),
		Forms:    cloneRefs(m.Components.Forms),
	}
	if m.Settings != nil {
		s := *m.Settings
		if m.Settings.Menu != nil {
			menu := *m.Settings.Menu
			s.Menu = &menu
		}
		out.Settings = &s
	}

	return &out
}

func cloneRefs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// LoadedPlugin is the outcome of a load attempt for one plugin.
// Identity is Manifest.Name.
type LoadedPlugin struct {
	Manifest *Manifest `json:"manifest"`
	Loaded   bool      `json:"loaded"`
	Error    string    `json:"error,omitempty"`
	LoadedAt time.Time `json:"loadedAt,omitzero"`
	Location string    `json:"location,omitempty"`
}

// Name returns the plugin name, or "" when no manifest is attached
func (p LoadedPlugin) Name() string {
	if p.Manifest == nil {
		return ""
	}
	return p.Manifest.Name
}

func (p LoadedPlugin) clone() LoadedPlugin {
	p.Manifest = p.Manifest.Clone()
	return p
}

// RegistryState is a read-only snapshot of the registry
type RegistryState struct {
	Plugins map[string]LoadedPlugin `json:"plugins"`
	Loading bool                    `json:"loading"`
	Error   string                  `json:"error,omitempty"`
}

// Implementation is a concrete component value contributed by an in-process module
type Implementation struct {
	Category Category
	Name     string
	Value    any
}

// Component is the result of a capability lookup
type Component struct {
	Plugin   string   `json:"plugin"`
	Category Category `json:"category"`
	Name     string   `json:"name"`
	Ref      string   `json:"ref,omitempty"`
	Impl     any      `json:"-"`
}

// Registrar is the self-registration entry point handed to loaded modules
type Registrar interface {
	Register(manifest *Manifest, impls ...Implementation) error
}

// ModuleLoader causes the code at a location to execute inside the host.
// It only reports the transport-level outcome; registration is observed
// separately through the Registrar.
type ModuleLoader interface {
	Execute(ctx context.Context, location string) error
}

// Releaser is implemented by loaders that hold resources per loaded module
type Releaser interface {
	Release(ctx context.Context, location string) error
}

// ManifestSource retrieves a plugin's manifest from a location
type ManifestSource interface {
	Fetch(ctx context.Context, location string) (*Manifest, error)
}

// Enumerator lists candidate plugin names under a root location
type Enumerator interface {
	Enumerate(ctx context.Context) ([]string, error)
}

// Observer receives a registry snapshot after every mutation
type Observer func(RegistryState)
