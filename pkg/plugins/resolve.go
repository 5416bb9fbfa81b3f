package plugins

import (
	"path"
	"sort"
)

// NavItem is a navigation entry derived from a loaded plugin's manifest
type NavItem struct {
	Label  string `json:"label"`
	Path   string `json:"path"`
	Icon   string `json:"icon,omitempty"`
	Plugin string `json:"plugin"`
}

// FieldType is a custom field definition together with the plugin contributing it
type FieldType struct {
	FieldDefinition
	Plugin string `json:"plugin"`
}

// Resolve looks up a component contributed by a loaded plugin. Unknown
// plugins, plugins that failed to load, unknown categories and unknown
// component names all report false; Resolve never panics.
func (r *Registry) Resolve(pluginName string, category Category, componentName string) (Component, bool) {
	if !isKnownCategory(category) || componentName == "" {
		return Component{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.plugins[pluginName]
	if !ok || !e.plugin.Loaded || e.plugin.Manifest == nil {
		return Component{}, false
	}

	ref, hasRef := e.plugin.Manifest.Components.ComponentsFor(category)[componentName]
	impl, hasImpl := e.impls[category][componentName]
	if !hasRef && !hasImpl {
		return Component{}, false
	}

	return Component{
		Plugin:   pluginName,
		Category: category,
		Name:     componentName,
		Ref:      ref,
		Impl:     impl,
	}, true
}

// MenuItems returns one navigation entry per loaded plugin with routes
func (r *Registry) MenuItems() []NavItem {
	var items []NavItem
	for _, p := range r.List() {
		if !p.Loaded || p.Manifest == nil || len(p.Manifest.Routes) == 0 {
			continue
		}
		m := p.Manifest

		label := m.DisplayName
		if label == "" {
			label = m.Name
		}
		icon := ""
		if m.Settings != nil && m.Settings.Menu != nil {
			icon = m.Settings.Menu.Icon
		}

		items = append(items, NavItem{
			Label:  label,
			Path:   path.Join("/plugins", m.Name, m.Routes[0].Path),
			Icon:   icon,
			Plugin: m.Name,
		})
	}
	return items
}

// SettingsItems returns the settings navigation entries of loaded plugins
func (r *Registry) SettingsItems() []NavItem {
	var items []NavItem
	for _, p := range r.List() {
		if !p.Loaded || p.Manifest == nil || p.Manifest.Settings == nil || p.Manifest.Settings.Menu == nil {
			continue
		}
		menu := p.Manifest.Settings.Menu

		itemPath := menu.Path
		if itemPath == "" {
			itemPath = path.Join("/settings/plugins", p.Manifest.Name)
		}

		items = append(items, NavItem{
			Label:  menu.Label,
			Path:   itemPath,
			Icon:   menu.Icon,
			Plugin: p.Manifest.Name,
		})
	}
	return items
}

// FieldTypes returns the custom field definitions of loaded plugins, sorted by type
func (r *Registry) FieldTypes() []FieldType {
	var fields []FieldType
	for _, p := range r.List() {
		if !p.Loaded || p.Manifest == nil {
			continue
		}
		for _, f := range p.Manifest.Fields {
			fields = append(fields, FieldType{FieldDefinition: f, Plugin: p.Manifest.Name})
		}
	}

	sort.SliceStable(fields, func(i, j int) bool {
		return fields[i].Type < fields[j].Type
	})
	return fields
}
