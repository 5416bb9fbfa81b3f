package main

import (
	"github.com/platinummonkey/extensionhost/pkg/plugins"
	"github.com/platinummonkey/extensionhost/pkg/plugins/loaders"
)

// The host ships a settings page describing itself as a builtin extension.
func init() {
	manifest := &plugins.Manifest{
		Name:        "host-info",
		Version:     "1.0.0",
		DisplayName: "Host Info",
		Description: "Version and runtime details of the extension host",
		Routes: []plugins.Route{
			{Path: "/", Component: "HostInfo", Title: "About"},
		},
		Components: plugins.Components{
			Settings: map[string]string{"HostInfo": "./HostInfo"},
		},
		Settings: &plugins.Settings{
			Menu:      &plugins.SettingsMenu{Label: "About", Path: "/settings/host-info", Icon: "info"},
			Component: "HostInfo",
		},
	}

	loaders.RegisterBuiltin(manifest, func(r plugins.Registrar) error {
		return r.Register(manifest, plugins.Implementation{
			Category: plugins.CategorySettings,
			Name:     "HostInfo",
			Value:    map[string]string{"version": version},
		})
	})
}
