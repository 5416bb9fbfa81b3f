// Package plugins provides the extension runtime of the host: discovery, loading,
// self-registration and capability lookup for independently deployed plugins.
//
// # Overview
//
// A plugin lives at a location (a directory, an HTTP base URL, an S3 prefix or a
// builtin:// name). Each location carries a manifest (config.json, config.yaml or
// config.yml) and a module. Loading a plugin fetches the manifest, waits for the
// host to be ready, executes the module and then waits for the module to call
// back into the Registry to announce itself.
//
// # Components
//
// Fetcher: Retrieves, validates and caches manifests through a Transport
// ReadinessGate: Bounded wait for shared host dependencies before modules run
// ModuleLoader: Executes the code at a location (see pkg/plugins/loaders)
// Registry: Single owner of plugin state, notifies observers after every mutation
// Discoverer: Enumerates candidates and loads them concurrently, never failing
// Watcher: Reconciles the registry with a local plugin root on file changes
//
// # Usage Example
//
//	fetcher := plugins.NewFetcher(sources.NewMulti(nil), log)
//	gate := plugins.NewReadinessGate(plugins.DefaultReadinessTimeout)
//	registry := plugins.NewRegistry(fetcher, loader,
//		plugins.WithLogger(log),
//		plugins.WithReadinessGate(gate),
//	)
//
//	unsubscribe := registry.Subscribe(func(state plugins.RegistryState) {
//		fmt.Println(len(state.Plugins), "plugins")
//	})
//	defer unsubscribe()
//
//	gate.MarkReady()
//	discoverer := plugins.NewDiscoverer(registry, sources.NewDirEnumerator("/var/lib/exthost/plugins"))
//	for _, p := range discoverer.Discover(ctx) {
//		fmt.Println("loaded", p.Name())
//	}
//
//	if c, ok := registry.Resolve("media-plugin", plugins.CategoryMenu, "Gallery"); ok {
//		fmt.Println(c.Ref)
//	}
//
// # Related Packages
//
//   - pkg/plugins/sources: Location transports and candidate enumerators
//   - pkg/plugins/cache: Manifest caches
//   - pkg/plugins/loaders: Module loader implementations
//   - pkg/pluginsdk: Self-registration client for out-of-process plugins
package plugins
