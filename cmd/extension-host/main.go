package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/extensionhost/pkg/api"
	"github.com/platinummonkey/extensionhost/pkg/async"
	"github.com/platinummonkey/extensionhost/pkg/config"
	"github.com/platinummonkey/extensionhost/pkg/journal"
	"github.com/platinummonkey/extensionhost/pkg/middleware"
	"github.com/platinummonkey/extensionhost/pkg/observability"
	"github.com/platinummonkey/extensionhost/pkg/plugins"
	"github.com/platinummonkey/extensionhost/pkg/plugins/cache"
	"github.com/platinummonkey/extensionhost/pkg/plugins/loaders"
	"github.com/platinummonkey/extensionhost/pkg/plugins/sources"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Extension host failed")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.WithFields(logrus.Fields{
		"version":     version,
		"plugin_root": cfg.Plugins.Root,
	}).Info("Starting extension host")

	telemetry, err := observability.NewTelemetry(ctx, observability.TelemetryConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	var (
		metrics     *plugins.Metrics
		httpMetrics *observability.HTTPMetrics
	)
	if cfg.Observability.MetricsEnabled {
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = plugins.NewMetrics(promRegistry)
		httpMetrics = observability.NewHTTPMetrics(promRegistry)
	}

	// Transports
	httpClient := sources.NewHTTPClient(cfg.Plugins.PluginTimeout)
	transport := sources.NewMulti(httpClient).
		Handle(sources.SchemeBuiltin, loaders.DefaultBuiltins)

	var s3Client sources.S3API
	if sources.Scheme(cfg.Plugins.Root) == sources.SchemeS3 {
		client, err := sources.NewS3Client(ctx, sources.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
		if err != nil {
			return err
		}
		s3Client = client
		transport.Handle(sources.SchemeS3, sources.NewS3Source(client))
	}

	// Manifest cache
	fetcherOpts := []plugins.FetcherOption{plugins.WithFetcherMetrics(metrics)}
	var redisClient *redis.Client
	switch cfg.Cache.Kind {
	case config.CacheMemory:
		fetcherOpts = append(fetcherOpts, plugins.WithManifestCache(cache.NewMemoryCache(cache.Config{
			Size: cfg.Cache.Size,
			TTL:  cfg.Cache.TTL,
		})))
	case config.CacheRedis:
		redisClient, err = cache.NewRedisClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		fetcherOpts = append(fetcherOpts, plugins.WithManifestCache(cache.NewRedisCache(redisClient, cfg.Cache.TTL, log)))
	}
	fetcher := plugins.NewFetcher(transport, log, fetcherOpts...)

	// Loaders and registry
	cacheDir := cfg.Plugins.ModuleCacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "extensionhost", "modules")
	}
	var dynlib *loaders.Dynlib
	if cfg.Plugins.SharedObjects {
		dynlib = loaders.NewDynlib(transport, cacheDir)
	}
	process := loaders.NewProcess(cfg.RegisterURL(),
		loaders.WithTransport(transport),
		loaders.WithCacheDir(cacheDir),
		loaders.WithStopTimeout(cfg.Plugins.ProcessStopTimeout),
		loaders.WithProcessLogger(log),
	)
	loader := loaders.NewMux(loaders.NewBuiltin(loaders.DefaultBuiltins), dynlib, process)

	gate := plugins.NewReadinessGate(cfg.Plugins.ReadinessTimeout, plugins.WithGateLogger(log))
	registry := plugins.NewRegistry(fetcher, loader,
		plugins.WithLogger(log),
		plugins.WithReadinessGate(gate),
		plugins.WithRegistrationGrace(cfg.Plugins.RegistrationGrace),
		plugins.WithLoadTimeout(cfg.Plugins.ReadinessTimeout+cfg.Plugins.PluginTimeout+cfg.Plugins.RegistrationGrace),
		plugins.WithMetrics(metrics),
	)
	loader.Bind(registry)

	// Discovery
	locate := func(name string) string { return sources.Join(cfg.Plugins.Root, name) }
	enumerator, err := sources.NewEnumerator(cfg.Plugins.Root, httpClient, s3Client)
	if err != nil {
		return err
	}
	discoverer := plugins.NewDiscoverer(registry, enumerator,
		plugins.WithEnumerationTimeout(cfg.Plugins.DiscoveryTimeout),
		plugins.WithPluginTimeout(cfg.Plugins.PluginTimeout),
		plugins.WithLocator(locate),
		plugins.WithDiscoveryLogger(log),
		plugins.WithDiscoveryMetrics(metrics),
	)
	builtins := plugins.NewDiscoverer(registry, loaders.DefaultBuiltins,
		plugins.WithPluginTimeout(cfg.Plugins.PluginTimeout),
		plugins.WithLocator(loaders.BuiltinLocation),
		plugins.WithDiscoveryLogger(log),
	)

	apiOpts := []api.Option{
		api.WithDiscoverer(discoverer),
		api.WithLocator(locate),
		api.WithHTTPMetrics(httpMetrics),
		api.WithLogger(log),
	}
	if cfg.Server.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Server.RateLimit,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.Server.RateLimitBurst,
		})
		limiter.StartCleanup(ctx)
		apiOpts = append(apiOpts, api.WithRateLimiter(limiter))
	}

	// Journal
	var journalStore *journal.SQLStore
	var lifecycle *journal.Journal
	if cfg.Journal.Driver != "" {
		journalStore, err = journal.Open(ctx, cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return err
		}
		lifecycle = journal.New(journalStore, log)
		lifecycle.Start(ctx)
		registry.Subscribe(lifecycle.Observe)
		apiOpts = append(apiOpts, api.WithJournal(lifecycle))
	}

	// Servers
	apiServer := api.NewServer(registry, apiOpts...)
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	checker := observability.NewHealthChecker(journalDB(journalStore), redisClient)
	checker.SetVersion(version)
	checker.AddCheck("readiness", false, func(ctx context.Context) error {
		if !gate.IsReady() {
			return errors.New("host dependencies are not ready")
		}
		return nil
	})

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, promRegistry)
	}
	healthServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:      healthMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	go func() {
		log.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Health server failed")
		}
	}()
	go func() {
		log.WithField("addr", server.Addr).Info("API server listening")
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("API server failed")
		}
	}()

	// Extension processes call back into the API, so it has to be reachable first
	gate.MarkReady()

	shutdown := observability.NewShutdownManager(log, cfg.Server.ShutdownTimeout, server, healthServer)

	async.SafeGoNoError(ctx, log, 5*time.Minute, "initial discovery", func(ctx context.Context) {
		loaded := builtins.Discover(ctx)
		if cfg.Plugins.DiscoverOnStartup {
			loaded = append(loaded, discoverer.Discover(ctx)...)
		}
		log.WithField("loaded", len(loaded)).Info("Initial discovery complete")
	})

	if cfg.Plugins.RediscoverSchedule != "" {
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(cfg.Plugins.RediscoverSchedule, func() {
			defer observability.RecoverPanic(log, "scheduled discovery")
			loaded := discoverer.Discover(ctx)
			log.WithField("loaded", len(loaded)).Debug("Scheduled discovery complete")
		}); err != nil {
			return fmt.Errorf("failed to schedule rediscovery: %w", err)
		}
		scheduler.Start()
		log.WithField("schedule", cfg.Plugins.RediscoverSchedule).Info("Scheduled plugin rediscovery")

		shutdown.RegisterShutdownFunc("cron", func(ctx context.Context) error {
			select {
			case <-scheduler.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	if cfg.Plugins.Watch {
		watcher := plugins.NewWatcher(sources.LocalPath(cfg.Plugins.Root), registry, discoverer,
			plugins.WithWatchLocator(locate),
			plugins.WithWatcherLogger(log),
		)
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		shutdown.RegisterShutdownFunc("watcher", func(ctx context.Context) error {
			watcher.Stop()
			return nil
		})
	}

	shutdown.RegisterShutdownFunc("extension processes", loader.Shutdown)
	if lifecycle != nil {
		shutdown.RegisterShutdownFunc("journal", func(ctx context.Context) error {
			lifecycle.Close()
			return journalStore.Close()
		})
	}
	shutdown.RegisterShutdownFunc("opentelemetry", telemetry.Shutdown)

	return shutdown.WaitForShutdown(ctx)
}

func journalDB(store *journal.SQLStore) *sql.DB {
	if store == nil {
		return nil
	}
	return store.DB()
}
