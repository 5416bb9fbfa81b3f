// Package observability provides the host's logging, metrics, health and tracing plumbing.
//
// # Logging
//
// Loggers are logrus instances writing JSON:
//
//	log, err := observability.NewLogger("info", os.Stdout)
//	observability.WithTraceContext(ctx, log).Info("Loaded plugin")
//
// # Metrics
//
// HTTP metrics are labelled by route template so path parameters do not
// explode cardinality:
//
//	metrics := observability.NewHTTPMetrics(registry)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, nil)
//	checker.AddCheck("manifest-cache", false, redisCache.HealthCheck)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	telemetry, err := observability.NewTelemetry(ctx, observability.TelemetryConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "extension-host",
//	}, log)
//	defer telemetry.Shutdown(ctx)
//
// # Shutdown
//
// ShutdownManager stops the HTTP servers first and then runs the registered
// shutdown functions in order.
package observability
