package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceNamespace = "extensionhost"

	defaultDialTimeout    = 10 * time.Second
	defaultBatchTimeout   = 5 * time.Second
	defaultMetricInterval = 10 * time.Second
	defaultMaxBatchSize   = 512
)

// TelemetryConfig describes where the host ships spans and metrics
type TelemetryConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Insecure       bool
	// SampleRatio is the fraction of root spans sampled; 0 or 1 and above samples everything
	SampleRatio float64
	// BatchTimeout and MetricInterval fall back to 5s and 10s when zero
	BatchTimeout   time.Duration
	MetricInterval time.Duration
}

func (c TelemetryConfig) withDefaults() TelemetryConfig {
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	if c.MetricInterval <= 0 {
		c.MetricInterval = defaultMetricInterval
	}
	return c
}

func (c TelemetryConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio <= 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

func (c TelemetryConfig) dialOptions() []grpc.DialOption {
	if !c.Insecure {
		return nil
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
}

// Telemetry owns the OTLP tracer and meter providers of the host.
// A disabled Telemetry is usable and its Shutdown is a no-op.
type Telemetry struct {
	cfg    TelemetryConfig
	tracer *sdktrace.TracerProvider
	meter  *metric.MeterProvider
	log    logrus.FieldLogger
}

// NewTelemetry connects the OTLP exporters and installs the providers and
// the W3C propagator as the process globals otelhttp reads from.
func NewTelemetry(ctx context.Context, cfg TelemetryConfig, log logrus.FieldLogger) (*Telemetry, error) {
	cfg = cfg.withDefaults()
	t := &Telemetry{cfg: cfg, log: log.WithField("component", "telemetry")}
	if !cfg.Enabled {
		t.log.Info("OpenTelemetry export disabled")
		return t, nil
	}

	res, err := telemetryResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	spanExporter, err := otlptracegrpc.New(dialCtx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(cfg.dialOptions()...),
	)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(dialCtx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithDialOption(cfg.dialOptions()...),
	)
	if err != nil {
		_ = spanExporter.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	t.tracer = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithBatcher(spanExporter,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(defaultMaxBatchSize),
		),
	)
	t.meter = metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(cfg.MetricInterval))),
	)

	otel.SetTracerProvider(t.tracer)
	otel.SetMeterProvider(t.meter)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t.log.WithFields(logrus.Fields{
		"endpoint":        cfg.Endpoint,
		"sample_ratio":    cfg.SampleRatio,
		"batch_timeout":   cfg.BatchTimeout,
		"metric_interval": cfg.MetricInterval,
	}).Info("OpenTelemetry export enabled")
	return t, nil
}

func telemetryResource(ctx context.Context, cfg TelemetryConfig) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.ServiceNamespaceKey.String(serviceNamespace),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("describe telemetry resource: %w", err)
	}
	return res, nil
}

// Enabled reports whether spans and metrics leave the process
func (t *Telemetry) Enabled() bool {
	return t != nil && t.tracer != nil
}

// Tracer returns a named tracer, falling back to the global provider when export is off
func (t *Telemetry) Tracer(name string) trace.Tracer {
	if !t.Enabled() {
		return otel.Tracer(name)
	}
	return t.tracer.Tracer(name)
}

// Shutdown flushes pending spans and metrics and closes the exporters
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}

	err := errors.Join(
		wrapShutdown("tracer provider", t.tracer.Shutdown(ctx)),
		wrapShutdown("meter provider", t.meter.Shutdown(ctx)),
	)
	if err != nil {
		t.log.WithError(err).Error("OpenTelemetry shutdown incomplete")
		return err
	}
	t.log.Info("OpenTelemetry flushed")
	return nil
}

func wrapShutdown(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s shutdown: %w", what, err)
}
