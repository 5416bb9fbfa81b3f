package observability

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestNewTelemetry_Disabled(t *testing.T) {
	tel, err := NewTelemetry(context.Background(), TelemetryConfig{}, discardLogger())
	require.NoError(t, err)

	assert.False(t, tel.Enabled())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NoError(t, tel.Shutdown(context.Background()))

	var missing *Telemetry
	assert.False(t, missing.Enabled())
	assert.NoError(t, missing.Shutdown(context.Background()))
}

func TestNewTelemetry_Enabled(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(tracenoop.NewTracerProvider()) })

	tel, err := NewTelemetry(context.Background(), TelemetryConfig{
		Enabled:     true,
		Endpoint:    "127.0.0.1:1",
		ServiceName: "extension-host-test",
		Insecure:    true,
		SampleRatio: 0.5,
	}, discardLogger())
	require.NoError(t, err)
	require.True(t, tel.Enabled())
	assert.Equal(t, 5*time.Second, tel.cfg.BatchTimeout)
	assert.Equal(t, 10*time.Second, tel.cfg.MetricInterval)

	_, span := tel.Tracer("test").Start(context.Background(), "op")
	span.End()

	// nothing listens on the endpoint; shutdown must still return once ctx expires
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = tel.Shutdown(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("telemetry shutdown did not return")
	}
}

func TestTelemetryConfig_Defaults(t *testing.T) {
	cfg := TelemetryConfig{BatchTimeout: time.Second}.withDefaults()
	assert.Equal(t, time.Second, cfg.BatchTimeout)
	assert.Equal(t, defaultMetricInterval, cfg.MetricInterval)
}

func TestTelemetryConfig_Sampler(t *testing.T) {
	assert.Contains(t, TelemetryConfig{}.sampler().Description(), "root:AlwaysOnSampler")
	assert.Contains(t, TelemetryConfig{SampleRatio: 1}.sampler().Description(), "root:AlwaysOnSampler")
	assert.Contains(t, TelemetryConfig{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased{0.25}")
}

func TestTelemetryConfig_DialOptions(t *testing.T) {
	assert.Empty(t, TelemetryConfig{}.dialOptions())
	assert.Len(t, TelemetryConfig{Insecure: true}.dialOptions(), 1)
}

func TestTelemetryResource(t *testing.T) {
	res, err := telemetryResource(context.Background(), TelemetryConfig{
		ServiceName:    "extension-host",
		ServiceVersion: "1.2.3",
	})
	require.NoError(t, err)

	set := res.Set()
	name, ok := set.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "extension-host", name.AsString())
	version, ok := set.Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", version.AsString())
	namespace, ok := set.Value(semconv.ServiceNamespaceKey)
	require.True(t, ok)
	assert.Equal(t, serviceNamespace, namespace.AsString())
}
