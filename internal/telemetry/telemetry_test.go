package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/pulsewatch/pulsewatch/internal/telemetry"
)

func TestInit_Disabled(t *testing.T) {
	ctx := context.Background()

	provider, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "pulsewatch-test",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
	})

	require.NoError(t, err)
	require.NotNil(t, provider)
	assert.NotNil(t, provider.Tracer)
	assert.NotNil(t, provider.Meter)
	assert.NotEmpty(t, provider.InstanceID)

	assert.Nil(t, provider.TracerProvider)
	assert.Nil(t, provider.MeterProvider)

	assert.NoError(t, provider.Shutdown(ctx))
}

func TestInit_InstanceIDsDiffer(t *testing.T) {
	ctx := context.Background()

	a, err := telemetry.Init(ctx, telemetry.Config{ServiceName: "a"})
	require.NoError(t, err)
	b, err := telemetry.Init(ctx, telemetry.Config{ServiceName: "b"})
	require.NoError(t, err)

	assert.NotEqual(t, a.InstanceID, b.InstanceID)
}

func TestProvider_Shutdown_NilProviders(t *testing.T) {
	provider := &telemetry.Provider{}
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	root := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Name:          "check",
	}

	t.Run("always", func(t *testing.T) {
		res := telemetry.Sampler(1).ShouldSample(root)
		assert.Equal(t, sdktrace.RecordAndSample, res.Decision)
	})

	t.Run("ratio drops high trace ids", func(t *testing.T) {
		res := telemetry.Sampler(0.01).ShouldSample(root)
		assert.Equal(t, sdktrace.Drop, res.Decision)
	})

	t.Run("sampled parent is followed", func(t *testing.T) {
		parent := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    root.TraceID,
			SpanID:     trace.SpanID{1},
			TraceFlags: trace.FlagsSampled,
		})
		params := root
		params.ParentContext = trace.ContextWithSpanContext(context.Background(), parent)

		res := telemetry.Sampler(0.01).ShouldSample(params)
		assert.Equal(t, sdktrace.RecordAndSample, res.Decision)
	})
}
