package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Tests here mutate otel globals and must not run in parallel.

func TestInitTracingDisabledInstallsPropagator(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), Config{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	require.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestInitTracingEnabledRecordsSpans(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), Config{Enabled: true, SampleRatio: 1})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, shutdown(context.Background())) })

	ctx, span := otel.Tracer("test").Start(context.Background(), "job")
	defer span.End()
	require.True(t, span.SpanContext().IsValid())
	require.True(t, span.IsRecording())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
}
