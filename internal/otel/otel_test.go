package otel

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/resource"
)

func TestSetupOTelSDK_DisabledIsNoop(t *testing.T) {
	shutdown, err := SetupOTelSDK(context.Background(), "vmrunner", Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewTraceProvider_StdOutWritesToDebugWriter(t *testing.T) {
	var buf bytes.Buffer
	tp, err := newTraceProvider(context.Background(), resource.Default(), Config{StdOut: true}, &buf)
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "runner.start")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "runner.start")
}

func TestNewMeterProvider_StdOutWritesToDebugWriter(t *testing.T) {
	var buf bytes.Buffer
	mp, err := newMeterProvider(context.Background(), resource.Default(), Config{StdOut: true}, &buf)
	require.NoError(t, err)

	counter, err := mp.Meter("test").Int64Counter("vmrunner.instances.created")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	require.NoError(t, mp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "vmrunner.instances.created")
}
