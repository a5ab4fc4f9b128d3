package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken,=empty, tenant=lend ")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "lend"}, headers)
}

func TestApplyEnvOverridesEndpoint(t *testing.T) {
	t.Setenv(envEndpoint, "collector:4318")
	t.Setenv(envHeaders, "x-token=1")
	t.Setenv(envInsecure, "true")
	cfg := Config{ServiceName: "lendingd", Endpoint: "localhost:4318"}
	cfg.ApplyEnv()
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.Equal(t, map[string]string{"x-token": "1"}, cfg.Headers)
	require.True(t, cfg.Insecure)
}

func TestInitWithoutSignalsIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "lendingd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestSamplerRatio(t *testing.T) {
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	require.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
