package infrastructure

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"bybx/internal/config"
	"bybx/internal/shared/testutil"
)

func TestInitializeOTel_Disabled(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	providers, err := InitializeOTel(config.TelemetryConfig{ServiceName: "bybx", Tracing: "none", Metrics: "none"}, nil, logger)
	require.NoError(t, err)

	assert.Nil(t, providers.TracerProvider)
	assert.Nil(t, providers.MeterProvider)
	assert.Nil(t, providers.MetricsHandler)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.Meter)
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestInitializeOTel_UnsupportedExporters(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)

	_, err := InitializeOTel(config.TelemetryConfig{Tracing: "jaeger", Metrics: "none"}, nil, logger)
	assert.Error(t, err)

	_, err = InitializeOTel(config.TelemetryConfig{Tracing: "none", Metrics: "statsd"}, nil, logger)
	assert.Error(t, err)
}

func TestInitializeOTel_StdoutTracing(t *testing.T) {
	var out bytes.Buffer
	logger, _ := testutil.NewTestLogger(t)
	providers, err := InitializeOTel(config.TelemetryConfig{ServiceName: "bybx-test", Tracing: "stdout", Metrics: "none"}, &out, logger)
	require.NoError(t, err)

	_, span := providers.Tracer.Start(context.Background(), "license.open")
	span.End()

	require.NoError(t, providers.Shutdown(context.Background()))
	assert.Contains(t, out.String(), "license.open")
	assert.Contains(t, out.String(), "bybx-test")
}

func TestInitializeOTel_PrometheusEndpoint(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	providers, err := InitializeOTel(config.TelemetryConfig{ServiceName: "bybx", Tracing: "none", Metrics: "prometheus"}, nil, logger)
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())
	require.NotNil(t, providers.MetricsHandler)

	metrics, err := CreateHTTPMetrics(providers.Meter)
	require.NoError(t, err)
	metrics.RequestsTotal.Add(context.Background(), 3, metric.WithAttributes(attribute.String("route", "/healthz")))

	rec := httptest.NewRecorder()
	providers.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "http_requests_total")
	assert.Contains(t, string(body), `route="/healthz"`)
	assert.Contains(t, string(body), "go_goroutines")
}
