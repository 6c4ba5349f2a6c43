package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bybx/internal/config"
	"bybx/internal/shared/testutil"
	"bybx/pkg/contracts/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Storage.Path = filepath.Join(t.TempDir(), "db", "activation.db")
	cfg.Storage.Secret = strings.Repeat("s", config.MinStorageSecretLength)
	cfg.Security.AdminAPIKeys = []string{"admin-key"}
	return cfg
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	cfg := testConfig(t)
	cfg.Storage.Secret = "short"

	_, err := NewApplication(cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.secret")
}

func TestNewApplication_UnsupportedTelemetry(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	cfg := testConfig(t)
	cfg.Telemetry.Metrics = "statsd"

	_, err := NewApplication(cfg, logger)
	assert.Error(t, err)
}

func TestApplication_StartServeStop(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	app, err := NewApplication(testConfig(t), logger)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	base := "http://" + app.Addr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	var health domain.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health.Status)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "http_requests_total")

	require.NoError(t, app.Stop(ctx))
	assert.True(t, logs.ContainsMessage("application shutdown complete"))

	_, err = http.Get(base + "/healthz")
	assert.Error(t, err, "server no longer accepts connections")
}

func TestApplication_RunStopsOnCancel(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	app, err := NewApplication(testConfig(t), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool { return app.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
