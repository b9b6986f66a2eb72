package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetupLoggerLevel(t *testing.T) {
	logger := SetupLogger("trip-service", "warn")
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger = SetupLogger("trip-service", "nonsense")
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestMetricsRouter(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(MetricsRouter(map[string]Check{
		"redis": func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("connection refused")
		},
	}))
	defer srv.Close()

	for _, path := range []string{"/healthz", "/metrics", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	healthy.Store(false)
	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Contains(t, string(body), "redis: connection refused")
}

func TestSetupTracer(t *testing.T) {
	shutdown, err := SetupTracer(context.Background(), "trip-service")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
