package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromViper(newViper())
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, ":9090", cfg.GRPCAddr)
	require.Equal(t, 10*time.Second, cfg.RouteTimeout)
	require.Equal(t, 200.0, cfg.Fare.BaseFare)
	require.Equal(t, 500.0, cfg.Fare.PerKmRate)
	require.Equal(t, 256, cfg.SubscriberBuffer)
	require.Equal(t, "trip.events", cfg.EventsPrefix)
	require.True(t, cfg.Migrate)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":7000")
	t.Setenv("ROUTE_TIMEOUT", "2s")
	t.Setenv("FARE_PER_KM", "120.5")
	t.Setenv("DATABASE_URL", "postgres://localhost/trips")
	t.Setenv("POSTGRES_MIGRATE", "false")
	t.Setenv("OUTBOX_BATCH", "7")

	cfg, err := FromViper(newViper())
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.HTTPAddr)
	require.Equal(t, 2*time.Second, cfg.RouteTimeout)
	require.Equal(t, 120.5, cfg.Fare.PerKmRate)
	require.Equal(t, "postgres://localhost/trips", cfg.PostgresDSN)
	require.False(t, cfg.Migrate)
	require.Equal(t, 7, cfg.Outbox.BatchSize)
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("RIDE_TEST_UNUSED=1\nREDIS_ADDR=localhost:6390\n"), 0o600))
	t.Setenv("REDIS_ADDR", "")
	require.NoError(t, os.Unsetenv("REDIS_ADDR"))
	t.Cleanup(func() { _ = os.Unsetenv("RIDE_TEST_UNUSED") })

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "localhost:6390", cfg.RedisAddr)
}

func TestLoadWithoutEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	v := newViper()
	v.Set("FARE_BASE", -1)
	v.Set("SUBSCRIBER_BUFFER", 0)
	_, err := FromViper(v)
	require.ErrorContains(t, err, "fare rates")
	require.ErrorContains(t, err, "SUBSCRIBER_BUFFER")

	v = viper.New()
	_, err = FromViper(v)
	require.ErrorContains(t, err, "HTTP_ADDR")
}
