package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/rjw57/streamkinect2/internal/config"
	"github.com/stretchr/testify/require"
)

func clearKinectEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"KINECT2_NAME", "KINECT2_ADDRESS", "KINECT2_ADVERTISE",
		"KINECT2_LOG_LEVEL", "KINECT2_LOG_FORMAT", "KINECT2_METRICS_ADDR",
		"KINECT2_WORKER_COUNT", "KINECT2_MAX_IN_FLIGHT",
		"KINECT2_HEARTBEAT_PERIOD", "KINECT2_REQUEST_TIMEOUT",
		"KINECT2_REQUEST_MAX_TRIES", "KINECT2_CONNECT_IMMEDIATELY",
	} {
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	clearKinectEnv(t)
	cfg, err := config.LoadServerConfig()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Address)
	require.True(t, cfg.Advertise)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 0, cfg.WorkerCount)
	require.Equal(t, 0, cfg.MaxInFlight)
}

func TestLoadClientConfigDefaultsMatchSpecTable(t *testing.T) {
	clearKinectEnv(t)
	cfg, err := config.LoadClientConfig()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.HeartbeatPeriod)
	require.Equal(t, 500*time.Millisecond, cfg.RequestTimeout)
	require.Equal(t, 3, cfg.RequestMaxTries)
	require.False(t, cfg.ConnectImmediately)
}

func TestServerConfigValidateRejectsNegativeWorkerCount(t *testing.T) {
	cfg := &config.ServerConfig{WorkerCount: -1}
	require.Error(t, cfg.Validate())
}

func TestClientConfigValidateRejectsZeroMaxTries(t *testing.T) {
	cfg := &config.ClientConfig{RequestMaxTries: 0, RequestTimeout: time.Second, HeartbeatPeriod: time.Second}
	require.Error(t, cfg.Validate())
}

func TestClientConfigValidateRejectsNonPositiveTimeout(t *testing.T) {
	cfg := &config.ClientConfig{RequestMaxTries: 1, RequestTimeout: 0, HeartbeatPeriod: time.Second}
	require.Error(t, cfg.Validate())
}
