package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FLEETD_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "auto", cfg.LogFormat)
	assert.Equal(t, 8883, cfg.CloudPort)
	assert.True(t, cfg.CloudUseTLS)
	assert.Equal(t, "yolo/control", cfg.CloudControlTopic)
	assert.False(t, cfg.CloudEnabled())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLEETD_DATA_DIR", t.TempDir())
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("FLEETD_METRICS_ADDR", "0.0.0.0:9200")
	t.Setenv("FLEETD_CLOUD_ENDPOINT", "detect.example.com")
	t.Setenv("FLEETD_CLOUD_PORT", "1883")
	t.Setenv("FLEETD_CLOUD_TLS", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:9200", cfg.MetricsAddr)
	assert.True(t, cfg.CloudEnabled())
	assert.Equal(t, 1883, cfg.CloudPort)
	assert.False(t, cfg.CloudUseTLS)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("FLEETD_DATA_DIR", t.TempDir())
	t.Setenv("FLEETD_CLOUD_PORT", "not-a-port")

	_, err := Load()
	assert.Error(t, err)
}
