// Package config loads the process configuration for fleetd from the
// environment, with an optional .env file for development setups. Everything
// robot- and patrol-related lives in the store; this covers only what the
// process needs before the store is open.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	defaultDataDir     = "/var/lib/fleetd"
	defaultMetricsPort = 9091
)

// Config is the environment-driven process configuration.
type Config struct {
	DataDir     string
	LogLevel    string
	LogFormat   string
	MetricsAddr string

	// Cloud detection bus connection. Empty endpoint disables the cloud link.
	CloudEndpoint     string
	CloudPort         int
	CloudUsername     string
	CloudPassword     string
	CloudUseTLS       bool
	CloudControlTopic string
}

// Load reads configuration from the environment. A .env file next to the
// data directory (or the working directory) is applied first so development
// setups need no exported variables.
func Load() (*Config, error) {
	dataDir := defaultDataDir
	if dir := os.Getenv("FLEETD_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	} else if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from working directory")
	}

	// The data dir may itself come from the .env file.
	if dir := os.Getenv("FLEETD_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	cfg := &Config{
		DataDir:           dataDir,
		LogLevel:          "info",
		LogFormat:         "auto",
		MetricsAddr:       fmt.Sprintf("127.0.0.1:%d", defaultMetricsPort),
		CloudPort:         8883,
		CloudUseTLS:       true,
		CloudControlTopic: "yolo/control",
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if addr := os.Getenv("FLEETD_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}

	cfg.CloudEndpoint = os.Getenv("FLEETD_CLOUD_ENDPOINT")
	if port := os.Getenv("FLEETD_CLOUD_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("invalid FLEETD_CLOUD_PORT %q", port)
		}
		cfg.CloudPort = n
	}
	cfg.CloudUsername = os.Getenv("FLEETD_CLOUD_USERNAME")
	cfg.CloudPassword = os.Getenv("FLEETD_CLOUD_PASSWORD")
	if tls := os.Getenv("FLEETD_CLOUD_TLS"); tls != "" {
		b, err := strconv.ParseBool(tls)
		if err != nil {
			return nil, fmt.Errorf("invalid FLEETD_CLOUD_TLS %q", tls)
		}
		cfg.CloudUseTLS = b
	}
	if topic := os.Getenv("FLEETD_CLOUD_CONTROL_TOPIC"); topic != "" {
		cfg.CloudControlTopic = strings.TrimSpace(topic)
	}

	return cfg, nil
}

// CloudEnabled reports whether a cloud detection bus is configured.
func (c *Config) CloudEnabled() bool { return c.CloudEndpoint != "" }
