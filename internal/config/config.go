package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the agentrun service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	RunnerMode   string
	GatewayURL   string
	GatewayToken string

	DefaultModelID   string
	ExecutionTimeout time.Duration

	StreamReconnectInitial time.Duration
	StreamReconnectMax     time.Duration

	ReadinessInitialDelay time.Duration
	ReadinessMaxDelay     time.Duration
	ReadinessMaxAttempts  int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "agentrun"),
		AllowAnyOrigin:         false,
		RunnerMode:             strings.ToLower(envOrDefault("AGENT_RUNNER_MODE", "gateway")),
		GatewayURL:             envOrDefault("AGENT_GATEWAY_URL", "ws://127.0.0.1:18789"),
		GatewayToken:           stringsTrimSpace("AGENT_GATEWAY_TOKEN"),
		DefaultModelID:         envOrDefault("AGENT_DEFAULT_MODEL", ""),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:        15 * time.Second,
		ExecutionTimeout:       20 * time.Minute,
		StreamReconnectInitial: 1 * time.Second,
		StreamReconnectMax:     30 * time.Second,
		ReadinessInitialDelay:  250 * time.Millisecond,
		ReadinessMaxDelay:      2 * time.Second,
		ReadinessMaxAttempts:   8,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ExecutionTimeout, err = durationFromEnv("AGENT_EXECUTION_TIMEOUT", cfg.ExecutionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamReconnectInitial, err = durationFromEnv("STREAM_RECONNECT_INITIAL", cfg.StreamReconnectInitial)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamReconnectMax, err = durationFromEnv("STREAM_RECONNECT_MAX", cfg.StreamReconnectMax)
	if err != nil {
		return Config{}, err
	}
	cfg.ReadinessInitialDelay, err = durationFromEnv("READINESS_INITIAL_DELAY", cfg.ReadinessInitialDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ReadinessMaxDelay, err = durationFromEnv("READINESS_MAX_DELAY", cfg.ReadinessMaxDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ReadinessMaxAttempts, err = intFromEnv("READINESS_MAX_ATTEMPTS", cfg.ReadinessMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.ExecutionTimeout < time.Second {
		return Config{}, fmt.Errorf("AGENT_EXECUTION_TIMEOUT must be at least 1s")
	}
	if cfg.StreamReconnectInitial <= 0 {
		return Config{}, fmt.Errorf("STREAM_RECONNECT_INITIAL must be positive")
	}
	if cfg.StreamReconnectMax < cfg.StreamReconnectInitial {
		return Config{}, fmt.Errorf("STREAM_RECONNECT_MAX must be >= STREAM_RECONNECT_INITIAL")
	}
	switch cfg.RunnerMode {
	case "gateway", "mock":
	default:
		return Config{}, fmt.Errorf("invalid AGENT_RUNNER_MODE: %q (expected gateway|mock)", cfg.RunnerMode)
	}
	if cfg.ReadinessMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("READINESS_MAX_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
