// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/auditcast/config.yaml",
	"/etc/auditcast/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    4480,
			Timeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			JWTSecret:            "",
			AllowedRoles:         []string{"super_admin", "admin", "auditor"},
			HandshakeRateLimit:   30,
			HandshakeRateWindow:  time.Minute,
			MessageRatePerSecond: 10,
			MessageBurst:         20,
		},
		Connections: ConnectionsConfig{
			MaxTotal:            1000,
			MaxPerUser:          5,
			MaxPerIP:            20,
			SuspiciousThreshold: 10,
			SuspiciousDecay:     time.Minute,
			StaleTimeout:        30 * time.Minute,
			SweepInterval:       5 * time.Minute,
			HeartbeatInterval:   30 * time.Second,
			IdleTimeout:         5 * time.Minute,
			IdleSweepInterval:   time.Minute,
		},
		Subscription: SubscriptionConfig{
			MaxAge:        24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Fallback: FallbackConfig{
			Enabled:       true,
			MaxSize:       10000,
			BatchSize:     50,
			MaxRetries:    3,
			RetryInterval: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			CacheTTL:       5 * time.Minute,
			SummaryTTL:     time.Minute,
			ThrottleWindow: 5 * time.Second,
			SendGap:        100 * time.Millisecond,
		},
		Health: HealthConfig{
			CollectionInterval:    30 * time.Second,
			AssessmentInterval:    60 * time.Second,
			ErrorRatePercent:      20,
			MaxConnectionsPerIP:   10,
			QueueBacklogThreshold: 100,
			MinAvgConnectionAge:   5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in values
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines which config paths are parsed as
// comma-separated slices when supplied via environment variables.
var sliceConfigPaths = []string{
	"security.allowed_roles",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so random environment state cannot
// pollute the configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server
		"http_host":    "server.host",
		"http_port":    "server.port",
		"http_timeout": "server.timeout",

		// Security
		"jwt_secret":              "security.jwt_secret",
		"allowed_roles":           "security.allowed_roles",
		"handshake_rate_limit":    "security.handshake_rate_limit",
		"handshake_rate_window":   "security.handshake_rate_window",
		"message_rate_per_second": "security.message_rate_per_second",
		"message_burst":           "security.message_burst",

		// Connections
		"max_connections":          "connections.max_total",
		"max_connections_per_user": "connections.max_per_user",
		"max_connections_per_ip":   "connections.max_per_ip",
		"suspicious_threshold":     "connections.suspicious_threshold",
		"suspicious_decay":         "connections.suspicious_decay",
		"stale_timeout":            "connections.stale_timeout",
		"stale_sweep_interval":     "connections.sweep_interval",
		"heartbeat_interval":       "connections.heartbeat_interval",
		"idle_timeout":             "connections.idle_timeout",
		"idle_sweep_interval":      "connections.idle_sweep_interval",

		// Subscriptions
		"subscription_max_age":        "subscription.max_age",
		"subscription_sweep_interval": "subscription.sweep_interval",

		// Fallback queue
		"fallback_enabled":        "fallback.enabled",
		"fallback_max_size":       "fallback.max_size",
		"fallback_batch_size":     "fallback.batch_size",
		"fallback_max_retries":    "fallback.max_retries",
		"fallback_retry_interval": "fallback.retry_interval",

		// Metrics aggregator
		"metrics_cache_ttl":       "metrics.cache_ttl",
		"metrics_summary_ttl":     "metrics.summary_ttl",
		"metrics_throttle_window": "metrics.throttle_window",
		"metrics_send_gap":        "metrics.send_gap",

		// Health monitor
		"health_collection_interval":     "health.collection_interval",
		"health_assessment_interval":     "health.assessment_interval",
		"health_error_rate_percent":      "health.error_rate_percent",
		"health_max_connections_per_ip":  "health.max_connections_per_ip",
		"health_queue_backlog_threshold": "health.queue_backlog_threshold",
		"health_min_avg_connection_age":  "health.min_avg_connection_age",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
