// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

// Package config loads and validates Auditcast configuration from
// defaults, an optional YAML file, and environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the distribution service.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Security     SecurityConfig     `koanf:"security"`
	Connections  ConnectionsConfig  `koanf:"connections"`
	Subscription SubscriptionConfig `koanf:"subscription"`
	Fallback     FallbackConfig     `koanf:"fallback"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Health       HealthConfig       `koanf:"health"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// SecurityConfig holds credential verification and admission policy.
type SecurityConfig struct {
	// JWTSecret signs and verifies bearer tokens. Required.
	JWTSecret string `koanf:"jwt_secret" validate:"required,min=32"`

	// AllowedRoles is the fixed allow-list of roles that may hold an
	// audit stream connection.
	AllowedRoles []string `koanf:"allowed_roles"`

	// HandshakeRateLimit is the per-IP request ceiling on the websocket
	// handshake endpoint.
	HandshakeRateLimit  int           `koanf:"handshake_rate_limit"`
	HandshakeRateWindow time.Duration `koanf:"handshake_rate_window"`

	// MessageRatePerSecond and MessageBurst bound inbound control
	// messages per connection.
	MessageRatePerSecond float64 `koanf:"message_rate_per_second"`
	MessageBurst         int     `koanf:"message_burst"`
}

// ConnectionsConfig holds admission ceilings and liveness settings.
type ConnectionsConfig struct {
	MaxTotal   int `koanf:"max_total" validate:"min=1"`
	MaxPerUser int `koanf:"max_per_user" validate:"min=1"`
	MaxPerIP   int `koanf:"max_per_ip" validate:"min=1"`

	// SuspiciousThreshold is the (user, ip) admission-attempt count that
	// trips refusal; each attempt decays one minute after it was made.
	SuspiciousThreshold int           `koanf:"suspicious_threshold"`
	SuspiciousDecay     time.Duration `koanf:"suspicious_decay"`

	// StaleTimeout is the inactivity threshold for the registry sweep.
	StaleTimeout  time.Duration `koanf:"stale_timeout"`
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// HeartbeatInterval is how often the gateway broadcasts heartbeats.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// IdleTimeout and IdleSweepInterval govern the gateway-level
	// disconnect of silent connections.
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	IdleSweepInterval time.Duration `koanf:"idle_sweep_interval"`
}

// SubscriptionConfig holds subscription lifecycle settings.
type SubscriptionConfig struct {
	// MaxAge is the inactivity threshold for subscription sweeps.
	MaxAge        time.Duration `koanf:"max_age"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// FallbackConfig holds the delivery fallback queue settings.
type FallbackConfig struct {
	Enabled       bool          `koanf:"enabled"`
	MaxSize       int           `koanf:"max_size" validate:"min=1"`
	BatchSize     int           `koanf:"batch_size" validate:"min=1"`
	MaxRetries    int           `koanf:"max_retries" validate:"min=1"`
	RetryInterval time.Duration `koanf:"retry_interval"`
}

// MetricsConfig holds the metrics aggregator settings.
type MetricsConfig struct {
	// CacheTTL bounds staleness of cached metrics snapshots.
	CacheTTL time.Duration `koanf:"cache_ttl"`

	// SummaryTTL bounds staleness of computed summary windows.
	SummaryTTL time.Duration `koanf:"summary_ttl"`

	// ThrottleWindow suppresses repeat immediate broadcasts per key.
	ThrottleWindow time.Duration `koanf:"throttle_window"`

	// SendGap is the pause between queued metric broadcasts.
	SendGap time.Duration `koanf:"send_gap"`
}

// HealthConfig holds the self-monitoring settings.
type HealthConfig struct {
	CollectionInterval time.Duration `koanf:"collection_interval"`
	AssessmentInterval time.Duration `koanf:"assessment_interval"`

	// ErrorRatePercent is the fallback-retry-to-connection ratio above
	// which the score is penalized.
	ErrorRatePercent float64 `koanf:"error_rate_percent"`

	// MaxConnectionsPerIP is the per-IP concentration above which the
	// score is penalized.
	MaxConnectionsPerIP int `koanf:"max_connections_per_ip"`

	// QueueBacklogThreshold is the fallback queue depth above which the
	// score is penalized.
	QueueBacklogThreshold int `koanf:"queue_backlog_threshold"`

	// MinAvgConnectionAge is the average connection duration below which
	// the score is penalized.
	MinAvgConnectionAge time.Duration `koanf:"min_avg_connection_age"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Validate checks structural constraints and cross-field invariants.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Connections.MaxPerUser > c.Connections.MaxTotal {
		return fmt.Errorf("connections.max_per_user (%d) exceeds connections.max_total (%d)",
			c.Connections.MaxPerUser, c.Connections.MaxTotal)
	}
	if c.Connections.MaxPerIP > c.Connections.MaxTotal {
		return fmt.Errorf("connections.max_per_ip (%d) exceeds connections.max_total (%d)",
			c.Connections.MaxPerIP, c.Connections.MaxTotal)
	}
	if c.Fallback.BatchSize > c.Fallback.MaxSize {
		return fmt.Errorf("fallback.batch_size (%d) exceeds fallback.max_size (%d)",
			c.Fallback.BatchSize, c.Fallback.MaxSize)
	}
	return nil
}
