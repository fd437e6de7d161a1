// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

// Package metrics defines the Prometheus instruments for the
// distribution layer:
//   - connection admission and population
//   - broadcast fan-out throughput
//   - fallback queue depth and retry behavior
//   - distribution health score
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditcast_active_connections",
			Help: "Current number of live viewer connections",
		},
	)

	ConnectionsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditcast_connections_accepted_total",
			Help: "Total number of admitted connections",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcast_connections_rejected_total",
			Help: "Total number of refused connection attempts",
		},
		[]string{"reason"}, // max_total_exceeded, max_per_user_exceeded, max_per_ip_exceeded, suspicious_activity, bad_credential, role_denied
	)

	// Broadcast metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcast_messages_sent_total",
			Help: "Total outbound messages by type",
		},
		[]string{"type"},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcast_broadcasts_total",
			Help: "Total broadcast operations by kind",
		},
		[]string{"kind"}, // audit_event, metrics_update, heartbeat
	)

	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcast_delivery_failures_total",
			Help: "Total per-recipient delivery failures by cause",
		},
		[]string{"cause"}, // missing_transport, send_buffer_full
	)

	RateLimitedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditcast_rate_limited_messages_total",
			Help: "Total inbound messages refused by the admission interceptor",
		},
	)

	// Fallback queue metrics
	FallbackQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditcast_fallback_queue_depth",
			Help: "Current number of messages waiting in the fallback queue",
		},
	)

	FallbackEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcast_fallback_enqueued_total",
			Help: "Total messages accepted into the fallback queue by priority",
		},
		[]string{"priority"},
	)

	FallbackRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditcast_fallback_retries_total",
			Help: "Total fallback delivery retries",
		},
	)

	FallbackDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auditcast_fallback_discarded_total",
			Help: "Total messages discarded after exhausting their retry budget",
		},
	)

	// Health metrics
	HealthScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditcast_health_score",
			Help: "Latest distribution health score (0-100)",
		},
	)
)
