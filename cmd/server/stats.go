// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package main

import (
	"context"
	"time"

	"github.com/schoolworks/auditcast/internal/fallback"
	"github.com/schoolworks/auditcast/internal/gateway"
	"github.com/schoolworks/auditcast/internal/health"
	"github.com/schoolworks/auditcast/internal/metricsagg"
	"github.com/schoolworks/auditcast/internal/registry"
)

// statsProvider bridges component counters to the consumers that read
// them: the health monitor, the metrics aggregator and the stats API.
type statsProvider struct {
	conns        *registry.Registry
	queue        *fallback.Queue
	aggregator   *metricsagg.Aggregator
	hub          *gateway.Hub
	staleTimeout time.Duration
}

func (s *statsProvider) ConnectionStats() registry.Stats {
	return s.conns.Stats(s.staleTimeout)
}

func (s *statsProvider) FallbackStats() fallback.Stats {
	return s.queue.Stats()
}

func (s *statsProvider) AggregatorStats() health.AggregatorStats {
	agg := s.aggregator.Stats()
	return health.AggregatorStats{
		CachedSnapshots: agg.CachedSnapshots,
		QueuedUpdates:   agg.QueuedUpdates,
		TotalBroadcasts: agg.TotalBroadcasts,
		TotalThrottled:  agg.TotalThrottled,
	}
}

// ActivityWindow implements metricsagg.StatsSource from the live
// distribution counters. The window is reported back so consumers can
// label the aggregate they received.
func (s *statsProvider) ActivityWindow(_ context.Context, window time.Duration) (map[string]interface{}, error) {
	connStats := s.conns.Stats(s.staleTimeout)
	gwStats := s.hub.Metrics()
	return map[string]interface{}{
		"windowSeconds":     int64(window.Seconds()),
		"activeConnections": connStats.Active,
		"totalRegistered":   connStats.TotalRegistered,
		"totalRejected":     connStats.TotalRejected,
		"messagesSent":      gwStats.MessagesSent,
		"broadcastsTotal":   gwStats.BroadcastsTotal,
	}, nil
}
