// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/schoolworks/auditcast/internal/fallback"
	"github.com/schoolworks/auditcast/internal/gateway"
	"github.com/schoolworks/auditcast/internal/health"
	"github.com/schoolworks/auditcast/internal/logging"
	"github.com/schoolworks/auditcast/internal/registry"
)

// StatsSource supplies component statistics for the stats endpoints.
type StatsSource interface {
	ConnectionStats() registry.Stats
	FallbackStats() fallback.Stats
	AggregatorStats() health.AggregatorStats
}

// APIResponse is the envelope for all JSON responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

// HealthLive reports process liveness.
func (router *Router) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: map[string]string{"status": "alive"}})
}

// HealthReady reports whether the gateway accepts connections.
func (router *Router) HealthReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"status":        "ready",
			"activeClients": router.hub.ClientCount(),
		},
	})
}

// Health reports the scored health assessment. Degraded states still
// answer 200 so pollers can read the verdict; only the payload changes.
func (router *Router) Health(w http.ResponseWriter, r *http.Request) {
	assessment := router.monitor.Assess()
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: assessment})
}

// DistributionStats reports connection, queue and gateway counters.
func (router *Router) DistributionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: distributionStats{
			Connections: router.stats.ConnectionStats(),
			Fallback:    router.stats.FallbackStats(),
			Gateway:     router.hub.Metrics(),
		},
	})
}

type distributionStats struct {
	Connections registry.Stats         `json:"connections"`
	Fallback    fallback.Stats         `json:"fallback"`
	Gateway     gateway.GatewayMetrics `json:"gateway"`
}

// MonitoringStats reports the health monitor's snapshot history view.
func (router *Router) MonitoringStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: router.monitor.MonitoringStats()})
}
