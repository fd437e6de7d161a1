// Auditcast - Real-Time Security Audit Event Distribution
// Copyright 2026 Schoolworks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolworks/auditcast

// Package api provides HTTP routing using Chi router.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schoolworks/auditcast/internal/gateway"
	"github.com/schoolworks/auditcast/internal/health"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	// HandshakeLimitPerIP bounds websocket handshake attempts per IP per
	// minute. Zero disables the limiter.
	HandshakeLimitPerIP int

	// StatsLimitPerIP bounds stats endpoint requests per IP per minute.
	StatsLimitPerIP int
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		HandshakeLimitPerIP: 30,
		StatsLimitPerIP:     120,
	}
}

// Router assembles the HTTP surface over the distribution subsystem.
type Router struct {
	hub     *gateway.Hub
	monitor *health.Monitor
	stats   StatsSource
	config  RouterConfig
}

// NewRouter builds a router over the hub and monitor.
func NewRouter(hub *gateway.Hub, monitor *health.Monitor, stats StatsSource, config RouterConfig) *Router {
	return &Router{
		hub:     hub,
		monitor: monitor,
		stats:   stats,
		config:  config,
	}
}

// Setup configures all HTTP routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Conventional probe path for load balancers.
	r.Get("/healthz", router.HealthLive)

	// Health endpoints get a permissive per-IP limit so monitors can
	// poll freely without opening an abuse vector.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(httprate.LimitByRealIP(1000, time.Minute))
		r.Get("/live", router.HealthLive)
		r.Get("/ready", router.HealthReady)
		r.Get("/", router.Health)
	})

	r.Route("/api/v1/distribution", func(r chi.Router) {
		if router.config.StatsLimitPerIP > 0 {
			r.Use(httprate.LimitByRealIP(router.config.StatsLimitPerIP, time.Minute))
		}
		r.Get("/stats", router.DistributionStats)
		r.Get("/monitoring", router.MonitoringStats)
	})

	// The websocket handshake is the admission front door; throttle it
	// per source before any token work happens.
	r.Group(func(r chi.Router) {
		if router.config.HandshakeLimitPerIP > 0 {
			r.Use(httprate.LimitByRealIP(router.config.HandshakeLimitPerIP, time.Minute))
		}
		r.Get("/ws", router.hub.HandleConnection)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
